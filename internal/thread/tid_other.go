//go:build !linux

package thread

// Without gettid the spawn sequence number stands in for the thread id.
func currentThreadID(seq uint64) int {
	return int(seq)
}
