package report

import (
	"sync"
	"time"
)

// FailureSample keeps the essentials of a failed iteration for debugging.
type FailureSample struct {
	RunID     string    `json:"run_id"`
	Iteration uint64    `json:"iteration"`
	WorkerID  int       `json:"worker_id"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// FailureLog is a ring buffer of the most recent failed iterations.
type FailureLog struct {
	samples []FailureSample
	maxSize int
	mu      sync.RWMutex
}

// NewFailureLog creates a failure log holding at most maxSize samples.
func NewFailureLog(maxSize int) *FailureLog {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &FailureLog{
		samples: make([]FailureSample, 0, maxSize),
		maxSize: maxSize,
	}
}

// Record adds a sample when the result failed; successful results are ignored.
func (f *FailureLog) Record(r *Result) {
	if !r.Failed() {
		return
	}

	errText := r.Error
	if errText == "" {
		errText = r.ReclaimError
	}
	sample := FailureSample{
		RunID:     r.RunID,
		Iteration: r.Iteration,
		WorkerID:  r.WorkerID,
		Reason:    r.Reason(),
		Error:     errText,
		At:        r.EndTime,
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.samples) >= f.maxSize {
		f.samples = f.samples[1:]
	}
	f.samples = append(f.samples, sample)
}

// GetRecent returns up to n samples, newest first. n <= 0 returns all.
func (f *FailureLog) GetRecent(n int) []FailureSample {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if n <= 0 || n > len(f.samples) {
		n = len(f.samples)
	}

	result := make([]FailureSample, n)
	for i := 0; i < n; i++ {
		result[i] = f.samples[len(f.samples)-1-i]
	}
	return result
}

// Count returns how many samples are held.
func (f *FailureLog) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.samples)
}
