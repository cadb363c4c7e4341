package thread

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/psantana5/threadloop/internal/worker"
)

var (
	// ErrStillRunning is returned when a handle is reclaimed before its thread finished.
	ErrStillRunning = errors.New("thread still running")
	// ErrAlreadyReclaimed is returned when a handle is used after Close.
	ErrAlreadyReclaimed = errors.New("thread handle already reclaimed")
	// ErrThreadLimit is returned by Spawn when the process is at its thread ceiling.
	ErrThreadLimit = errors.New("process thread limit reached")
)

// ThreadCounter reports how many OS threads the current process has.
type ThreadCounter func(ctx context.Context) (int32, error)

// Spawner creates worker threads and tracks how many handles are still unreclaimed.
type Spawner struct {
	maxThreads int
	counter    ThreadCounter

	seq     atomic.Uint64
	live    atomic.Int64
	spawned atomic.Uint64
}

// Option configures a Spawner.
type Option func(*Spawner)

// WithMaxThreads refuses to spawn once the process already has n OS threads.
// Zero disables the check.
func WithMaxThreads(n int) Option {
	return func(s *Spawner) {
		s.maxThreads = n
	}
}

// WithThreadCounter replaces the gopsutil-backed thread counter.
func WithThreadCounter(c ThreadCounter) Option {
	return func(s *Spawner) {
		s.counter = c
	}
}

// NewSpawner creates a spawner
func NewSpawner(opts ...Option) *Spawner {
	s := &Spawner{counter: processThreads}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// processThreads counts this process's threads via gopsutil.
func processThreads(ctx context.Context) (int32, error) {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	return p.NumThreadsWithContext(ctx)
}

// Spawn starts routine(arg) on a dedicated OS thread and returns once the
// thread's identity is known. The routine is running when Spawn returns.
func (s *Spawner) Spawn(ctx context.Context, routine worker.Routine, arg any) (*Handle, error) {
	if routine == nil {
		return nil, errors.New("spawn: nil routine")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.checkLimit(ctx); err != nil {
		return nil, err
	}

	h := &Handle{
		seq:     s.seq.Add(1),
		done:    make(chan struct{}),
		spawner: s,
	}
	started := make(chan struct{})

	s.live.Add(1)
	s.spawned.Add(1)
	go h.run(routine, arg, started)
	<-started

	return h, nil
}

func (s *Spawner) checkLimit(ctx context.Context) error {
	if s.maxThreads <= 0 {
		return nil
	}
	n, err := s.counter(ctx)
	if err != nil {
		return fmt.Errorf("count process threads: %w", err)
	}
	if int(n) >= s.maxThreads {
		return fmt.Errorf("%w: %d threads, limit %d", ErrThreadLimit, n, s.maxThreads)
	}
	return nil
}

// Live returns the number of spawned handles not yet reclaimed.
func (s *Spawner) Live() int64 {
	return s.live.Load()
}

// Spawned returns the number of threads created so far.
func (s *Spawner) Spawned() uint64 {
	return s.spawned.Load()
}

// Handle is the owner's reference to one spawned thread.
type Handle struct {
	seq     uint64
	id      int
	done    chan struct{}
	status  uint32
	err     error
	spawner *Spawner

	reclaimed atomic.Bool
}

func (h *Handle) run(routine worker.Routine, arg any, started chan<- struct{}) {
	// Never unlocked: when this goroutine returns the runtime terminates the
	// OS thread instead of handing it back to the scheduler.
	runtime.LockOSThread()
	h.id = currentThreadID(h.seq)
	close(started)

	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			h.err = fmt.Errorf("routine panicked: %v", r)
		}
	}()

	h.status = routine(arg)
}

// ID returns the OS identity of the thread the routine ran on.
func (h *Handle) ID() int {
	return h.id
}

// Done is closed once the routine has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Finished reports whether the routine has returned.
func (h *Handle) Finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks without timeout until the routine returns and yields its exit status.
// A routine that panicked finishes abnormally and Wait returns an error.
func (h *Handle) Wait() (uint32, error) {
	if h.reclaimed.Load() {
		return 0, ErrAlreadyReclaimed
	}
	<-h.done
	return h.status, h.err
}

// Close reclaims the handle. It must follow Wait: closing a running thread
// fails with ErrStillRunning, closing twice with ErrAlreadyReclaimed.
func (h *Handle) Close() error {
	if !h.Finished() {
		return ErrStillRunning
	}
	if !h.reclaimed.CompareAndSwap(false, true) {
		return ErrAlreadyReclaimed
	}
	h.spawner.live.Add(-1)
	return nil
}
