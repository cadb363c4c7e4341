package loop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/threadloop/internal/lifecycle"
	"github.com/psantana5/threadloop/internal/observe"
	"github.com/psantana5/threadloop/internal/report"
	"github.com/psantana5/threadloop/internal/thread"
	"github.com/psantana5/threadloop/internal/worker"
	"github.com/psantana5/threadloop/pkg/logging"
)

// fakeHandle runs the routine on a goroutine and records how the loop used it.
type fakeHandle struct {
	id       int
	done     chan struct{}
	status   uint32
	waitErr  error
	closeErr error

	spawner *fakeSpawner
	waited  bool
	closes  int
}

func (h *fakeHandle) ID() int { return h.id }

func (h *fakeHandle) Wait() (uint32, error) {
	<-h.done
	h.waited = true
	h.spawner.note(fmt.Sprintf("wait %d", h.id))
	return h.status, h.waitErr
}

func (h *fakeHandle) Close() error {
	h.closes++
	h.spawner.note(fmt.Sprintf("close %d", h.id))
	if !h.waited {
		return errors.New("closed before wait")
	}
	if h.closeErr != nil {
		return h.closeErr
	}
	h.spawner.live.Add(-1)
	return nil
}

// fakeSpawner injects failures by 1-based spawn call number.
type fakeSpawner struct {
	failOn     map[int]error
	waitErrOn  map[int]error
	closeErrOn map[int]error
	onSpawn    func(call int)

	mu      sync.Mutex
	calls   int
	handles []*fakeHandle
	trace   []string
	live    atomic.Int64
}

func (s *fakeSpawner) note(ev string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trace = append(s.trace, ev)
}

func (s *fakeSpawner) Spawn(_ context.Context, routine worker.Routine, arg any) (Handle, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()

	if s.onSpawn != nil {
		s.onSpawn(call)
	}
	s.note(fmt.Sprintf("spawn %d", call))

	if err := s.failOn[call]; err != nil {
		return nil, err
	}

	h := &fakeHandle{
		id:       call,
		done:     make(chan struct{}),
		waitErr:  s.waitErrOn[call],
		closeErr: s.closeErrOn[call],
		spawner:  s,
	}
	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()
	s.live.Add(1)

	go func() {
		defer close(h.done)
		h.status = routine(arg)
	}()
	return h, nil
}

func (s *fakeSpawner) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func quietLogger(buf *bytes.Buffer) *logging.Logger {
	logger := logging.NewLogger(logging.INFO, false)
	logger.SetOutput(buf)
	return logger
}

func noop(any) uint32 { return worker.ExitSuccess }

func TestRunStopsAtIterationCap(t *testing.T) {
	var buf bytes.Buffer
	s := &fakeSpawner{}
	l := New(s, noop, WithLogger(quietLogger(&buf)), WithMaxIterations(4))

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, 4, s.Calls())
	assert.Equal(t, uint64(4), l.Completed())
	assert.Equal(t, 4, strings.Count(buf.String(), "finished"))
}

func TestNoLeakAfterIterations(t *testing.T) {
	var buf bytes.Buffer
	s := &fakeSpawner{}
	l := New(s, noop, WithLogger(quietLogger(&buf)), WithMaxIterations(10))

	require.NoError(t, l.Run(context.Background()))

	assert.Equal(t, int64(0), l.Live())
	assert.Equal(t, int64(0), s.live.Load())
	for _, h := range s.handles {
		assert.Equal(t, 1, h.closes, "handle %d closed %d times", h.id, h.closes)
	}
	assert.Equal(t, uint64(10), l.Metrics().Snapshot()["workers_reclaimed"])
	assert.Equal(t, uint64(0), l.Metrics().Snapshot()["live_handles"])

	// Every spawn is followed by its wait and close before the next spawn.
	require.Len(t, s.trace, 30)
	for i := 0; i < 10; i++ {
		id := i + 1
		assert.Equal(t, fmt.Sprintf("spawn %d", id), s.trace[3*i])
		assert.Equal(t, fmt.Sprintf("wait %d", id), s.trace[3*i+1])
		assert.Equal(t, fmt.Sprintf("close %d", id), s.trace[3*i+2])
	}
}

func TestFatalOnThirdSpawnFailure(t *testing.T) {
	var buf bytes.Buffer
	s := &fakeSpawner{failOn: map[int]error{3: errors.New("resource exhausted")}}
	l := New(s, noop, WithLogger(quietLogger(&buf)))

	err := l.Run(context.Background())

	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, uint64(3), spawnErr.Iteration)
	assert.Contains(t, err.Error(), "resource exhausted")

	assert.Equal(t, 3, s.Calls(), "no iterations after the failed spawn")
	assert.Equal(t, uint64(2), l.Completed())
	assert.Equal(t, 2, strings.Count(buf.String(), "finished"))
	assert.Equal(t, 1, strings.Count(buf.String(), "spawn worker"))

	snap := l.Metrics().Snapshot()
	assert.Equal(t, uint64(1), snap["spawn_failures"])
	assert.Equal(t, uint64(2), snap["workers_finished"])

	failures := l.Failures().GetRecent(0)
	require.Len(t, failures, 1)
	assert.Equal(t, "spawn_failed", failures[0].Reason)
	assert.Equal(t, uint64(3), failures[0].Iteration)
}

func TestWaitFailureIsFatal(t *testing.T) {
	var buf bytes.Buffer
	s := &fakeSpawner{waitErrOn: map[int]error{2: errors.New("abandoned")}}
	l := New(s, noop, WithLogger(quietLogger(&buf)))

	err := l.Run(context.Background())

	var waitErr *WaitError
	require.ErrorAs(t, err, &waitErr)
	assert.Equal(t, uint64(2), waitErr.Iteration)
	assert.Equal(t, 2, waitErr.WorkerID)
	assert.Equal(t, 2, s.Calls())
	assert.Equal(t, uint64(1), l.Completed())
	assert.Equal(t, uint64(1), l.Metrics().Snapshot()["wait_failures"])
	assert.Equal(t, int64(0), l.Live(), "aborted worker is still reclaimed")
}

func TestReclaimFailureContinues(t *testing.T) {
	var buf bytes.Buffer
	s := &fakeSpawner{closeErrOn: map[int]error{2: errors.New("bad handle")}}
	l := New(s, noop, WithLogger(quietLogger(&buf)), WithMaxIterations(4))

	require.NoError(t, l.Run(context.Background()))

	assert.Equal(t, 4, s.Calls())
	assert.Equal(t, uint64(4), l.Completed())
	assert.Equal(t, int64(1), l.Live(), "the failed handle stays live")
	assert.Equal(t, uint64(1), l.Metrics().Snapshot()["reclaim_failures"])
	assert.Contains(t, buf.String(), "WARN: iteration 2: reclaim worker 0x2: bad handle")
	assert.NotContains(t, buf.String(), "leaking", "a single failure is not a leak")
}

func TestRepeatedReclaimFailuresWarnOnce(t *testing.T) {
	var buf bytes.Buffer
	bad := errors.New("bad handle")
	s := &fakeSpawner{closeErrOn: map[int]error{1: bad, 2: bad, 3: bad, 4: bad}}
	l := New(s, noop,
		WithLogger(quietLogger(&buf)),
		WithMaxIterations(4),
		WithLeakWarningInterval(time.Hour),
	)

	require.NoError(t, l.Run(context.Background()))

	assert.Equal(t, int64(4), l.Live())
	assert.Equal(t, 1, strings.Count(buf.String(), "resources are leaking"))
	assert.Contains(t, buf.String(), "live_handles=2")
}

func TestLivenessAfterFiveFinished(t *testing.T) {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	finishedBeforeSixth := -1
	s := &fakeSpawner{}
	s.onSpawn = func(call int) {
		if call == 6 {
			finishedBeforeSixth = strings.Count(buf.String(), "finished")
			cancel()
		}
	}
	l := New(s, noop, WithLogger(quietLogger(&buf)))

	err := l.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 5, finishedBeforeSixth)
	assert.Equal(t, 6, s.Calls(), "a 6th creation was attempted")
	assert.Equal(t, uint64(6), l.Completed(), "the in-flight worker is joined before stopping")
	assert.Equal(t, int64(0), l.Live())
}

func TestCancelledBeforeStart(t *testing.T) {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var states []lifecycle.State
	s := &fakeSpawner{}
	l := New(s, noop, WithLogger(quietLogger(&buf)), WithObserver(func(ev lifecycle.Event) {
		states = append(states, ev.To)
	}))

	assert.ErrorIs(t, l.Run(ctx), context.Canceled)
	assert.Equal(t, 0, s.Calls())
	assert.Equal(t, []lifecycle.State{lifecycle.StateStopped}, states)
}

func TestCancelDuringSpawnIsCleanStop(t *testing.T) {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var states []lifecycle.State
	spawner := thread.NewSpawner()
	l := New(Threads(spawner), noop, WithLogger(quietLogger(&buf)),
		WithObserver(func(ev lifecycle.Event) {
			states = append(states, ev.To)
			if ev.To == lifecycle.StateSpawning && ev.Iteration == 2 {
				cancel()
			}
		}))

	err := l.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	var spawnErr *SpawnError
	assert.False(t, errors.As(err, &spawnErr), "cancellation reported as a spawn failure: %v", err)

	snap := l.Metrics().Snapshot()
	assert.Equal(t, uint64(0), snap["spawn_failures"])
	assert.Equal(t, uint64(1), snap["workers_spawned"])
	assert.Equal(t, 0, l.Failures().Count())
	assert.Equal(t, uint64(1), l.Completed())
	assert.Equal(t, int64(0), spawner.Live())

	require.NotEmpty(t, states)
	assert.Equal(t, lifecycle.StateStopped, states[len(states)-1])
	assert.NotContains(t, states, lifecycle.StateFailed)
	assert.NotContains(t, buf.String(), "spawn_failed")
	assert.NotContains(t, buf.String(), "ERROR")
	assert.Contains(t, buf.String(), "Thread lifecycle loop stopped")
}

func TestObserverSeesStateMachine(t *testing.T) {
	var buf bytes.Buffer
	var events []lifecycle.Event
	s := &fakeSpawner{}
	l := New(s, noop, WithLogger(quietLogger(&buf)), WithMaxIterations(2),
		WithObserver(func(ev lifecycle.Event) { events = append(events, ev) }))

	require.NoError(t, l.Run(context.Background()))

	want := []lifecycle.State{
		lifecycle.StateSpawning, lifecycle.StateRunning, lifecycle.StateWaiting, lifecycle.StateReclaiming, lifecycle.StateIdle,
		lifecycle.StateSpawning, lifecycle.StateRunning, lifecycle.StateWaiting, lifecycle.StateReclaiming, lifecycle.StateIdle,
		lifecycle.StateStopped,
	}
	require.Len(t, events, len(want))
	for i, ev := range events {
		assert.Equal(t, want[i], ev.To, "event %d", i)
	}
	assert.Equal(t, 1, events[1].WorkerID)
	assert.Equal(t, 2, events[6].WorkerID)
	assert.Equal(t, uint64(3), events[10].Iteration)
}

func TestRunIDOption(t *testing.T) {
	var buf bytes.Buffer
	l := New(&fakeSpawner{}, noop, WithLogger(quietLogger(&buf)), WithMaxIterations(1), WithRunID("fixed"))
	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, "fixed", l.RunID())
	assert.Contains(t, buf.String(), "run_id=fixed")

	assert.NotEmpty(t, New(&fakeSpawner{}, noop).RunID())
}

func TestSharedMetricsAndFailureLog(t *testing.T) {
	var buf bytes.Buffer
	m := report.NewMetrics()
	f := report.NewFailureLog(5)
	s := &fakeSpawner{failOn: map[int]error{2: errors.New("nope")}}
	l := New(s, noop, WithLogger(quietLogger(&buf)), WithMetrics(m), WithFailureLog(f))

	require.Error(t, l.Run(context.Background()))
	assert.Same(t, m, l.Metrics())
	assert.Same(t, f, l.Failures())
	assert.Equal(t, 1, f.Count())
	assert.Equal(t, uint64(1), m.Snapshot()["workers_spawned"])
}

// The remaining tests run real OS threads.

func TestSerialExclusivityOnThreads(t *testing.T) {
	var buf bytes.Buffer
	var active, maxActive atomic.Int32

	routine := func(any) uint32 {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return 0
	}

	// One window per iteration, from spawn request to reclaimed handle.
	var windows []*observe.Timing
	spawner := thread.NewSpawner()
	l := New(Threads(spawner), routine,
		WithLogger(quietLogger(&buf)),
		WithMaxIterations(5),
		WithObserver(func(ev lifecycle.Event) {
			switch ev.To {
			case lifecycle.StateSpawning:
				windows = append(windows, &observe.Timing{StartedAt: ev.Timestamp})
			case lifecycle.StateIdle:
				windows[len(windows)-1].CompletedAt = ev.Timestamp
			}
		}))

	require.NoError(t, l.Run(context.Background()))

	assert.Equal(t, int32(1), maxActive.Load(), "workers overlapped")
	require.Len(t, windows, 5)
	for i, a := range windows {
		require.True(t, a.Completed(), "iteration %d never reached idle", i+1)
		for j := i + 1; j < len(windows); j++ {
			assert.False(t, a.Overlaps(windows[j]),
				"iteration %d overlaps iteration %d", i+1, j+1)
		}
	}
	assert.Equal(t, int64(0), spawner.Live())
	assert.Equal(t, uint64(5), spawner.Spawned())
}

func TestWorkerDelayLowerBound(t *testing.T) {
	if testing.Short() {
		t.Skip("runs the full one second worker delay")
	}

	var buf bytes.Buffer
	var started, finished time.Time
	l := New(Threads(thread.NewSpawner()), worker.Sleep(worker.DefaultDelay, nil),
		WithLogger(quietLogger(&buf)),
		WithMaxIterations(1),
		WithObserver(func(ev lifecycle.Event) {
			switch ev.To {
			case lifecycle.StateSpawning:
				started = ev.Timestamp
			case lifecycle.StateReclaiming:
				finished = ev.Timestamp
			}
		}))

	require.NoError(t, l.Run(context.Background()))
	assert.GreaterOrEqual(t, finished.Sub(started), worker.DefaultDelay)
}

func TestThreadLimitEndsLoop(t *testing.T) {
	var buf bytes.Buffer
	calls := 0
	spawner := thread.NewSpawner(
		thread.WithMaxThreads(10),
		thread.WithThreadCounter(func(context.Context) (int32, error) {
			calls++
			if calls == 3 {
				return 10, nil
			}
			return 5, nil
		}),
	)
	l := New(Threads(spawner), noop, WithLogger(quietLogger(&buf)))

	err := l.Run(context.Background())

	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.ErrorIs(t, err, thread.ErrThreadLimit)
	assert.Equal(t, uint64(2), l.Completed())
	assert.Equal(t, int64(0), spawner.Live())
}

func TestPanickingWorkerIsWaitFailure(t *testing.T) {
	var buf bytes.Buffer
	spawner := thread.NewSpawner()
	l := New(Threads(spawner), func(any) uint32 { panic("worker exploded") }, WithLogger(quietLogger(&buf)))

	err := l.Run(context.Background())

	var waitErr *WaitError
	require.ErrorAs(t, err, &waitErr)
	assert.Contains(t, err.Error(), "worker exploded")
	assert.Equal(t, int64(0), spawner.Live())
}
