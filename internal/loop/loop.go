package loop

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/psantana5/threadloop/internal/lifecycle"
	"github.com/psantana5/threadloop/internal/observe"
	"github.com/psantana5/threadloop/internal/report"
	"github.com/psantana5/threadloop/internal/thread"
	"github.com/psantana5/threadloop/internal/worker"
	"github.com/psantana5/threadloop/pkg/logging"
)

// leakThreshold is how many reclaim failures in a row count as a leak.
const leakThreshold = 2

// Handle is a spawned worker as seen by the loop.
type Handle interface {
	ID() int
	Wait() (uint32, error)
	Close() error
}

// Spawner creates workers.
type Spawner interface {
	Spawn(ctx context.Context, routine worker.Routine, arg any) (Handle, error)
}

// Threads adapts a thread.Spawner to the loop's Spawner.
func Threads(s *thread.Spawner) Spawner {
	return threadSpawner{s: s}
}

type threadSpawner struct {
	s *thread.Spawner
}

func (t threadSpawner) Spawn(ctx context.Context, routine worker.Routine, arg any) (Handle, error) {
	h, err := t.s.Spawn(ctx, routine, arg)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Loop spawns one worker at a time, waits for it, reclaims it and repeats.
type Loop struct {
	spawner       Spawner
	routine       worker.Routine
	logger        *logging.Logger
	metrics       *report.Metrics
	failures      *report.FailureLog
	tracer        trace.Tracer
	observer      func(lifecycle.Event)
	maxIterations uint64
	runID         string
	leakLimiter   *rate.Limiter

	machine           *lifecycle.Machine
	reclaimFailStreak int
	live              atomic.Int64
	completed         atomic.Uint64
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logging sink.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithMetrics records counters into m.
func WithMetrics(m *report.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithFailureLog records failed iterations into f.
func WithFailureLog(f *report.FailureLog) Option {
	return func(l *Loop) { l.failures = f }
}

// WithTracer replaces the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(l *Loop) { l.tracer = t }
}

// WithObserver is called synchronously for every state change.
func WithObserver(fn func(lifecycle.Event)) Option {
	return func(l *Loop) { l.observer = fn }
}

// WithMaxIterations stops the loop after n iterations. Zero means run until cancelled.
func WithMaxIterations(n uint64) Option {
	return func(l *Loop) { l.maxIterations = n }
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(l *Loop) { l.runID = id }
}

// WithLeakWarningInterval sets the minimum gap between leak warnings.
func WithLeakWarningInterval(d time.Duration) Option {
	return func(l *Loop) { l.leakLimiter = rate.NewLimiter(rate.Every(d), 1) }
}

// New creates a loop running routine on workers from spawner.
func New(spawner Spawner, routine worker.Routine, opts ...Option) *Loop {
	l := &Loop{
		spawner:     spawner,
		routine:     routine,
		logger:      logging.NewLogger(logging.INFO, false),
		metrics:     report.NewMetrics(),
		failures:    report.NewFailureLog(50),
		tracer:      otel.Tracer("github.com/psantana5/threadloop/internal/loop"),
		runID:       uuid.NewString(),
		leakLimiter: rate.NewLimiter(rate.Every(time.Minute), 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RunID identifies this loop in logs and results.
func (l *Loop) RunID() string {
	return l.runID
}

// Metrics returns the counters the loop records into.
func (l *Loop) Metrics() *report.Metrics {
	return l.metrics
}

// Failures returns the failed-iteration log.
func (l *Loop) Failures() *report.FailureLog {
	return l.failures
}

// Live returns how many spawned workers have not been reclaimed.
func (l *Loop) Live() int64 {
	return l.live.Load()
}

// Completed returns how many iterations ran to the end.
func (l *Loop) Completed() uint64 {
	return l.completed.Load()
}

// Run drives the spawn/wait/reclaim cycle until ctx is cancelled, the
// iteration cap is reached, or a spawn or wait fails.
//
// ctx is checked between iterations only; the wait for a running worker is
// never interrupted, so a cancelled loop returns after at most one worker.
// Cancellation returns ctx.Err(), the cap returns nil, a failure returns a
// *SpawnError or *WaitError.
func (l *Loop) Run(ctx context.Context) error {
	l.machine = lifecycle.NewMachine()
	logger := l.logger.WithField("run_id", l.runID)
	logger.Info("Thread lifecycle loop started", map[string]interface{}{
		"max_iterations": l.maxIterations,
	})

	for iteration := uint64(1); ; iteration++ {
		if err := ctx.Err(); err != nil {
			return l.stop(iteration, err, logger)
		}
		if l.maxIterations > 0 && iteration > l.maxIterations {
			l.transition(iteration, lifecycle.StateStopped, 0, nil)
			logger.Info("Thread lifecycle loop reached iteration limit", map[string]interface{}{
				"completed": l.completed.Load(),
			})
			return nil
		}

		if err := l.iterate(ctx, iteration, logger); err != nil {
			return err
		}
	}
}

// stop ends the loop after cancellation.
func (l *Loop) stop(iteration uint64, err error, logger *logging.Logger) error {
	l.transition(iteration, lifecycle.StateStopped, 0, err)
	logger.Info("Thread lifecycle loop stopped", map[string]interface{}{
		"completed": l.completed.Load(),
		"reason":    err.Error(),
	})
	return err
}

func (l *Loop) iterate(ctx context.Context, iteration uint64, runLogger *logging.Logger) error {
	logger := runLogger.WithField("iteration", iteration)
	ctx, span := l.tracer.Start(ctx, "threadloop.iteration",
		trace.WithAttributes(attribute.Int64("iteration", int64(iteration))))
	defer span.End()

	l.transition(iteration, lifecycle.StateSpawning, 0, nil)
	timing := observe.NewTiming()

	h, err := l.spawner.Spawn(ctx, l.routine, nil)
	if err != nil && ctx.Err() != nil {
		// Cancelled while spawning: no thread exists, so this is a stop, not a failure.
		span.SetAttributes(attribute.Bool("cancelled", true))
		return l.stop(iteration, ctx.Err(), runLogger)
	}
	if err != nil {
		spawnErr := &SpawnError{Iteration: iteration, Err: err}
		l.transition(iteration, lifecycle.StateFailed, 0, spawnErr)

		res := report.NewResult(l.runID, iteration, 0, timing, report.OutcomeSpawnFailed)
		res.Error = err.Error()
		l.record(res, logger)

		span.RecordError(spawnErr)
		span.SetStatus(codes.Error, "spawn failed")
		logger.Error(spawnErr.Error())
		return spawnErr
	}

	l.metrics.IncrSpawned()
	l.metrics.SetLive(l.live.Add(1))

	id := h.ID()
	span.SetAttributes(attribute.Int("worker.id", id))
	l.transition(iteration, lifecycle.StateRunning, id, nil)
	l.transition(iteration, lifecycle.StateWaiting, id, nil)

	status, err := h.Wait()
	timing.Complete()
	if err != nil {
		waitErr := &WaitError{Iteration: iteration, WorkerID: id, Err: err}
		l.transition(iteration, lifecycle.StateFailed, id, waitErr)

		res := report.NewResult(l.runID, iteration, id, timing, report.OutcomeWaitFailed)
		res.Error = err.Error()
		// The loop is aborting anyway; still try not to leave a live handle behind.
		if closeErr := h.Close(); closeErr != nil {
			res.ReclaimError = closeErr.Error()
		} else {
			l.metrics.IncrReclaimed()
			l.metrics.SetLive(l.live.Add(-1))
		}
		l.record(res, logger)

		span.RecordError(waitErr)
		span.SetStatus(codes.Error, "wait failed")
		logger.Error(waitErr.Error())
		return waitErr
	}

	// Identity is captured before reclaim; the handle is not touched after Close.
	logger.Info(fmt.Sprintf("Worker 0x%x finished", id), map[string]interface{}{
		"worker_id":   id,
		"exit_status": status,
	})

	l.transition(iteration, lifecycle.StateReclaiming, id, nil)
	res := report.NewResult(l.runID, iteration, id, timing, report.OutcomeFinished)
	res.ExitStatus = status

	if err := h.Close(); err != nil {
		reclaimErr := &ReclaimError{Iteration: iteration, WorkerID: id, Err: err}
		res.ReclaimError = err.Error()
		span.RecordError(reclaimErr)
		logger.Warn(reclaimErr.Error())
		l.reclaimFailStreak++
		l.warnLeak(logger)
	} else {
		l.reclaimFailStreak = 0
		l.metrics.IncrReclaimed()
		l.metrics.SetLive(l.live.Add(-1))
	}

	l.record(res, logger)
	l.completed.Add(1)
	l.transition(iteration, lifecycle.StateIdle, id, nil)
	return nil
}

// warnLeak surfaces repeated reclaim failures, at most once per limiter interval.
func (l *Loop) warnLeak(logger *logging.Logger) {
	if l.reclaimFailStreak < leakThreshold || !l.leakLimiter.Allow() {
		return
	}
	logger.Warn("Worker handles are not being reclaimed, resources are leaking", map[string]interface{}{
		"consecutive_failures": l.reclaimFailStreak,
		"live_handles":         l.live.Load(),
	})
}

func (l *Loop) record(res *report.Result, logger *logging.Logger) {
	l.metrics.RecordResult(res)
	l.failures.Record(res)
	res.LogSummary(logger)
}

// transition advances the state machine. The loop only asks for legal
// transitions, so a rejection is a bug in this package.
func (l *Loop) transition(iteration uint64, next lifecycle.State, workerID int, err error) {
	ev, terr := l.machine.Transition(iteration, next)
	if terr != nil {
		panic(fmt.Sprintf("threadloop: %v", terr))
	}
	ev.WorkerID = workerID
	ev.Err = err
	if l.observer != nil {
		l.observer(ev)
	}
}
