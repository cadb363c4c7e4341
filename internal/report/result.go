package report

import (
	"fmt"
	"time"

	"github.com/psantana5/threadloop/internal/observe"
	"github.com/psantana5/threadloop/pkg/logging"
)

// Outcome describes how an iteration ended.
type Outcome string

const (
	OutcomeFinished    Outcome = "finished"     // Worker ran to completion
	OutcomeSpawnFailed Outcome = "spawn_failed" // Worker could not be created
	OutcomeWaitFailed  Outcome = "wait_failed"  // Worker finished abnormally
)

// Result is the immutable record of one loop iteration. Built once, never changed.
type Result struct {
	// Identity
	RunID     string `json:"run_id"`
	Iteration uint64 `json:"iteration"`
	WorkerID  int    `json:"worker_id"`

	// Timing
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration_ns"`

	// Outcome
	Outcome      Outcome `json:"outcome"`
	ExitStatus   uint32  `json:"exit_status"`
	Error        string  `json:"error,omitempty"`
	ReclaimError string  `json:"reclaim_error,omitempty"`
}

// NewResult freezes a timing into a result. The timing is completed if it was not already.
func NewResult(runID string, iteration uint64, workerID int, timing *observe.Timing, outcome Outcome) *Result {
	timing.Complete()
	return &Result{
		RunID:     runID,
		Iteration: iteration,
		WorkerID:  workerID,
		StartTime: timing.StartedAt,
		EndTime:   timing.CompletedAt,
		Duration:  timing.Duration(),
		Outcome:   outcome,
	}
}

// Failed reports whether anything in the iteration went wrong, including a
// reclaim failure on an otherwise finished worker.
func (r *Result) Failed() bool {
	return r.Outcome != OutcomeFinished || r.ReclaimError != ""
}

// Reason is a short machine-friendly failure description.
func (r *Result) Reason() string {
	switch {
	case r.Outcome != OutcomeFinished:
		return string(r.Outcome)
	case r.ReclaimError != "":
		return "reclaim_failed"
	default:
		return ""
	}
}

// LogSummary emits a one-line summary of the iteration.
func (r *Result) LogSummary(logger *logging.Logger) {
	line := fmt.Sprintf("ITERATION %d | outcome=%s | worker=0x%x | runtime=%s | exit=%d",
		r.Iteration,
		r.Outcome,
		r.WorkerID,
		r.Duration.Round(time.Millisecond),
		r.ExitStatus,
	)
	if r.Failed() {
		logger.Warn(line, map[string]interface{}{"reason": r.Reason()})
		return
	}
	logger.Debug(line)
}
