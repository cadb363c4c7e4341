package loop

import "fmt"

// SpawnError means a worker could not be created. It ends the loop.
type SpawnError struct {
	Iteration uint64
	Err       error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("iteration %d: spawn worker: %v", e.Iteration, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// WaitError means the blocking wait ended abnormally. It ends the loop.
type WaitError struct {
	Iteration uint64
	WorkerID  int
	Err       error
}

func (e *WaitError) Error() string {
	return fmt.Sprintf("iteration %d: wait for worker 0x%x: %v", e.Iteration, e.WorkerID, e.Err)
}

func (e *WaitError) Unwrap() error { return e.Err }

// ReclaimError means a finished worker's handle could not be released.
// It is logged and counted; the loop keeps going.
type ReclaimError struct {
	Iteration uint64
	WorkerID  int
	Err       error
}

func (e *ReclaimError) Error() string {
	return fmt.Sprintf("iteration %d: reclaim worker 0x%x: %v", e.Iteration, e.WorkerID, e.Err)
}

func (e *ReclaimError) Unwrap() error { return e.Err }
