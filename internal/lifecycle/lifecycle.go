package lifecycle

import (
	"fmt"
	"time"
)

// State is where a loop iteration currently is.
type State string

const (
	StateIdle       State = "idle"       // Between iterations
	StateSpawning   State = "spawning"   // Creating the worker thread
	StateRunning    State = "running"    // Worker thread created and executing
	StateWaiting    State = "waiting"    // Driver blocked until the worker finishes
	StateReclaiming State = "reclaiming" // Releasing the finished worker's handle
	StateFailed     State = "failed"     // Spawn or wait failed, loop aborted
	StateStopped    State = "stopped"    // Cancelled or iteration cap reached
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[State]map[State]bool{
	StateIdle: {
		StateSpawning: true, // Idle → Spawning (next iteration)
		StateStopped:  true, // Idle → Stopped (context cancelled or cap reached)
	},
	StateSpawning: {
		StateRunning: true, // Spawning → Running (thread created)
		StateFailed:  true, // Spawning → Failed (spawn rejected)
		StateStopped: true, // Spawning → Stopped (cancelled before the thread existed)
	},
	StateRunning: {
		StateWaiting: true, // Running → Waiting (driver blocks on the handle)
	},
	StateWaiting: {
		StateReclaiming: true, // Waiting → Reclaiming (worker finished)
		StateFailed:     true, // Waiting → Failed (abnormal wait)
	},
	StateReclaiming: {
		StateIdle: true, // Reclaiming → Idle (reclaim attempted, success or not)
	},
	// Terminal states
	StateFailed:  {},
	StateStopped: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to State) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminal returns true if no transition leaves the state.
func IsTerminal(s State) bool {
	return s == StateFailed || s == StateStopped
}

// Event records one state change of the loop.
type Event struct {
	Iteration uint64    `json:"iteration"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	WorkerID  int       `json:"worker_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Err       error     `json:"-"`
}

// Machine tracks the current state and rejects illegal transitions.
// It is owned by a single loop and is not safe for concurrent use.
type Machine struct {
	state State
}

// NewMachine starts in StateIdle.
func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Transition moves to next and returns the event describing the change.
func (m *Machine) Transition(iteration uint64, next State) (Event, error) {
	if err := ValidateTransition(m.state, next); err != nil {
		return Event{}, err
	}
	ev := Event{
		Iteration: iteration,
		From:      m.state,
		To:        next,
		Timestamp: time.Now(),
	}
	m.state = next
	return ev, nil
}
