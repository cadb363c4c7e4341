package observe

import "time"

// Timing records when a worker was spawned and when the driver saw it finish.
type Timing struct {
	StartedAt   time.Time
	CompletedAt time.Time
}

// NewTiming starts a timing at the current instant.
func NewTiming() *Timing {
	return &Timing{
		StartedAt: time.Now(),
	}
}

// Complete records completion time. Only the first call counts.
func (t *Timing) Complete() {
	if t.CompletedAt.IsZero() {
		t.CompletedAt = time.Now()
	}
}

// Completed reports whether Complete has been called.
func (t *Timing) Completed() bool {
	return !t.CompletedAt.IsZero()
}

// Duration returns the elapsed time, still ticking until Complete is called.
func (t *Timing) Duration() time.Duration {
	if t.CompletedAt.IsZero() {
		return time.Since(t.StartedAt)
	}
	return t.CompletedAt.Sub(t.StartedAt)
}

// Overlaps reports whether two timed windows intersect.
func (t *Timing) Overlaps(other *Timing) bool {
	aEnd, bEnd := t.end(), other.end()
	return t.StartedAt.Before(bEnd) && other.StartedAt.Before(aEnd)
}

func (t *Timing) end() time.Time {
	if t.CompletedAt.IsZero() {
		return time.Now()
	}
	return t.CompletedAt
}
