// Package benchclock provides the monotonic time source shared by the
// acquisition loop, the exposure sequencer and the event log.
package benchclock

import (
	"sync"
	"time"
)

// Clock allows for deterministic testing. Since must be computed from the
// monotonic reading so wall-clock adjustments never affect elapsed time.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// Real uses time.Now, whose result carries a monotonic clock reading.
type Real struct{}

func (Real) Now() time.Time                  { return time.Now() }
func (Real) Since(t time.Time) time.Duration { return time.Since(t) }

// Manual is a clock that only moves when told to.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

// Advance moves the clock forward by d. Negative values are ignored.
func (m *Manual) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
