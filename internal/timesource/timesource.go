// Package timesource abstracts the clock used for expiry and access
// bookkeeping so tests can advance time deterministically.
package timesource

import (
	"sync"
	"time"
)

// TimeSource returns the current time
type TimeSource interface {
	Now() time.Time
}

// System is the wall clock
var System TimeSource = systemSource{}

type systemSource struct{}

func (systemSource) Now() time.Time { return time.Now() }

// Manual is a clock that only moves when told to
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates a manual clock starting at start
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
