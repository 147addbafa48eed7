// Package system provides clock implementations for record timestamps.
package system

import "time"

// Clock implements bundle.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed always reports the same instant. Useful for reproducible re-runs.
type Fixed struct {
	At time.Time
}

// NewFixed returns a clock frozen at t.
func NewFixed(t time.Time) *Fixed {
	return &Fixed{At: t.UTC()}
}

// Now returns the frozen instant.
func (f *Fixed) Now() time.Time {
	return f.At
}
