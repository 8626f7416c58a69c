// Package system provides the wall clock used for fingerprints and stage timing.
package system

import "time"

// Clock implements archive.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC. Fingerprint timestamps are rendered
// from this value, so it must never carry a local zone.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed is a Clock frozen at a single instant.
type Fixed struct {
	At time.Time
}

// Now returns the frozen instant in UTC.
func (f Fixed) Now() time.Time {
	return f.At.UTC()
}
