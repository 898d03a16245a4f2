// Package system provides the wall clock used outside of tests.
package system

import "time"

// Clock satisfies queue.Clock with UTC wall time.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC. Stored timestamps are always UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
