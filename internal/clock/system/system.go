// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements crawler.Clock. Readings keep the monotonic component so
// run durations are immune to wall clock steps.
type Clock struct{}

// New returns a Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
