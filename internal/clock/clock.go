// Package clock abstracts wall-clock access so staleness evaluation and
// poll loops can be driven deterministically in tests.
package clock

import "time"

// Clock supplies the time primitives used by the coordination and
// conversation packages.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real implements Clock with the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
