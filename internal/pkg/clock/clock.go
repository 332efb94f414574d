// Package clock provides a tiny time abstraction.
//
// Code that makes time-based decisions should depend on the Clocker
// interface instead of calling time.Now() directly, so tests can swap in a
// fixed clock.
package clock

import "time"

// Clocker abstracts time so callers can replace real time in tests.
type Clocker interface {
	Now() time.Time
}

// TimeClocker is the production clock implementation backed by time.Now.
type TimeClocker struct{}

// New returns a TimeClocker that reads the current system time.
func New() *TimeClocker {
	return &TimeClocker{}
}

// Now returns the current system time.
func (*TimeClocker) Now() time.Time {
	return time.Now()
}

// FixedClocker always returns the same instant. Test helper.
type FixedClocker struct {
	T time.Time
}

// Now returns the configured instant.
func (f FixedClocker) Now() time.Time {
	return f.T
}
