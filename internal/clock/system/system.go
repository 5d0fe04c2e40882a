// Package system supplies the wall clock used for job and result timestamps.
package system

import "time"

// Clock implements crawler.Clock in UTC.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
