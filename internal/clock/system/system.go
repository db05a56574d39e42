// Package system provides a real clock implementation.
package system

import "time"

// Clock implements news.Clock using time.Now in a fixed location. The
// location matters for quota resets, which happen at local midnight.
type Clock struct {
	loc *time.Location
}

// New creates a Clock reporting times in loc; nil means time.Local.
func New(loc *time.Location) *Clock {
	if loc == nil {
		loc = time.Local
	}
	return &Clock{loc: loc}
}

// Now returns the current time in the clock's location.
func (c *Clock) Now() time.Time {
	return time.Now().In(c.loc)
}

// Location returns the clock's time zone.
func (c *Clock) Location() *time.Location {
	return c.loc
}
