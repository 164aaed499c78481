package util

import "time"

type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

type RealClock struct{}

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) Now() time.Time                         { return time.Now() }

// ManualClock reports a time set by the caller. After fires immediately.
type ManualClock struct {
	T time.Time
}

func (c *ManualClock) Now() time.Time { return c.T }

func (c *ManualClock) After(d time.Duration) <-chan time.Time {
	c.T = c.T.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.T
	return ch
}
