// Package clock lets time-driven components run against a virtual clock in
// tests. Production code uses Real(); tests use Fake() and move time with
// Advance.
package clock

import (
	"context"
	"time"
)

type Clock interface {
	Now() time.Time
	// After delivers the current time once d has elapsed. d <= 0 fires
	// immediately.
	After(d time.Duration) <-chan time.Time
	// NewTimer fires once on C after d unless stopped first.
	NewTimer(d time.Duration) *Timer
	// NewTicker panics if d <= 0, like time.NewTicker.
	NewTicker(d time.Duration) *Ticker
}

type Timer struct {
	C <-chan time.Time

	stop func() bool
}

// Stop reports whether the call prevented the timer from firing.
func (t *Timer) Stop() bool { return t.stop() }

// Ticker delivers ticks on C until Stop is called. C has capacity 1; ticks
// are dropped when the reader falls behind.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

func (t *Ticker) Stop() { t.stop() }

func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTimer(d time.Duration) *Timer {
	timer := time.NewTimer(d)
	return &Timer{C: timer.C, stop: timer.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop}
}

// Sleep waits for d on c or until ctx is done, releasing the timer either
// way.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := c.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
