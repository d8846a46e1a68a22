// Package clock lets retry backoff, deadlines and the transaction sweeper run
// against either wall time or a manually advanced test clock.
package clock

import (
	"context"
	"time"
)

// Clock is the time source used across cachetx.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real is the wall clock.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time { return time.Now().UTC() }

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Or returns c, falling back to Real when c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}

// Sleep waits for d on c or until ctx ends, whichever comes first.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
		return nil
	}
}
