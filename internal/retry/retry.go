// Package retry holds the exponential backoff policy shared by the flag
// synchronizer and the event reporter.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"

	"github.com/matt-riley/flagsync/internal/core"
)

const (
	DefaultBase   = time.Second
	DefaultMax    = time.Minute
	DefaultJitter = 0.5

	// MaxJitter keeps the third delay of a sequence strictly above the first:
	// 4*(1-j) > 1+j holds only for j < 0.6.
	MaxJitter = 0.6
)

// Policy doubles Base on every consecutive failure up to Max, then spreads
// each delay by +/- Jitter. Jitter must stay below MaxJitter.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func DefaultPolicy() Policy {
	return Policy{Base: DefaultBase, Max: DefaultMax, Jitter: DefaultJitter}
}

func (p Policy) Validate() error {
	if p.Base <= 0 {
		return core.InvalidConfig("retry base delay must be > 0")
	}
	if p.Max < p.Base {
		return core.InvalidConfig("retry max delay must be >= base delay")
	}
	if p.Jitter < 0 || p.Jitter >= MaxJitter {
		return core.InvalidConfig("retry jitter must be in [0, %g), got %g", MaxJitter, p.Jitter)
	}
	return nil
}

// NewBackOff returns a fresh backoff sequence for this policy.
func (p Policy) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.MaxInterval = p.Max
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

// Next draws the next delay from b, never exceeding ceiling. A non-positive
// ceiling means no extra cap.
func Next(b backoff.BackOff, ceiling time.Duration) time.Duration {
	d := b.NextBackOff()
	if d < 0 {
		d = ceiling
	}
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	return d
}

// Sleep waits for d on clock. It reports false if ctx ended first.
func Sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
