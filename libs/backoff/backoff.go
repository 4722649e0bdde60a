// Package backoff computes retry delays: exponential growth, an upper cap and
// symmetric jitter so that many retrying workers do not wake up together.
package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

const maxShift = 62

// Exponential returns base * 2^attempt, saturating instead of overflowing.
// Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}
	return base * time.Duration(multiplier)
}

// Policy describes the delay before the n-th retry.
type Policy struct {
	Base time.Duration
	Max  time.Duration
	// JitterFraction spreads each delay uniformly over [d*(1-f), d*(1+f)).
	// Values at or below 1/3 keep consecutive uncapped delays strictly increasing.
	JitterFraction float64
	// Rand returns a float in [0, 1). Defaults to math/rand/v2.Float64.
	Rand func() float64
}

// Delay returns the wait before retry number retry (1-based).
func (p Policy) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := Exponential(p.Base, retry-1)
	d = p.jitter(d)
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

func (p Policy) jitter(d time.Duration) time.Duration {
	f := p.JitterFraction
	if f <= 0 || d <= 0 {
		return d
	}
	if f > 1 {
		f = 1
	}
	rnd := p.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	spread := float64(d) * f
	out := float64(d) - spread + 2*spread*rnd()
	if out >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(out)
}

// SleepWithContext waits for d or until ctx is done.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
