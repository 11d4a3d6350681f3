// Package backoff computes delays between listener restarts and request
// retries.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Strategy returns the delay before attempt n, counting from 1.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Func adapts a function to Strategy.
type Func func(attempt int) time.Duration

// Delay calls f(attempt).
func (f Func) Delay(attempt int) time.Duration {
	return f(attempt)
}

// Constant waits Interval before every attempt.
type Constant struct {
	Interval time.Duration
}

func (c Constant) Delay(int) time.Duration {
	return c.Interval
}

// Linear waits Initial*attempt, capped at Max when Max is positive.
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

func (l Linear) Delay(attempt int) time.Duration {
	return capped(l.Initial*time.Duration(max(attempt, 1)), l.Max)
}

// Exponential doubles Initial per attempt, capped at Max when Max is
// positive.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	return capped(exponential(e.Initial, attempt), e.Max)
}

// Jitter draws uniformly from [0, Exponential delay].
type Jitter struct {
	Initial time.Duration
	Max     time.Duration
}

func (j Jitter) Delay(attempt int) time.Duration {
	base := capped(exponential(j.Initial, attempt), j.Max)
	if base <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(base) + 1)) //nolint:gosec // jitter does not need crypto rand
}

// Default is the restart delay used by the registry supervisor.
func Default() Strategy {
	return Jitter{Initial: 100 * time.Millisecond, Max: 30 * time.Second}
}

// Sleep waits for d or until ctx ends, returning ctx.Err() in the latter
// case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func exponential(initial time.Duration, attempt int) time.Duration {
	f := float64(initial) * math.Pow(2, float64(max(attempt, 1)-1))
	if f > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}

func capped(d, limit time.Duration) time.Duration {
	if limit > 0 && d > limit {
		return limit
	}
	return d
}
