package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

const backoffTestPrefix = "backoff:backoff_test"

func TestStrategies(t *testing.T) {
	tests := []struct {
		name     string
		strategy Strategy
		attempt  int
		want     time.Duration
	}{
		{"constant", Constant{Interval: time.Second}, 7, time.Second},
		{"linear", Linear{Initial: time.Second}, 3, 3 * time.Second},
		{"linear capped", Linear{Initial: time.Second, Max: 2 * time.Second}, 3, 2 * time.Second},
		{"linear attempt zero", Linear{Initial: time.Second}, 0, time.Second},
		{"exponential first", Exponential{Initial: time.Second}, 1, time.Second},
		{"exponential fourth", Exponential{Initial: time.Second}, 4, 8 * time.Second},
		{"exponential capped", Exponential{Initial: time.Second, Max: 5 * time.Second}, 10, 5 * time.Second},
		{"exponential huge attempt", Exponential{Initial: time.Second, Max: time.Minute}, 500, time.Minute},
		{"func", Func(func(n int) time.Duration { return time.Duration(n) }), 42, 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.strategy.Delay(tt.attempt); got != tt.want {
				t.Errorf("%s - Delay(%d) = %v, want %v", backoffTestPrefix, tt.attempt, got, tt.want)
			}
		})
	}
}

func TestJitter_Bounded(t *testing.T) {
	j := Jitter{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond}
	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 50; i++ {
			d := j.Delay(attempt)
			if d < 0 || d > 40*time.Millisecond {
				t.Fatalf("%s - Delay(%d) = %v out of bounds", backoffTestPrefix, attempt, d)
			}
		}
	}
	if d := (Jitter{}).Delay(1); d != 0 {
		t.Errorf("%s - zero jitter = %v, want 0", backoffTestPrefix, d)
	}
}

func TestDefault(t *testing.T) {
	if d := Default().Delay(100); d > 30*time.Second {
		t.Errorf("%s - default delay %v exceeds cap", backoffTestPrefix, d)
	}
}

func TestSleep(t *testing.T) {
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("%s - unexpected error: %v", backoffTestPrefix, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("%s - Sleep on cancelled ctx = %v, want context.Canceled", backoffTestPrefix, err)
	}
	if err := Sleep(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("%s - Sleep(0) on cancelled ctx = %v", backoffTestPrefix, err)
	}
}
