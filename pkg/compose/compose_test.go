package compose

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	marks []string
}

func (r *recorder) mark(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marks = append(r.marks, s)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.marks...)
}

func marker(name string, before, after time.Duration) Middleware[*recorder] {
	return func(ctx context.Context, r *recorder, next Next) error {
		if before > 0 {
			time.Sleep(before)
		}
		r.mark(name + "-enter")
		if err := next(ctx); err != nil {
			return err
		}
		if after > 0 {
			time.Sleep(after)
		}
		r.mark(name + "-exit")
		return nil
	}
}

func TestCompose_OnionOrdering(t *testing.T) {
	tests := []struct {
		name          string
		before, after time.Duration
	}{
		{"synchronous", 0, 0},
		{"delay before next", 10 * time.Millisecond, 0},
		{"delay after next", 0, 10 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := Must(marker("A", tt.before, tt.after), marker("B", tt.after, tt.before))
			r := &recorder{}

			err := chain(context.Background(), r, func(context.Context) error {
				r.mark("H")
				return nil
			})

			require.NoError(t, err)
			assert.Equal(t, []string{"A-enter", "B-enter", "H", "B-exit", "A-exit"}, r.get())
		})
	}
}

func TestCompose_NextCalledTwice(t *testing.T) {
	r := &recorder{}
	var second error

	chain := Must(
		func(ctx context.Context, r *recorder, next Next) error {
			if err := next(ctx); err != nil {
				return err
			}
			second = next(ctx)
			return second
		},
		marker("B", 0, 0),
	)

	err := chain(context.Background(), r, nil)

	require.ErrorIs(t, second, ErrNextCalledMultipleTimes)
	require.ErrorIs(t, err, ErrNextCalledMultipleTimes)
	assert.Equal(t, []string{"B-enter", "B-exit"}, r.get(), "first downstream run is unaffected")
}

func TestCompose_NextCalledTwiceSwallowed(t *testing.T) {
	chain := Must(func(ctx context.Context, r *recorder, next Next) error {
		_ = next(ctx)
		_ = next(ctx)
		return nil
	})

	err := chain(context.Background(), &recorder{}, nil)
	require.ErrorIs(t, err, ErrNextCalledMultipleTimes)
}

func TestCompose_NextCalledTwiceFromLastMiddleware(t *testing.T) {
	calls := 0
	chain := Must(func(ctx context.Context, r *recorder, next Next) error {
		_ = next(ctx)
		return next(ctx)
	})

	err := chain(context.Background(), &recorder{}, func(context.Context) error {
		calls++
		return nil
	})

	require.ErrorIs(t, err, ErrNextCalledMultipleTimes)
	assert.Equal(t, 1, calls)
}

func TestCompose_ShortCircuit(t *testing.T) {
	r := &recorder{}
	chain := Must(
		marker("A", 0, 0),
		func(ctx context.Context, r *recorder, next Next) error {
			r.mark("stop")
			return nil
		},
		marker("C", 0, 0),
	)

	err := chain(context.Background(), r, func(context.Context) error {
		r.mark("H")
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"A-enter", "stop", "A-exit"}, r.get())
}

func TestCompose_ErrorPropagation(t *testing.T) {
	boom := errors.New("boom")
	r := &recorder{}

	chain := Must(
		marker("A", 0, 0),
		func(ctx context.Context, r *recorder, next Next) error {
			return boom
		},
	)

	err := chain(context.Background(), r, nil)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"A-enter"}, r.get(), "A does not reach its exit mark")
}

func TestCompose_ErrorRecoveredUpstream(t *testing.T) {
	boom := errors.New("boom")
	var observed error

	chain := Must(
		func(ctx context.Context, r *recorder, next Next) error {
			observed = next(ctx)
			return nil
		},
		func(ctx context.Context, r *recorder, next Next) error {
			return boom
		},
	)

	err := chain(context.Background(), &recorder{}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, observed, boom)
}

func TestCompose_NilMiddleware(t *testing.T) {
	_, err := Compose[*recorder](marker("A", 0, 0), nil)
	require.ErrorIs(t, err, ErrNilMiddleware)

	assert.Panics(t, func() { Must[*recorder](nil) })
}

func TestCompose_Empty(t *testing.T) {
	chain := Must[*recorder]()
	called := false

	err := chain(context.Background(), &recorder{}, func(context.Context) error {
		called = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, called)
	assert.NoError(t, chain(context.Background(), &recorder{}, nil))
}

func TestCompose_Nested(t *testing.T) {
	r := &recorder{}
	inner := Must(marker("B", 0, 0), marker("C", 0, 0))
	chain := Must(marker("A", 0, 0), inner, marker("D", 0, 0))

	require.NoError(t, chain(context.Background(), r, nil))
	assert.Equal(t, []string{
		"A-enter", "B-enter", "C-enter", "D-enter",
		"D-exit", "C-exit", "B-exit", "A-exit",
	}, r.get())
}

func TestCompose_ConcurrentRunsAreIndependent(t *testing.T) {
	chain := Must(marker("A", time.Millisecond, 0), marker("B", 0, time.Millisecond))

	var wg sync.WaitGroup
	recorders := make([]*recorder, 8)
	for i := range recorders {
		recorders[i] = &recorder{}
		wg.Add(1)
		go func(r *recorder) {
			defer wg.Done()
			assert.NoError(t, chain(context.Background(), r, nil))
		}(recorders[i])
	}
	wg.Wait()

	for _, r := range recorders {
		assert.Equal(t, []string{"A-enter", "B-enter", "B-exit", "A-exit"}, r.get())
	}
}

func TestCompose_InputSliceCopied(t *testing.T) {
	r := &recorder{}
	mws := []Middleware[*recorder]{marker("A", 0, 0)}
	chain := Must(mws...)
	mws[0] = marker("Z", 0, 0)

	require.NoError(t, chain(context.Background(), r, nil))
	assert.Equal(t, []string{"A-enter", "A-exit"}, r.get())
}

func TestPassthrough(t *testing.T) {
	called := false
	err := Passthrough(context.Background(), &recorder{}, func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}
