package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errBackend = errors.New("backend down")

func fail(context.Context) error { return errBackend }
func ok(context.Context) error   { return nil }

func newBreaker(t *testing.T) *Breaker {
	t.Helper()
	return New("llm", Config{
		MaxProbes:        1,
		Cooldown:         time.Minute,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}, zaptest.NewLogger(t))
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := newBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(ctx, fail), errBackend)
	}
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Execute(ctx, fail), ErrOpen)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := newBreaker(t)
	ctx := context.Background()

	require.ErrorIs(t, b.Execute(ctx, fail), errBackend)
	require.ErrorIs(t, b.Execute(ctx, fail), errBackend)
	require.NoError(t, b.Execute(ctx, ok))
	require.ErrorIs(t, b.Execute(ctx, fail), errBackend)
	require.ErrorIs(t, b.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenAfterCooldown(t *testing.T) {
	b := newBreaker(t)
	clock := time.Now()
	b.now = func() time.Time { return clock }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	require.Equal(t, StateOpen, b.State())

	clock = clock.Add(2 * time.Minute)
	assert.Equal(t, StateHalfOpen, b.State())

	// Two probe successes close the breaker again.
	require.NoError(t, b.Execute(ctx, ok))
	require.NoError(t, b.Execute(ctx, ok))
	assert.Equal(t, StateClosed, b.State())
}

func TestFailedProbeReopens(t *testing.T) {
	b := newBreaker(t)
	clock := time.Now()
	b.now = func() time.Time { return clock }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	clock = clock.Add(2 * time.Minute)
	require.Equal(t, StateHalfOpen, b.State())

	assert.ErrorIs(t, b.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateOpen, b.State())
}

func TestProbeBudgetEnforced(t *testing.T) {
	b := newBreaker(t)
	clock := time.Now()
	b.now = func() time.Time { return clock }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	clock = clock.Add(2 * time.Minute)
	require.Equal(t, StateHalfOpen, b.State())

	// One in-flight probe allowed; the next is turned away.
	admitted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(admitted)
			<-release
			return nil
		})
	}()
	<-admitted
	assert.ErrorIs(t, b.Execute(ctx, ok), ErrTooManyProbes)
	close(release)
	require.NoError(t, <-done)
}
