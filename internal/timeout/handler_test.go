package timeout

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/helix-bi/helix/go/pipeline/internal/envelope"
)

func TestRunReturnsResultBeforeDeadline(t *testing.T) {
	h := NewHandler(DefaultConfig(), zaptest.NewLogger(t))
	env, err := h.Run(context.Background(), "query_database", time.Second, func(context.Context) (*envelope.Envelope, error) {
		return envelope.Success("query_database", "done", nil), nil
	})
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusSuccess, env.Status)
}

func TestRunTimesOutAroundDeadline(t *testing.T) {
	h := NewHandler(DefaultConfig(), zaptest.NewLogger(t))
	deadline := 100 * time.Millisecond

	start := time.Now()
	env, err := h.Run(context.Background(), "exec_python", deadline, func(ctx context.Context) (*envelope.Envelope, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, envelope.StatusTimeout, env.Status)
	assert.Equal(t, "timeout", env.Error.Code)
	// The handler should give up close to the deadline, not after some
	// multiple of it.
	assert.GreaterOrEqual(t, elapsed, deadline)
	assert.Less(t, elapsed, deadline*3)
}

func TestRunComputationObservesCancellation(t *testing.T) {
	h := NewHandler(DefaultConfig(), zaptest.NewLogger(t))
	observed := make(chan struct{})

	_, err := h.Run(context.Background(), "exec_shell", 50*time.Millisecond, func(ctx context.Context) (*envelope.Envelope, error) {
		<-ctx.Done()
		close(observed)
		return nil, ctx.Err()
	})
	require.NoError(t, err)

	select {
	case <-observed:
	case <-time.After(time.Second):
		t.Fatal("computation never observed cancellation")
	}
}

func TestRunDistinguishesCallerCancellation(t *testing.T) {
	h := NewHandler(DefaultConfig(), zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	env, err := h.Run(ctx, "exec_python", time.Minute, func(ctx context.Context) (*envelope.Envelope, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, env, "caller cancellation is not a tool timeout")
}

func TestRunZeroDurationUsesDefault(t *testing.T) {
	cfg := Config{Default: 80 * time.Millisecond, MaxRetries: 0}
	h := NewHandler(cfg, zaptest.NewLogger(t))

	env, err := h.Run(context.Background(), "query_database", 0, func(ctx context.Context) (*envelope.Envelope, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusTimeout, env.Status)
	assert.Contains(t, env.Summary, "80ms")
}

func TestRunWithRetriesRecoversOnSecondAttempt(t *testing.T) {
	cfg := Config{Default: 50 * time.Millisecond, MaxRetries: 1}
	h := NewHandler(cfg, zaptest.NewLogger(t))

	var attempts atomic.Int64
	env, err := h.RunWithRetries(context.Background(), "query_database", 0, func(ctx context.Context) (*envelope.Envelope, error) {
		if attempts.Add(1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return envelope.Success("query_database", "second try", nil), nil
	})
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusSuccess, env.Status)
	assert.Equal(t, 1, env.Telemetry.Retries)
	assert.Equal(t, int64(2), attempts.Load())
}

func TestRunWithRetriesGivesUpAfterBudget(t *testing.T) {
	cfg := Config{Default: 30 * time.Millisecond, MaxRetries: 1}
	h := NewHandler(cfg, zaptest.NewLogger(t))

	var attempts atomic.Int64
	env, err := h.RunWithRetries(context.Background(), "exec_python", 0, func(ctx context.Context) (*envelope.Envelope, error) {
		attempts.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusTimeout, env.Status)
	assert.Equal(t, 1, env.Telemetry.Retries)
	assert.Equal(t, int64(2), attempts.Load())
}
