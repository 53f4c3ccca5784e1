package idempotency

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/helix-bi/helix/go/pipeline/internal/envelope"
)

func successFn(calls *atomic.Int64) ComputeFunc {
	return func(context.Context) (*envelope.Envelope, error) {
		calls.Add(1)
		return envelope.Success("query_database", "ok", map[string]int{"n": 1}), nil
	}
}

func TestFingerprintDeterministicAndSensitive(t *testing.T) {
	a := Fingerprint("query_database", map[string]interface{}{"sql": "SELECT 1", "limit": 10})
	b := Fingerprint("query_database", map[string]interface{}{"limit": 10, "sql": "SELECT 1"})
	assert.Equal(t, a, b, "key order must not change the fingerprint")

	assert.NotEqual(t, a, Fingerprint("query_schema", map[string]interface{}{"sql": "SELECT 1", "limit": 10}))
	assert.NotEqual(t, a, Fingerprint("query_database", map[string]interface{}{"sql": "SELECT 2", "limit": 10}))
}

func TestFingerprintNilAndEmptyArgsAgree(t *testing.T) {
	assert.Equal(t,
		Fingerprint("query_schema", nil),
		Fingerprint("query_schema", map[string]interface{}{}),
		"no-argument calls must share one fingerprint")
}

func TestNoCacheAlwaysComputes(t *testing.T) {
	c := NewCache(DefaultConfig(), zaptest.NewLogger(t))
	var calls atomic.Int64
	fp := Fingerprint("memory_store", nil)

	for i := 0; i < 3; i++ {
		env, err := c.GetOrCompute(context.Background(), "memory_store", fp, PolicyNoCache, successFn(&calls))
		require.NoError(t, err)
		assert.False(t, env.Telemetry.CacheHit)
	}
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, 0, c.Len())
}

func TestCacheableComputesOnceThenHits(t *testing.T) {
	c := NewCache(DefaultConfig(), zaptest.NewLogger(t))
	var calls atomic.Int64
	fp := Fingerprint("query_database", map[string]interface{}{"sql": "SELECT 1"})

	first, err := c.GetOrCompute(context.Background(), "query_database", fp, PolicyCacheable, successFn(&calls))
	require.NoError(t, err)
	assert.False(t, first.Telemetry.CacheHit)

	second, err := c.GetOrCompute(context.Background(), "query_database", fp, PolicyCacheable, successFn(&calls))
	require.NoError(t, err)
	assert.True(t, second.Telemetry.CacheHit)
	assert.Equal(t, int64(1), calls.Load())
}

func TestTTLExpiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TTLShort = time.Minute
	c := NewCache(cfg, zaptest.NewLogger(t))

	clock := time.Now()
	c.now = func() time.Time { return clock }

	var calls atomic.Int64
	fp := Fingerprint("query_database", map[string]interface{}{"sql": "SELECT 2"})

	_, err := c.GetOrCompute(context.Background(), "query_database", fp, PolicyTTLShort, successFn(&calls))
	require.NoError(t, err)

	clock = clock.Add(59 * time.Second)
	env, err := c.GetOrCompute(context.Background(), "query_database", fp, PolicyTTLShort, successFn(&calls))
	require.NoError(t, err)
	assert.True(t, env.Telemetry.CacheHit)

	clock = clock.Add(2 * time.Second)
	env, err = c.GetOrCompute(context.Background(), "query_database", fp, PolicyTTLShort, successFn(&calls))
	require.NoError(t, err)
	assert.False(t, env.Telemetry.CacheHit)
	assert.Equal(t, int64(2), calls.Load())
}

func TestEternalNeverExpiresAndSurvivesPressure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEntries = 3
	c := NewCache(cfg, zaptest.NewLogger(t))

	clock := time.Now()
	c.now = func() time.Time { return clock }

	var calls atomic.Int64
	eternal := Fingerprint("skill_cohort_analysis", nil)
	_, err := c.GetOrCompute(context.Background(), "skill_cohort_analysis", eternal, PolicyEternal, successFn(&calls))
	require.NoError(t, err)

	clock = clock.Add(1000 * time.Hour)

	// Flood with TTL entries well past MaxEntries.
	for i := 0; i < 10; i++ {
		fp := Fingerprint("query_database", map[string]interface{}{"sql": fmt.Sprintf("SELECT %d", i)})
		_, err := c.GetOrCompute(context.Background(), "query_database", fp, PolicyTTLLong, successFn(&calls))
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, c.Len(), 3)

	env, err := c.GetOrCompute(context.Background(), "skill_cohort_analysis", eternal, PolicyEternal, successFn(&calls))
	require.NoError(t, err)
	assert.True(t, env.Telemetry.CacheHit, "ETERNAL entry must survive LRU pressure and time")
}

func TestErrorEnvelopesNotCachedByDefault(t *testing.T) {
	c := NewCache(DefaultConfig(), zaptest.NewLogger(t))
	var calls atomic.Int64
	fp := Fingerprint("query_database", map[string]interface{}{"sql": "bad"})
	failing := func(context.Context) (*envelope.Envelope, error) {
		calls.Add(1)
		return envelope.Failure("query_database", "failed", nil), nil
	}

	for i := 0; i < 2; i++ {
		env, err := c.GetOrCompute(context.Background(), "query_database", fp, PolicyCacheable, failing)
		require.NoError(t, err)
		assert.False(t, env.Telemetry.CacheHit)
	}
	assert.Equal(t, int64(2), calls.Load())
}

func TestErrorEnvelopesCachedWhenOptedIn(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheErrors = true
	c := NewCache(cfg, zaptest.NewLogger(t))
	var calls atomic.Int64
	fp := Fingerprint("query_database", map[string]interface{}{"sql": "bad"})
	failing := func(context.Context) (*envelope.Envelope, error) {
		calls.Add(1)
		return envelope.Failure("query_database", "failed", nil), nil
	}

	_, err := c.GetOrCompute(context.Background(), "query_database", fp, PolicyCacheable, failing)
	require.NoError(t, err)
	env, err := c.GetOrCompute(context.Background(), "query_database", fp, PolicyCacheable, failing)
	require.NoError(t, err)
	assert.True(t, env.Telemetry.CacheHit)
	assert.Equal(t, int64(1), calls.Load())
}

func TestSingleFlightCoalescesConcurrentCallers(t *testing.T) {
	c := NewCache(DefaultConfig(), zaptest.NewLogger(t))
	fp := Fingerprint("query_database", map[string]interface{}{"sql": "SELECT slow"})

	var calls atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})
	slow := func(context.Context) (*envelope.Envelope, error) {
		calls.Add(1)
		close(started)
		<-release
		return envelope.Success("query_database", "slow done", nil), nil
	}

	const waiters = 8
	var wg sync.WaitGroup
	var hits atomic.Int64
	results := make([]*envelope.Envelope, waiters)

	wg.Add(1)
	go func() {
		defer wg.Done()
		env, err := c.GetOrCompute(context.Background(), "query_database", fp, PolicyCacheable, slow)
		assert.NoError(t, err)
		results[0] = env
	}()
	<-started

	for i := 1; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env, err := c.GetOrCompute(context.Background(), "query_database", fp, PolicyCacheable, slow)
			assert.NoError(t, err)
			if env.Telemetry.CacheHit {
				hits.Add(1)
			}
			results[i] = env
		}(i)
	}

	// Give the waiters a moment to join the in-flight computation.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "compute must run exactly once")
	for _, env := range results {
		require.NotNil(t, env)
		assert.Equal(t, "slow done", env.Summary)
	}
	assert.False(t, results[0].Telemetry.CacheHit, "the executor paid for the compute")
}

func TestInvalidateAndPurge(t *testing.T) {
	c := NewCache(DefaultConfig(), zaptest.NewLogger(t))
	var calls atomic.Int64
	fp := Fingerprint("skill_report", nil)

	_, err := c.GetOrCompute(context.Background(), "skill_report", fp, PolicyEternal, successFn(&calls))
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())

	assert.True(t, c.Invalidate(fp))
	assert.False(t, c.Invalidate(fp))
	assert.Equal(t, 0, c.Len())

	_, err = c.GetOrCompute(context.Background(), "skill_report", fp, PolicyEternal, successFn(&calls))
	require.NoError(t, err)
	c.Purge()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(2), calls.Load())
}

func TestInvalidateToolDropsAllEntriesForTool(t *testing.T) {
	c := NewCache(DefaultConfig(), zaptest.NewLogger(t))
	var calls atomic.Int64

	// Two arg variants of the skill plus an unrelated query entry.
	for _, args := range []map[string]interface{}{nil, {"period": "Q3"}} {
		fp := Fingerprint("skill_report", args)
		_, err := c.GetOrCompute(context.Background(), "skill_report", fp, PolicyEternal, successFn(&calls))
		require.NoError(t, err)
	}
	other := Fingerprint("query_database", map[string]interface{}{"sql": "SELECT 1"})
	_, err := c.GetOrCompute(context.Background(), "query_database", other, PolicyTTLLong, successFn(&calls))
	require.NoError(t, err)
	require.Equal(t, 3, c.Len())

	assert.Equal(t, 2, c.InvalidateTool("skill_report"))
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 0, c.InvalidateTool("skill_report"))

	// The next call recomputes instead of serving stale content.
	env, err := c.GetOrCompute(context.Background(), "skill_report", Fingerprint("skill_report", nil), PolicyEternal, successFn(&calls))
	require.NoError(t, err)
	assert.False(t, env.Telemetry.CacheHit)
}
