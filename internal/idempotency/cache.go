// Package idempotency caches tool results by fingerprint with a
// single-flight guarantee: concurrent requests for the same fingerprint
// block on one in-flight computation instead of duplicating work.
package idempotency

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/helix-bi/helix/go/pipeline/internal/envelope"
	"github.com/helix-bi/helix/go/pipeline/internal/metrics"
)

// Policy controls whether and how long a result is cached.
type Policy string

const (
	PolicyNoCache   Policy = "NO_CACHE"
	PolicyCacheable Policy = "CACHEABLE"
	PolicyTTLShort  Policy = "TTL_SHORT"
	PolicyTTLLong   Policy = "TTL_LONG"
	PolicyEternal   Policy = "ETERNAL"
)

// Config holds cache tuning knobs.
type Config struct {
	TTLShort   time.Duration
	TTLLong    time.Duration
	TTLDefault time.Duration // applies to CACHEABLE
	MaxEntries int
	// CacheErrors opts error envelopes into caching. Off by default:
	// a failed compute must not poison later retries.
	CacheErrors bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TTLShort:   time.Minute,
		TTLLong:    time.Hour,
		TTLDefault: 15 * time.Minute,
		MaxEntries: 10000,
	}
}

// ComputeFunc produces an envelope for a cache miss.
type ComputeFunc func(ctx context.Context) (*envelope.Envelope, error)

type entry struct {
	fingerprint string
	tool        string
	value       *envelope.Envelope
	policy      Policy
	expiresAt   time.Time // zero for ETERNAL
	elem        *list.Element
}

// Cache is an in-process idempotency cache. An explicit injectable
// object: construct one per pipeline, never share through globals.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently used; ETERNAL entries excluded
	flight  singleflight.Group
	cfg     Config
	logger  *zap.Logger

	// now is injectable for TTL tests.
	now func() time.Time
}

// NewCache creates a cache.
func NewCache(cfg Config, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	return &Cache{
		entries: make(map[string]*entry),
		lru:     list.New(),
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Fingerprint derives the deterministic cache key for a tool call.
// encoding/json sorts map keys, so marshaling the args map yields a
// canonical form for any nesting of maps and scalars. Nil args are
// normalized to an empty map so a call with no arguments fingerprints
// the same whether the caller passed nil or an empty map.
func Fingerprint(tool string, args map[string]interface{}) string {
	if args == nil {
		args = map[string]interface{}{}
	}
	canonical, err := json.Marshal(args)
	if err != nil {
		canonical = []byte(fmt.Sprintf("%v", args))
	}
	h := sha256.New()
	h.Write([]byte(tool))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) ttlFor(policy Policy) (time.Duration, bool) {
	switch policy {
	case PolicyTTLShort:
		return c.cfg.TTLShort, true
	case PolicyTTLLong:
		return c.cfg.TTLLong, true
	case PolicyCacheable:
		return c.cfg.TTLDefault, true
	case PolicyEternal:
		return 0, false
	default:
		return 0, false
	}
}

// lookup returns an unexpired entry and refreshes its LRU position.
// Caller must hold c.mu.
func (c *Cache) lookupLocked(fp string) *entry {
	e, ok := c.entries[fp]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		c.removeLocked(e)
		metrics.CacheEvictions.WithLabelValues("ttl").Inc()
		return nil
	}
	if e.elem != nil {
		c.lru.MoveToFront(e.elem)
	}
	return e
}

func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.fingerprint)
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
	metrics.CacheSize.Set(float64(len(c.entries)))
}

func (c *Cache) storeLocked(tool, fp string, policy Policy, env *envelope.Envelope) {
	if old, ok := c.entries[fp]; ok {
		c.removeLocked(old)
	}
	e := &entry{fingerprint: fp, tool: tool, value: env, policy: policy}
	if ttl, ok := c.ttlFor(policy); ok {
		e.expiresAt = c.now().Add(ttl)
		e.elem = c.lru.PushFront(e)
	}
	// ETERNAL entries stay out of the LRU list so pressure eviction
	// never touches them.
	c.entries[fp] = e
	c.evictOverflowLocked()
	metrics.CacheSize.Set(float64(len(c.entries)))
}

// evictOverflowLocked drops least-recently-used non-ETERNAL entries
// until the cache fits MaxEntries.
func (c *Cache) evictOverflowLocked() {
	for len(c.entries) > c.cfg.MaxEntries {
		back := c.lru.Back()
		if back == nil {
			// Only ETERNAL entries remain; nothing evictable.
			return
		}
		e := back.Value.(*entry)
		c.removeLocked(e)
		metrics.CacheEvictions.WithLabelValues("lru").Inc()
		c.logger.Debug("Evicted cache entry under pressure",
			zap.String("fingerprint", e.fingerprint),
			zap.String("policy", string(e.policy)),
		)
	}
}

// GetOrCompute implements the cache contract:
//
//  1. an unexpired entry is returned with telemetry.cache_hit=true and
//     no invocation of compute;
//  2. when a computation for the fingerprint is already in flight the
//     caller waits on it and shares its result;
//  3. otherwise compute runs exactly once, the result is stored per
//     policy, and the fresh result is returned.
//
// NO_CACHE bypasses both the store and the single-flight group.
func (c *Cache) GetOrCompute(ctx context.Context, tool, fp string, policy Policy, compute ComputeFunc) (*envelope.Envelope, error) {
	if policy == PolicyNoCache {
		return compute(ctx)
	}

	c.mu.Lock()
	if e := c.lookupLocked(fp); e != nil {
		c.mu.Unlock()
		metrics.CacheHits.Inc()
		hit := e.value.Clone()
		hit.Telemetry.CacheHit = true
		return hit, nil
	}
	c.mu.Unlock()
	metrics.CacheMisses.Inc()

	executed := false
	v, err, shared := c.flight.Do(fp, func() (interface{}, error) {
		executed = true
		// Double-check under the flight: another caller may have
		// stored a value between our lookup and Do.
		c.mu.Lock()
		if e := c.lookupLocked(fp); e != nil {
			c.mu.Unlock()
			return e.value, nil
		}
		c.mu.Unlock()

		env, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if env.Status == envelope.StatusSuccess || c.cfg.CacheErrors {
			c.mu.Lock()
			c.storeLocked(tool, fp, policy, env)
			c.mu.Unlock()
		}
		return env, nil
	})
	if err != nil {
		return nil, err
	}
	if shared && !executed {
		metrics.CacheCoalesced.Inc()
	}

	env := v.(*envelope.Envelope).Clone()
	// Waiters observing a shared flight did not pay for the compute;
	// from their perspective this is a hit.
	env.Telemetry.CacheHit = !executed
	return env, nil
}

// Invalidate removes one fingerprint, including ETERNAL entries. This
// is the manual invalidation path for cached results whose underlying
// data changed.
func (c *Cache) Invalidate(fp string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fp]
	if !ok {
		return false
	}
	c.removeLocked(e)
	metrics.CacheEvictions.WithLabelValues("invalidate").Inc()
	return true
}

// InvalidateTool removes every entry cached for a tool, ETERNAL
// included, and returns how many were dropped. The skill watcher uses
// this on hot reload so a re-registered skill never serves pre-reload
// content.
func (c *Cache) InvalidateTool(tool string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.tool == tool {
			c.removeLocked(e)
			metrics.CacheEvictions.WithLabelValues("invalidate").Inc()
			n++
		}
	}
	return n
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.lru.Init()
	metrics.CacheSize.Set(0)
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
