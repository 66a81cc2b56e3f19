package cache

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Config configures a Tiered cache: per-tier capacity/TTL and the
// eviction strategy applied uniformly across all three tiers.
type Config struct {
	Tiers    [3]TierConfig
	Strategy Strategy

	// OnEvict, if set, is called once per entry evicted from any tier, in
	// addition to the cache's own internal Stats().Evictions counter — the
	// hook an external metrics registry uses to keep its own eviction
	// counter in sync (§4.9).
	OnEvict func()
}

// DefaultConfig returns §4.3's defaults with the adaptive strategy, the
// spec's documented default.
func DefaultConfig() Config {
	return Config{Tiers: DefaultTierConfigs(), Strategy: StrategyAdaptive}
}

// Stats are the cumulative counters §4.9 requires the cache to expose.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
}

// Tiered is the three-level query-result cache: L1, L2, L3, same shape,
// tier-tagged rather than implemented via inheritance (§9). Concurrent
// misses on the same fingerprint are collapsed through a singleflight
// group so a cache stampede on one popular query runs the underlying
// loader once.
type Tiered struct {
	tiers    [3]*tier
	strategy Strategy
	group    singleflight.Group
	onEvict  func()

	mu    sync.Mutex
	stats Stats
}

// New builds a Tiered cache from cfg.
func New(cfg Config) *Tiered {
	t := &Tiered{strategy: cfg.Strategy, onEvict: cfg.OnEvict}
	for i, tc := range cfg.Tiers {
		t.tiers[i] = newTier(Tier(i), tc, cfg.Strategy)
	}
	return t
}

// Get looks up fingerprint across L1, then L2, then L3 (§4.3's lookup
// order), promoting a L2/L3 hit to L1 and updating hit count/last-access
// on any hit. A hit on an expired entry is treated as a miss and the
// entry is removed from its tier.
func (c *Tiered) Get(fingerprint string) (any, bool) {
	now := time.Now()
	for i, t := range c.tiers {
		e, ok := t.get(fingerprint, now)
		if !ok {
			continue
		}
		c.recordHit()
		if i > 0 {
			c.promote(e, t)
		}
		return e.Result, true
	}
	c.recordMiss()
	return nil, false
}

// promote moves e from its current tier into L1, per §4.3. Losing the
// promotion race to a concurrent delete/expiry is harmless — at worst the
// entry is simply re-fetched on the next miss (§4.3: "losing a promotion
// race does not corrupt the cache").
func (c *Tiered) promote(e *Entry, from *tier) {
	from.delete(e.Fingerprint)
	promoted := &Entry{
		Fingerprint: e.Fingerprint,
		Result:      e.Result,
		Size:        e.Size,
		CreatedAt:   e.CreatedAt,
		LastAccess:  e.LastAccess,
		HitCount:    e.HitCount,
		Compressed:  e.Compressed,
	}
	if evicted := c.tiers[L1].set(promoted); evicted != "" {
		c.recordEviction()
	}
}

// Set stores result under fingerprint, choosing the initial tier from
// (size, priority) per §4.3.
func (c *Tiered) Set(fingerprint string, result any, size int, priority Priority) {
	now := time.Now()
	e := &Entry{
		Fingerprint: fingerprint,
		Result:      result,
		Size:        size,
		CreatedAt:   now,
		LastAccess:  now,
	}
	target := placementTier(size, priority)
	if evicted := c.tiers[target].set(e); evicted != "" {
		c.recordEviction()
	}
}

// GetOrLoad returns the cached result for fingerprint, or calls load
// (at most once across concurrent callers sharing the same fingerprint)
// and caches its result before returning it.
func (c *Tiered) GetOrLoad(fingerprint string, size int, priority Priority, load func() (any, error)) (any, error) {
	if v, ok := c.Get(fingerprint); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(fingerprint, func() (any, error) {
		if cached, ok := c.Get(fingerprint); ok {
			return cached, nil
		}
		result, err := load()
		if err != nil {
			return nil, err
		}
		c.Set(fingerprint, result, size, priority)
		return result, nil
	})
	return v, err
}

// InvalidateByField removes every entry across all tiers whose
// fingerprint mentions field at any position. Per §4.3 a substring test
// against the canonical serialization is an acceptable implementation of
// "walking" the fingerprint.
func (c *Tiered) InvalidateByField(field string) {
	needle := `"` + field + `"`
	for _, t := range c.tiers {
		for _, fp := range t.fingerprints() {
			if strings.Contains(fp, needle) {
				t.delete(fp)
			}
		}
	}
}

// Clear drops every entry in all tiers.
func (c *Tiered) Clear() {
	for _, t := range c.tiers {
		t.clear()
	}
}

// Stats returns a snapshot of cumulative hit/miss/eviction counters.
func (c *Tiered) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Tiered) recordHit() {
	c.mu.Lock()
	c.stats.Hits++
	c.mu.Unlock()
}

func (c *Tiered) recordMiss() {
	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
}

func (c *Tiered) recordEviction() {
	c.mu.Lock()
	c.stats.Evictions++
	c.mu.Unlock()
	if c.onEvict != nil {
		c.onEvict()
	}
}
