// Package cache implements the three-tier (L1/L2/L3) query-result cache:
// same-shape tiers distinguished only by a tier tag and capacity/TTL
// configuration (§9's anti-inheritance note), with promotion on a lower-
// tier hit, lazy TTL expiry, field-targeted invalidation, and a choice of
// lru/lfu/adaptive eviction strategy.
package cache

import "time"

// Tier identifies one of the cache's three levels.
type Tier int

const (
	L1 Tier = iota
	L2
	L3
)

func (t Tier) String() string {
	switch t {
	case L1:
		return "L1"
	case L2:
		return "L2"
	case L3:
		return "L3"
	default:
		return "unknown"
	}
}

// Priority is the caller's hint, alongside result size, for initial tier
// placement.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// Strategy selects the eviction policy applied uniformly across all three
// tiers, per the `cache.strategy` configuration knob.
type Strategy string

const (
	StrategyLRU      Strategy = "lru"
	StrategyLFU      Strategy = "lfu"
	StrategyAdaptive Strategy = "adaptive"
)

// TierConfig is one tier's capacity and TTL.
type TierConfig struct {
	Capacity int
	TTL      time.Duration
}

// DefaultTierConfigs returns §4.3's default capacities/TTLs: L1 100/30s,
// L2 1000/5m, L3 10000/30m.
func DefaultTierConfigs() [3]TierConfig {
	return [3]TierConfig{
		{Capacity: 100, TTL: 30 * time.Second},
		{Capacity: 1000, TTL: 5 * time.Minute},
		{Capacity: 10000, TTL: 30 * time.Minute},
	}
}

// Entry is one cached query result. Result is opaque to the cache itself —
// a pre-serialized or pre-materialized value the caller supplies — so the
// cache never needs to know about document.Doc or query.Query directly.
type Entry struct {
	Fingerprint string
	Result      any
	Size        int
	CreatedAt   time.Time
	LastAccess  time.Time
	HitCount    int64
	Tier        Tier
	TTL         time.Duration
	Compressed  bool

	// accessTimes is a bounded recent-access history used by the adaptive
	// strategy's scoring; it is not part of the entry's public
	// contract.
	accessTimes []time.Time
	// cachedScore is the eviction score last computed for this entry by a
	// non-lru tier; heap-index is tracked implicitly by container/heap.
	cachedScore float64
}

func (e *Entry) expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) > e.TTL
}

const maxAccessHistory = 32

func (e *Entry) recordAccess(now time.Time) {
	e.HitCount++
	e.LastAccess = now
	e.accessTimes = append(e.accessTimes, now)
	if len(e.accessTimes) > maxAccessHistory {
		e.accessTimes = e.accessTimes[len(e.accessTimes)-maxAccessHistory:]
	}
}

// placementTier implements §4.3's "choose the initial tier from (size,
// priority)" rule.
func placementTier(size int, priority Priority) Tier {
	switch {
	case priority == PriorityHigh || size < 1024:
		return L1
	case priority == PriorityMedium || size < 10*1024:
		return L2
	default:
		return L3
	}
}
