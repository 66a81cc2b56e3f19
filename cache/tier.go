package cache

import (
	"container/heap"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// tier is one of the three same-shape cache levels. Strategy selects how
// evictions are chosen when the tier is at capacity; lru delegates
// ordering entirely to github.com/hashicorp/golang-lru/v2, while lfu and
// adaptive keep their own scoreHeap.
type tier struct {
	kind     Tier
	cfg      TierConfig
	strategy Strategy

	mu      sync.Mutex
	entries map[string]*Entry

	lruCache *lru.Cache[string, *Entry]
}

func newTier(kind Tier, cfg TierConfig, strategy Strategy) *tier {
	t := &tier{
		kind:     kind,
		cfg:      cfg,
		strategy: strategy,
		entries:  make(map[string]*Entry),
	}
	if strategy == StrategyLRU {
		capacity := cfg.Capacity
		if capacity <= 0 {
			capacity = 1
		}
		c, _ := lru.New[string, *Entry](capacity)
		t.lruCache = c
	}
	return t
}

// get returns the live, non-expired entry for fingerprint, if any,
// recording the access for scoring purposes and lazily evicting it if its
// TTL has elapsed.
func (t *tier) get(fingerprint string, now time.Time) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[fingerprint]
	if !ok {
		return nil, false
	}
	if e.expired(now) {
		t.removeLocked(fingerprint)
		return nil, false
	}
	e.recordAccess(now)
	if t.strategy == StrategyLRU {
		t.lruCache.Get(fingerprint)
	}
	return e, true
}

// set inserts or replaces the entry, evicting one entry first if the tier
// is at capacity. It reports the fingerprint of any entry evicted to make
// room, or "" if none was.
func (t *tier) set(e *Entry) (evictedFingerprint string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[e.Fingerprint]; !exists && len(t.entries) >= t.cfg.Capacity && t.cfg.Capacity > 0 {
		evictedFingerprint = t.evictOneLocked()
	}

	e.Tier = t.kind
	if e.TTL == 0 {
		e.TTL = t.cfg.TTL
	}
	t.entries[e.Fingerprint] = e

	if t.strategy == StrategyLRU {
		t.lruCache.Add(e.Fingerprint, e)
	}
	return evictedFingerprint
}

// evictOneLocked picks and removes the least valuable entry. For lru the
// hashicorp cache already tracks recency order directly. For lfu/adaptive
// the score heap is rebuilt from the current live set immediately before
// picking a victim — evictions are far rarer than lookups, so paying the
// rebuild cost only here (rather than keeping the heap continuously in
// sync on every get/set) is the cheaper trade-off.
func (t *tier) evictOneLocked() string {
	if t.strategy == StrategyLRU {
		k, _, ok := t.lruCache.RemoveOldest()
		if ok {
			delete(t.entries, k)
			return k
		}
		return ""
	}
	if len(t.entries) == 0 {
		return ""
	}
	now := time.Now()
	peers := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		peers = append(peers, e)
	}
	for _, e := range peers {
		if t.strategy == StrategyAdaptive {
			e.cachedScore = adaptiveScore(e, now, peers)
		} else {
			e.cachedScore = lfuScore(e)
		}
	}
	h := scoreHeap(peers)
	heap.Init(&h)
	victim := heap.Pop(&h).(*Entry)
	delete(t.entries, victim.Fingerprint)
	return victim.Fingerprint
}

func (t *tier) removeLocked(fingerprint string) {
	if _, ok := t.entries[fingerprint]; !ok {
		return
	}
	delete(t.entries, fingerprint)
	if t.strategy == StrategyLRU {
		t.lruCache.Remove(fingerprint)
	}
}

func (t *tier) delete(fingerprint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(fingerprint)
}

func (t *tier) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]*Entry)
	if t.strategy == StrategyLRU {
		t.lruCache.Purge()
	}
}

func (t *tier) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *tier) fingerprints() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.entries))
	for fp := range t.entries {
		out = append(out, fp)
	}
	return out
}
