package cache

import (
	"container/heap"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// scoreHeap is a min-heap over live entries ordered by cachedScore
// ascending, so the lowest-scoring (least valuable) entry is always the
// eviction candidate. The caller (tier) is responsible for (re)computing
// each entry's cachedScore before pushing or re-heapifying — the heap
// itself only orders by whatever was last written there. Adapted from
// nodestorage/v2/cache's AccessHeap/AccessRecord, generalized from a
// document-id key to a cache fingerprint key.
type scoreHeap []*Entry

func (h scoreHeap) Len() int           { return len(h) }
func (h scoreHeap) Less(i, j int) bool { return h[i].cachedScore < h[j].cachedScore }
func (h scoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *scoreHeap) Push(x any)        { *h = append(*h, x.(*Entry)) }
func (h *scoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

var _ = heap.Interface(&scoreHeap{})

// lfuScore ranks purely by hit count, per §4.3's LFU policy.
func lfuScore(e *Entry) float64 {
	return float64(e.HitCount)
}

// adaptiveScore combines recency, frequency, and an interference term: the
// mean pairwise Pearson correlation of this entry's access-time series
// against other live entries' series, bucketed into a shared fixed-width
// time grid so gonum's stat.Correlation sees equal-length vectors. Higher
// interference raises the score (more related entries are kept together,
// per §4.3: "higher interference = more related = less evictable").
func adaptiveScore(e *Entry, now time.Time, peers []*Entry) float64 {
	age := now.Sub(e.LastAccess).Seconds()
	recency := 1.0 / (1.0 + age/3600.0)
	freq := math.Log1p(float64(e.HitCount))
	base := freq * recency

	interference := meanInterference(e, peers, now)
	return base * (1.0 + interference)
}

const bucketWidth = 10 * time.Second
const bucketCount = 12

// bucketize turns an access-time series into a fixed-length vector of
// access counts per bucketWidth-wide bucket, anchored at now, so any two
// entries produce comparable equal-length vectors regardless of how many
// times each was actually accessed.
func bucketize(times []time.Time, now time.Time) []float64 {
	buckets := make([]float64, bucketCount)
	for _, t := range times {
		age := now.Sub(t)
		idx := int(age / bucketWidth)
		if idx >= 0 && idx < bucketCount {
			buckets[bucketCount-1-idx]++
		}
	}
	return buckets
}

func meanInterference(e *Entry, peers []*Entry, now time.Time) float64 {
	if len(peers) == 0 || len(e.accessTimes) == 0 {
		return 0
	}
	self := bucketize(e.accessTimes, now)
	if !hasVariance(self) {
		return 0
	}

	var sum float64
	var n int
	for _, p := range peers {
		if p == e || len(p.accessTimes) == 0 {
			continue
		}
		other := bucketize(p.accessTimes, now)
		if !hasVariance(other) {
			continue
		}
		corr := stat.Correlation(self, other, nil)
		if math.IsNaN(corr) {
			continue
		}
		sum += corr
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func hasVariance(v []float64) bool {
	if len(v) == 0 {
		return false
	}
	first := v[0]
	for _, x := range v[1:] {
		if x != first {
			return true
		}
	}
	return false
}
