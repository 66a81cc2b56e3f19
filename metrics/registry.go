// Package metrics implements the metrics/profiler hooks (C9): a
// per-operation counter and duration histogram, cache hit/miss/eviction
// counters, and durability gauges, all readable as a stable-name map and
// exportable as Prometheus text exposition. Grounded directly on
// cuemby-warren/pkg/metrics/metrics.go, generalized from that package's
// fixed set of package-level vars registered against the global
// DefaultRegisterer to an instance-owned prometheus.Registry, so more
// than one Database in the same process doesn't collide on metric names.
package metrics

import (
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Registry owns one operation's worth of Prometheus collectors. The zero
// value is not usable; obtain one from New.
type Registry struct {
	reg *prometheus.Registry

	opTotal    *prometheus.CounterVec
	opDuration *prometheus.HistogramVec

	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheEvictions prometheus.Counter

	walSize          prometheus.Gauge
	snapshotAge      prometheus.Gauge
	recoveryDuration prometheus.Gauge
}

// New creates a Registry with its own prometheus.Registry, so that
// multiple embedded databases in one process each get independent
// metrics rather than fighting over the global registerer.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		opTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodestore_operations_total",
			Help: "Total number of operations by name.",
		}, []string{"op"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nodestore_operation_duration_seconds",
			Help:    "Operation duration in seconds by name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nodestore_cache_hits_total",
			Help: "Total number of query-result cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nodestore_cache_misses_total",
			Help: "Total number of query-result cache misses.",
		}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nodestore_cache_evictions_total",
			Help: "Total number of query-result cache evictions.",
		}),
		walSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nodestore_wal_size_bytes",
			Help: "Current size of the active WAL segment in bytes.",
		}),
		snapshotAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nodestore_snapshot_age_seconds",
			Help: "Time since the last checkpoint was taken.",
		}),
		recoveryDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nodestore_last_recovery_duration_seconds",
			Help: "Duration of the most recent crash recovery.",
		}),
	}

	r.reg.MustRegister(
		r.opTotal, r.opDuration,
		r.cacheHits, r.cacheMisses, r.cacheEvictions,
		r.walSize, r.snapshotAge, r.recoveryDuration,
	)
	return r
}

// Timer measures one operation's duration, following the teacher's
// metrics.Timer helper.
type Timer struct {
	start time.Time
	op    string
	r     *Registry
}

// StartOperation begins timing op. Call Done on the returned Timer once
// the operation completes, successful or not — every call increments
// op's counter regardless of outcome.
func (r *Registry) StartOperation(op string) *Timer {
	return &Timer{start: time.Now(), op: op, r: r}
}

// Done records the elapsed time and increments op's counter.
func (t *Timer) Done() {
	t.r.opTotal.WithLabelValues(t.op).Inc()
	t.r.opDuration.WithLabelValues(t.op).Observe(time.Since(t.start).Seconds())
}

func (r *Registry) RecordCacheHit()      { r.cacheHits.Inc() }
func (r *Registry) RecordCacheMiss()     { r.cacheMisses.Inc() }
func (r *Registry) RecordCacheEviction() { r.cacheEvictions.Inc() }

// SetWALSize reports the active WAL segment's current size in bytes.
func (r *Registry) SetWALSize(bytes int64) { r.walSize.Set(float64(bytes)) }

// SetSnapshotAge reports how long it has been since the last checkpoint.
func (r *Registry) SetSnapshotAge(age time.Duration) { r.snapshotAge.Set(age.Seconds()) }

// SetLastRecoveryDuration reports how long the most recent recovery took.
func (r *Registry) SetLastRecoveryDuration(d time.Duration) {
	r.recoveryDuration.Set(d.Seconds())
}

// Snapshot returns the stable-name map §4.9 requires: one entry per
// counter (its current total) and gauge (its current value). Histograms
// are summarized by their sample count and sum, under "<name>_count" and
// "<name>_sum", matching Prometheus's own text-exposition convention for
// the same metric.
func (r *Registry) Snapshot() (map[string]float64, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64)
	for _, mf := range families {
		name := mf.GetName()
		for _, m := range mf.GetMetric() {
			key := name
			for _, lp := range m.GetLabel() {
				key += "{" + lp.GetName() + "=" + lp.GetValue() + "}"
			}
			switch {
			case m.Counter != nil:
				out[key] = m.Counter.GetValue()
			case m.Gauge != nil:
				out[key] = m.Gauge.GetValue()
			case m.Histogram != nil:
				out[key+"_count"] = float64(m.Histogram.GetSampleCount())
				out[key+"_sum"] = m.Histogram.GetSampleSum()
			}
		}
	}
	return out, nil
}

// WriteTo renders every registered metric in Prometheus text exposition
// format, matching the corpus's /metrics convention even though this
// module does not itself run an HTTP server.
func (r *Registry) WriteTo(w io.Writer) error {
	families, err := r.reg.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
