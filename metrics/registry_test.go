package metrics

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartOperationRecordsCountAndDuration(t *testing.T) {
	r := New()
	timer := r.StartOperation("insert")
	time.Sleep(time.Millisecond)
	timer.Done()

	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, float64(1), snap[`nodestore_operations_total{op=insert}`])
	assert.Equal(t, float64(1), snap[`nodestore_operation_duration_seconds{op=insert}_count`])
}

func TestCacheCounters(t *testing.T) {
	r := New()
	r.RecordCacheHit()
	r.RecordCacheHit()
	r.RecordCacheMiss()
	r.RecordCacheEviction()

	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, float64(2), snap["nodestore_cache_hits_total"])
	assert.Equal(t, float64(1), snap["nodestore_cache_misses_total"])
	assert.Equal(t, float64(1), snap["nodestore_cache_evictions_total"])
}

func TestDurabilityGauges(t *testing.T) {
	r := New()
	r.SetWALSize(4096)
	r.SetSnapshotAge(2 * time.Second)
	r.SetLastRecoveryDuration(150 * time.Millisecond)

	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, float64(4096), snap["nodestore_wal_size_bytes"])
	assert.InDelta(t, 2.0, snap["nodestore_snapshot_age_seconds"], 0.001)
	assert.InDelta(t, 0.15, snap["nodestore_last_recovery_duration_seconds"], 0.001)
}

func TestWriteToRendersTextExposition(t *testing.T) {
	r := New()
	r.RecordCacheHit()

	var buf bytes.Buffer
	require.NoError(t, r.WriteTo(&buf))
	assert.True(t, strings.Contains(buf.String(), "nodestore_cache_hits_total"))
}
