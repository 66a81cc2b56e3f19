package nodestore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodestore/changestream"
	"nodestore/collection"
	"nodestore/document"
	"nodestore/persistence"
	"nodestore/txn"
	"nodestore/wal"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	cfg := DefaultConfig()
	db, err := Open(context.Background(), persistence.NewMemory(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// S1: insert-then-find.
func TestInsertThenFind(t *testing.T) {
	db := newTestDatabase(t)
	users, err := db.AddCollection("users")
	require.NoError(t, err)

	_, err = users.Insert(document.New(map[string]any{"name": "Alice", "age": 30}))
	require.NoError(t, err)

	docs, err := users.Find(map[string]any{"name": "Alice"}, collection.FindOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Alice", docs[0]["name"])
	assert.Equal(t, 30, docs[0]["age"])
	_, hasID := docs[0][document.IDField]
	assert.True(t, hasID)
}

// S2: index acceleration.
func TestIndexAccelerationFindsExactMatch(t *testing.T) {
	db := newTestDatabase(t)
	nums, err := db.AddCollection("nums")
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		_, err := nums.Insert(document.New(map[string]any{"k": i}))
		require.NoError(t, err)
	}
	require.NoError(t, db.CreateIndex("nums", "k"))

	docs, err := nums.Find(map[string]any{"k": 777}, collection.FindOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, 777, docs[0]["k"])
}

// S3: update invalidates the query-result cache.
func TestUpdateInvalidatesCache(t *testing.T) {
	db := newTestDatabase(t)
	users, err := db.AddCollection("users")
	require.NoError(t, err)

	_, err = users.Insert(
		document.New(map[string]any{"name": "A", "age": 30}),
		document.New(map[string]any{"name": "B", "age": 25}),
	)
	require.NoError(t, err)

	q := map[string]any{"age": map[string]any{"$gte": 25}}
	docs, err := users.Find(q, collection.FindOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 2)

	n, err := users.Update(map[string]any{"name": "A"}, document.New(map[string]any{"age": 20}))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	docs, err = users.Find(q, collection.FindOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "B", docs[0]["name"])
}

// S4: crash recovery at high durability.
func TestCrashRecoveryReplaysAllWrites(t *testing.T) {
	dir := t.TempDir()
	store := persistence.NewMemory()

	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.Durability.Level = wal.LevelHigh

	db, err := Open(context.Background(), store, cfg)
	require.NoError(t, err)

	_, err = db.AddCollection("items")
	require.NoError(t, err)

	for _, x := range []int{1, 2, 3} {
		tx, err := db.BeginTransaction(context.Background(), txn.Options{})
		require.NoError(t, err)
		require.NoError(t, db.AddToTransaction(tx, txn.Op{
			Collection: "items",
			Kind:       txn.OpInsert,
			Doc:        document.New(map[string]any{"x": x}),
		}))
		require.NoError(t, db.CommitTransaction(context.Background(), tx))
	}

	// Simulate an abrupt stop: no checkpoint is taken, only Close (which
	// just closes the segment file handle, matching an ungraceful process
	// exit's effect on already-fsynced data at LevelHigh).
	require.NoError(t, db.Close())

	reopened, err := Open(context.Background(), store, cfg)
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.Recover(context.Background()))

	recovered, ok := reopened.GetCollection("items")
	require.True(t, ok)
	docs, err := recovered.Find(map[string]any{}, collection.FindOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 3)
}

// S5: change-stream filtering by predicate.
func TestChangeStreamFiltersByPredicate(t *testing.T) {
	db := newTestDatabase(t)
	_, err := db.AddCollection("users")
	require.NoError(t, err)

	var mu sync.Mutex
	var ages []int
	received := make(chan struct{}, 3)

	id, err := db.Watch(changestream.Filter{
		Collection: "users",
		Kind:       changestream.OpInsert,
		Predicate: func(e changestream.Event) bool {
			age, _ := e.Document.Get("age")
			a, _ := age.(int)
			return a > 25
		},
	}, func(e changestream.Event) {
		mu.Lock()
		age, _ := e.Document.Get("age")
		ages = append(ages, age.(int))
		mu.Unlock()
		received <- struct{}{}
	})
	require.NoError(t, err)
	defer db.Unwatch(id)

	users, _ := db.GetCollection("users")
	for _, age := range []int{20, 30, 40} {
		_, err := users.Insert(document.New(map[string]any{"age": age}))
		require.NoError(t, err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for filtered change events")
		}
	}
	// allow a possible (incorrect) third delivery to arrive before asserting
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{30, 40}, ages)
}

// S6: transaction atomicity on a mid-commit failure.
func TestTransactionAtomicityOnDuplicateID(t *testing.T) {
	db := newTestDatabase(t)
	_, err := db.AddCollection("users")
	require.NoError(t, err)

	tx, err := db.BeginTransaction(context.Background(), txn.Options{})
	require.NoError(t, err)

	require.NoError(t, db.AddToTransaction(tx, txn.Op{
		Collection: "users",
		Kind:       txn.OpInsert,
		Doc:        document.New(map[string]any{"name": "A"}),
	}))
	require.NoError(t, db.AddToTransaction(tx, txn.Op{
		Collection: "users",
		Kind:       txn.OpInsert,
		Doc:        document.New(map[string]any{"_id": "duplicate", "name": "B"}),
	}))
	require.NoError(t, db.AddToTransaction(tx, txn.Op{
		Collection: "users",
		Kind:       txn.OpInsert,
		Doc:        document.New(map[string]any{"_id": "duplicate", "name": "C"}),
	}))

	err = db.CommitTransaction(context.Background(), tx)
	require.Error(t, err)

	users, _ := db.GetCollection("users")
	docs, err := users.Find(map[string]any{}, collection.FindOptions{})
	require.NoError(t, err)
	assert.Len(t, docs, 0)
}

func TestAddCollectionIsIdempotentByName(t *testing.T) {
	db := newTestDatabase(t)
	a, err := db.AddCollection("things")
	require.NoError(t, err)
	b, err := db.AddCollection("things")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, []string{"things"}, db.ListCollections())
}

func TestRemoveCollectionUnknownNameErrors(t *testing.T) {
	db := newTestDatabase(t)
	err := db.RemoveCollection("nope")
	assert.Error(t, err)
}

func TestAddCollectionEnforcesMaxCollections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCollections = 2
	db, err := Open(context.Background(), persistence.NewMemory(), cfg)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.AddCollection("a")
	require.NoError(t, err)
	_, err = db.AddCollection("b")
	require.NoError(t, err)
	_, err = db.AddCollection("c")
	assert.Error(t, err)
}

func TestCreateIndexAppendsWALRecordWhenDurable(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.DataDir = dir
	db, err := Open(context.Background(), persistence.NewMemory(), cfg)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.AddCollection("widgets")
	require.NoError(t, err)
	require.NoError(t, db.CreateIndex("widgets", "sku"))
	assert.Greater(t, db.wal.Size(), int64(0))
}

func TestConfigureWithoutDataDirFails(t *testing.T) {
	db := newTestDatabase(t)
	err := db.Configure(DurabilityConfig{Level: wal.LevelHigh})
	assert.Error(t, err)
}

func TestCacheStatsAndClear(t *testing.T) {
	db := newTestDatabase(t)
	users, err := db.AddCollection("users")
	require.NoError(t, err)
	_, err = users.Insert(document.New(map[string]any{"name": "A"}))
	require.NoError(t, err)

	_, err = users.Find(map[string]any{"name": "A"}, collection.FindOptions{})
	require.NoError(t, err)
	_, err = users.Find(map[string]any{"name": "A"}, collection.FindOptions{})
	require.NoError(t, err)

	stats := db.GetCacheStats()
	assert.GreaterOrEqual(t, stats.Hits, int64(1))

	db.ClearCache()
	cleared := db.GetCacheStats()
	assert.Equal(t, stats.Hits, cleared.Hits, "Stats are cumulative counters, not reset by ClearCache")
}

func TestGetChangeStreamStatsCountsDeliveries(t *testing.T) {
	db := newTestDatabase(t)
	users, err := db.AddCollection("users")
	require.NoError(t, err)

	done := make(chan struct{})
	id, err := db.Watch(changestream.Filter{Collection: "users"}, func(changestream.Event) {
		close(done)
	})
	require.NoError(t, err)
	defer db.Unwatch(id)

	_, err = users.Insert(document.New(map[string]any{"name": "A"}))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	time.Sleep(10 * time.Millisecond)

	stats := db.GetChangeStreamStats()
	assert.GreaterOrEqual(t, stats.Delivered, int64(1))
}

func TestWatchEnforcesSubscriberLimit(t *testing.T) {
	db := newTestDatabase(t)
	ids := make([]string, 0, changestream.MaxSubscribers)
	for i := 0; i < changestream.MaxSubscribers; i++ {
		id, err := db.Watch(changestream.Filter{}, func(changestream.Event) {})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	_, err := db.Watch(changestream.Filter{}, func(changestream.Event) {})
	assert.Error(t, err)

	for _, id := range ids {
		require.NoError(t, db.Unwatch(id))
	}
}

func TestMetricsRecordsOperationCounts(t *testing.T) {
	db := newTestDatabase(t)
	timer := db.Metrics().StartOperation("insert")
	timer.Done()
	snap, err := db.Metrics().Snapshot()
	require.NoError(t, err)
	assert.Equal(t, float64(1), snap["nodestore_operations_total{op=insert}"])
}
