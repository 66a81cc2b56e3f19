package nodestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"nodestore/cache"
	"nodestore/changestream"
	"nodestore/collection"
	"nodestore/document"
	"nodestore/metrics"
	"nodestore/persistence"
	"nodestore/txn"
	"nodestore/wal"
)

// Database is the facade wiring the storage engine, query engine, cache,
// transaction coordinator, durability manager, change-stream bus, and
// metrics registry together, the way nodestorage/v2's Storage[T] wires a
// MongoDB collection, a cache, and a change-stream watcher behind one
// type — generalized here to many named in-memory collections instead
// of one generic MongoDB-backed collection.
type Database struct {
	cfg Config

	mu          sync.RWMutex
	collections map[string]*collection.Collection

	cacheInst   *cache.Tiered
	bus         *changestream.Bus
	coordinator *txn.Coordinator
	metrics     *metrics.Registry

	wal   *wal.Manager
	store persistence.Adapter

	stopCheckpoint chan struct{}
}

// Open constructs a Database from cfg. store may be nil, in which case
// CreateCheckpoint and Recover are unavailable (an attempt returns a
// KindConfiguration error) but the in-memory engine works normally. If
// cfg.DataDir is empty, the WAL is disabled entirely regardless of
// cfg.Durability.Level: there is nowhere to put its segment file.
func Open(ctx context.Context, store persistence.Adapter, cfg Config) (*Database, error) {
	bus := changestream.NewBus()
	bus.Start()

	reg := metrics.New()
	cfg.Cache.OnEvict = reg.RecordCacheEviction

	db := &Database{
		cfg:         cfg,
		collections: make(map[string]*collection.Collection),
		cacheInst:   cache.New(cfg.Cache),
		bus:         bus,
		metrics:     reg,
		store:       store,
	}

	if cfg.DataDir != "" {
		mgr, err := wal.Open(cfg.DataDir, cfg.Durability.Level)
		if err != nil {
			bus.Stop()
			return nil, document.NewConnectivityError(err, "failed to open wal at %q", cfg.DataDir)
		}
		db.wal = mgr
	}

	db.coordinator = txn.New(db.resolve, cfg.DocLimits, cfg.QueryLimits, db.walWriter())

	if db.wal != nil && cfg.Durability.CheckpointInterval > 0 {
		db.stopCheckpoint = make(chan struct{})
		go db.runCheckpointLoop(cfg.Durability.CheckpointInterval)
	}

	return db, nil
}

// walWriter returns db.wal as a txn.WALWriter, or nil if durability is
// disabled — a (*wal.Manager)(nil) passed as an interface value would
// compare non-nil, so this must return a literal nil, not db.wal, when
// the WAL itself is absent.
func (db *Database) walWriter() txn.WALWriter {
	if db.wal == nil {
		return nil
	}
	return db.wal
}

func (db *Database) resolve(name string) (*collection.Collection, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	c, ok := db.collections[name]
	return c, ok
}

// AddCollection creates and registers an empty named collection, wired to
// this Database's shared cache and change-stream bus. It is a no-op
// (returning the existing collection) if name is already registered,
// matching the spec's "created by explicit request or implicitly on
// first write" collection lifecycle — callers doing either should not
// have to special-case which one happened first.
func (db *Database) AddCollection(name string) (*collection.Collection, error) {
	if err := document.ValidateCollectionName(name); err != nil {
		return nil, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if existing, ok := db.collections[name]; ok {
		return existing, nil
	}
	if max := db.cfg.MaxCollections; max > 0 && len(db.collections) >= max {
		return nil, document.NewResourceLimitError("collection limit reached (%d)", max)
	}
	c := collection.New(name, collection.Options{
		DocLimits:   db.cfg.DocLimits,
		QueryLimits: db.cfg.QueryLimits,
		Cache:       db.cacheInst,
		Bus:         db.bus,
		Metrics:     db.metrics,
	})
	db.collections[name] = c
	return c, nil
}

// RemoveCollection drops a collection and every document and index it
// holds. Outstanding change-stream subscriptions are unaffected; they
// simply stop receiving events for the dropped name.
func (db *Database) RemoveCollection(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.collections[name]; !ok {
		return document.NewValidationError("collection %q does not exist", name)
	}
	delete(db.collections, name)
	return nil
}

// GetCollection returns the named collection, if registered.
func (db *Database) GetCollection(name string) (*collection.Collection, bool) {
	return db.resolve(name)
}

// ListCollections returns every registered collection's name.
func (db *Database) ListCollections() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	names := make([]string, 0, len(db.collections))
	for name := range db.collections {
		names = append(names, name)
	}
	return names
}

// CreateIndex creates an equality index on collName.field and, if this
// Database has a durability manager, records the change in the WAL so
// recovery can rebuild it without depending on a fresh snapshot.
func (db *Database) CreateIndex(collName, field string) error {
	return db.indexChange(collName, field, true)
}

// DropIndex removes an equality index on collName.field.
func (db *Database) DropIndex(collName, field string) error {
	return db.indexChange(collName, field, false)
}

func (db *Database) indexChange(collName, field string, create bool) error {
	c, ok := db.resolve(collName)
	if !ok {
		return document.NewValidationError("collection %q does not exist", collName)
	}
	var err error
	if create {
		err = c.CreateIndex(field)
	} else {
		err = c.DropIndex(field)
	}
	if err != nil {
		return err
	}
	if db.wal != nil {
		return db.wal.AppendIndexChange(collName, field, create)
	}
	return nil
}

// BeginTransaction opens a new transaction against this Database's
// coordinator. Per §4.4, at most txn.MaxConcurrentTransactions may be
// open at once.
func (db *Database) BeginTransaction(ctx context.Context, opts txn.Options) (*txn.Tx, error) {
	return db.coordinator.Begin(ctx, opts)
}

// AddToTransaction queues op against tx without applying it yet.
func (db *Database) AddToTransaction(tx *txn.Tx, op txn.Op) error {
	return db.coordinator.Add(tx, op)
}

// CommitTransaction applies every queued op atomically: on any failure,
// every already-applied op in this commit is undone and none of it is
// visible to readers or change-stream subscribers.
func (db *Database) CommitTransaction(ctx context.Context, tx *txn.Tx) error {
	return db.coordinator.Commit(ctx, tx)
}

// RollbackTransaction discards tx's queued ops without applying them.
func (db *Database) RollbackTransaction(tx *txn.Tx) {
	db.coordinator.Rollback(tx)
}

// Watch registers handler to receive change events matching filter,
// across every collection's mutations, whether made directly on a
// Collection or through a transaction commit. Returns a subscription id
// for Unwatch.
func (db *Database) Watch(filter changestream.Filter, handler changestream.Handler) (string, error) {
	return db.bus.Watch(filter, handler)
}

// Unwatch cancels a subscription started with Watch.
func (db *Database) Unwatch(id string) error {
	return db.bus.Unwatch(id)
}

// GetChangeStreamStats reports cumulative subscriber/delivery/drop counts.
func (db *Database) GetChangeStreamStats() changestream.Stats {
	return db.bus.Stats()
}

// GetCacheStats reports cumulative hit/miss/eviction counts for the
// shared query-result cache.
func (db *Database) GetCacheStats() cache.Stats {
	return db.cacheInst.Stats()
}

// ClearCache empties every tier of the shared query-result cache.
func (db *Database) ClearCache() {
	db.cacheInst.Clear()
}

// Configure changes the durability level for subsequent writes and
// records cfg in the database's configuration. The automatic checkpoint
// loop keeps the interval it was started with at Open, so
// cfg.CheckpointInterval does not change the checkpoint cadence. It is a
// KindConfiguration error to request durability without a data directory.
func (db *Database) Configure(cfg DurabilityConfig) error {
	if db.wal == nil {
		return document.NewConfigurationError("durability is disabled: Open was called with an empty DataDir")
	}
	db.wal.SetLevel(cfg.Level)
	db.cfg.Durability = cfg
	return nil
}

// CreateCheckpoint cuts a consistent snapshot of every collection under
// each collection's own read lock, persists it via the configured
// persistence.Adapter, and truncates the WAL segment once the snapshot
// is durable.
func (db *Database) CreateCheckpoint(ctx context.Context) error {
	if db.wal == nil || db.store == nil {
		return document.NewConfigurationError("checkpointing requires both a data directory and a persistence adapter")
	}
	names := db.ListCollections()
	err := db.wal.Checkpoint(db.store, names, db.resolve)
	db.metrics.SetWALSize(db.wal.Size())
	db.metrics.SetSnapshotAge(db.wal.SnapshotAge())
	return err
}

// Recover restores state from the most recent checkpoint (if any)
// followed by replaying WAL records after its sequence, creating any
// collection referenced only by the WAL tail with this Database's
// default limits. Call it once, before any other write, right after
// Open when resuming from a prior run's data directory.
func (db *Database) Recover(ctx context.Context) error {
	if db.wal == nil || db.store == nil {
		return document.NewConfigurationError("recovery requires both a data directory and a persistence adapter")
	}
	ensure := func(name string) *collection.Collection {
		c, err := db.AddCollection(name)
		if err != nil {
			// name was already validated by whatever wrote the WAL
			// record; this can only fail on a name that somehow
			// changed shape between then and now.
			panic(fmt.Sprintf("nodestore: recover: cannot recreate collection %q: %v", name, err))
		}
		return c
	}
	err := db.wal.Recover(db.store, ensure)
	db.metrics.SetLastRecoveryDuration(db.wal.LastRecoveryDuration())
	return err
}

// Metrics returns the Database's metrics registry, for callers that want
// to export it (e.g. render Prometheus text exposition, or read the
// stable-name snapshot map).
func (db *Database) Metrics() *metrics.Registry { return db.metrics }

func (db *Database) runCheckpointLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if db.store != nil {
				_ = db.CreateCheckpoint(context.Background())
			}
		case <-db.stopCheckpoint:
			return
		}
	}
}

// Close stops the change-stream bus's dispatch loop, the automatic
// checkpoint loop if running, and the WAL segment file.
func (db *Database) Close() error {
	db.bus.Stop()
	if db.stopCheckpoint != nil {
		close(db.stopCheckpoint)
	}
	if db.wal != nil {
		return db.wal.Close()
	}
	return nil
}
