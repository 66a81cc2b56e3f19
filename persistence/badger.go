package persistence

import (
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// snapshotKey is the single key a Badger adapter ever writes to — a
// checkpoint replaces the whole snapshot, it never accumulates entries.
var snapshotKey = []byte("nodestore:snapshot")

// Badger is a disk-backed Adapter using BadgerDB as a single-key blob
// store, adapted from nodestorage/v2's cache.BadgerCache: same open/close
// and background value-log GC discipline, generalized from a per-id TTL
// cache to one durable key holding the latest checkpoint.
type Badger struct {
	db     *badger.DB
	stopGC chan struct{}
}

// BadgerOptions mirrors the subset of BadgerDB's tuning knobs that
// nodestorage/v2's cache package exposes, since a snapshot store has the same write-heavy,
// single-value-log workload shape.
type BadgerOptions struct {
	ValueLogFileSize int64
	SyncWrites       bool
}

// DefaultBadgerOptions returns conservative defaults sized for a
// single checkpoint blob rather than a large keyspace.
func DefaultBadgerOptions() *BadgerOptions {
	return &BadgerOptions{
		ValueLogFileSize: 1 << 26, // 64 MB
		SyncWrites:       true,    // a lost checkpoint write defeats the point of a snapshot store
	}
}

// NewBadger opens (creating if absent) a BadgerDB at dir for snapshot
// storage.
func NewBadger(dir string, opts *BadgerOptions) (*Badger, error) {
	if opts == nil {
		opts = DefaultBadgerOptions()
	}

	bopts := badger.DefaultOptions(dir)
	bopts.Logger = nil
	bopts.ValueLogFileSize = opts.ValueLogFileSize
	bopts.SyncWrites = opts.SyncWrites

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("persistence: open badger: %w", err)
	}

	b := &Badger{db: db, stopGC: make(chan struct{})}
	go b.runGC()
	return b, nil
}

func (b *Badger) Save(data []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey, data)
	})
}

func (b *Badger) Load() ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	return out, err
}

// Close stops background value-log GC and closes the database.
func (b *Badger) Close() error {
	close(b.stopGC)
	return b.db.Close()
}

// runGC periodically reclaims value-log space, following the background
// GC loop of nodestorage/v2's cache.BadgerCache.
func (b *Badger) runGC() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopGC:
			return
		case <-ticker.C:
			for b.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}
