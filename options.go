// Package nodestore is an embeddable, single-node document store: named
// collections of schemaless documents with secondary equality indexes, a
// MongoDB-style query engine, a multi-level query-result cache, a
// transaction coordinator with real atomicity, and a write-ahead log with
// snapshot-based crash recovery. Database wires C1-C9 together the way
// nodestorage/v2's StorageImpl wires a MongoDB collection, a cache, and a
// change-stream watcher together, generalized from "one MongoDB-backed
// generic collection" to "many named in-memory collections behind one
// facade".
package nodestore

import (
	"time"

	"nodestore/cache"
	"nodestore/document"
	"nodestore/query"
	"nodestore/wal"
)

// Config configures a Database at Open. The zero value is invalid; use
// DefaultConfig and override only what the caller wants to change, the
// same pattern document.Limits/query.Limits use for their own defaults.
type Config struct {
	// DataDir is the filesystem root for the WAL segment. When it is empty,
	// Open runs without a WAL whatever Durability.Level says; checkpoint
	// snapshots go to the persistence adapter given to Open.
	DataDir string

	Durability  DurabilityConfig
	Cache       cache.Config
	DocLimits   document.Limits
	QueryLimits query.Limits

	// MaxCollections bounds how many distinct collections AddCollection
	// will create, the database-wide sibling of DocLimits' per-collection
	// `max.*` knobs.
	MaxCollections int
}

// DefaultMaxCollections is the documented default for the `max.collections`
// configuration option. Unlike the per-document/per-query limits in
// document.Limits and query.Limits, §6 names this knob without giving it a
// specific default number; 1000 keeps it generous for an embedded store
// (collections are cheap - one map entry plus a mutex each) while still
// catching a runaway loop that creates one collection per request.
const DefaultMaxCollections = 1000

// DurabilityConfig controls the WAL's fsync discipline and automatic
// checkpoint cadence, the Go-native shape of §6's
// `configure({level, checkpoint-interval, write-concern, read-concern})`.
type DurabilityConfig struct {
	Level wal.Level

	// CheckpointInterval triggers an automatic checkpoint this often. Zero
	// disables time-based checkpointing. This is the only automatic
	// checkpoint: wal.Manager.ShouldCheckpoint reports when the WAL has
	// passed its size threshold, but nothing in the module takes a
	// checkpoint on that report.
	CheckpointInterval time.Duration
}

// DefaultConfig returns the documented defaults: medium durability, the
// adaptive cache strategy, and the hard resource limits from §3/§6.
func DefaultConfig() Config {
	return Config{
		Durability:     DurabilityConfig{Level: wal.LevelMedium, CheckpointInterval: 5 * time.Minute},
		Cache:          cache.DefaultConfig(),
		DocLimits:      document.DefaultLimits(),
		QueryLimits:    query.DefaultLimits(),
		MaxCollections: DefaultMaxCollections,
	}
}
