package wal

import (
	"context"
	"sync"
	"time"

	"nodestore/collection"
	"nodestore/document"
)

// Level is the fsync discipline a Manager is configured with, per §4.5.
type Level int

const (
	// LevelNone never fsyncs explicitly; the OS decides when dirty pages
	// reach disk.
	LevelNone Level = iota
	// LevelLow fsyncs only when a checkpoint (snapshot) is taken.
	LevelLow
	// LevelMedium fsyncs on an append at most once per
	// defaultBatchInterval (see maybeBatchSync).
	LevelMedium
	// LevelHigh fsyncs on each commit, immediately.
	LevelHigh
)

const defaultBatchInterval = 20 * time.Millisecond

// snapshotSizeThreshold is the active WAL segment size, in bytes, past
// which ShouldCheckpoint reports true. Nothing in the module takes a
// checkpoint on that report.
const snapshotSizeThreshold = 64 * 1024 * 1024

// Manager is the durability manager (C5): it assigns sequence numbers,
// appends WAL records with the configured fsync discipline, cuts
// snapshots, and replays the log on startup. It implements
// txn.WALWriter so a txn.Coordinator can drive it directly.
type Manager struct {
	dataDir string
	level   Level

	mu       sync.Mutex
	segment  *segment
	seq      uint64
	lastSync time.Time

	batchMu      sync.Mutex
	pendingSince time.Time

	snapshotMu           sync.Mutex
	lastSnapshot         time.Time
	lastRecoveryDuration time.Duration
}

// Open opens (or creates) the WAL segment under dataDir at the
// configured fsync level.
func Open(dataDir string, level Level) (*Manager, error) {
	seg, err := openSegment(dataDir)
	if err != nil {
		return nil, err
	}
	return &Manager{dataDir: dataDir, level: level, segment: seg}, nil
}

// SetLevel changes the fsync discipline for subsequent appends.
func (m *Manager) SetLevel(level Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level = level
}

// AppendInsert assigns the next sequence number to a new insert record
// and appends it to the active segment, honoring the configured fsync
// discipline. It satisfies txn.WALWriter.
func (m *Manager) AppendInsert(ctx context.Context, coll string, doc document.Doc) error {
	payload, err := encodePayload(InsertPayload{Doc: doc})
	if err != nil {
		return err
	}
	return m.appendRecord(KindInsert, coll, payload)
}

// AppendUpdate records a committed update op, capturing the matched ids
// and the changes applied (not the merge function — recovery replays
// through the same Update/UpdateDeep path the original commit used). It
// satisfies txn.WALWriter.
func (m *Manager) AppendUpdate(ctx context.Context, coll string, query map[string]any, changes document.Doc, deepMerge bool, matched []string) error {
	payload, err := encodePayload(UpdatePayload{Query: query, Changes: changes, DeepMerge: deepMerge, Matched: matched})
	if err != nil {
		return err
	}
	return m.appendRecord(KindUpdate, coll, payload)
}

// AppendRemove records a committed remove op, capturing prior images so
// that byte-identical state can be reconstructed if this record is ever
// replayed outside a live coordinator. It satisfies txn.WALWriter.
func (m *Manager) AppendRemove(ctx context.Context, coll string, matched []string, priorImages []document.Doc) error {
	payload, err := encodePayload(RemovePayload{Matched: matched, PriorImages: priorImages})
	if err != nil {
		return err
	}
	return m.appendRecord(KindRemove, coll, payload)
}

// AppendIndexChange records a create-index/drop-index op.
func (m *Manager) AppendIndexChange(coll, field string, created bool) error {
	payload, err := encodePayload(IndexPayload{Field: field})
	if err != nil {
		return err
	}
	kind := KindIndexDrop
	if created {
		kind = KindIndexCreate
	}
	return m.appendRecord(kind, coll, payload)
}

func (m *Manager) appendRecord(kind Kind, coll string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	rec := Record{
		Sequence:        m.seq,
		TimestampMillis: uint64(time.Now().UnixMilli()),
		Kind:            kind,
		Collection:      coll,
		Payload:         payload,
	}

	fsyncNow := m.level == LevelHigh
	if err := m.segment.append(rec, fsyncNow); err != nil {
		return document.NewConnectivityError(err, "wal append failed")
	}

	if m.level == LevelMedium {
		m.maybeBatchSync()
	}
	return nil
}

// maybeBatchSync fsyncs at most once per defaultBatchInterval under
// LevelMedium: the first append after the interval has passed is
// fsynced, and appends that follow it inside the same interval are not.
// Those reach stable storage only with the next fsync, which happens on a
// later append once the interval has passed again. Must be called with
// m.mu held.
func (m *Manager) maybeBatchSync() {
	now := time.Now()
	if now.Sub(m.lastSync) < defaultBatchInterval {
		return
	}
	m.lastSync = now
	m.segment.sync()
}

// Size returns the active segment's current size in bytes.
func (m *Manager) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	size, err := m.segment.size()
	if err != nil {
		return 0
	}
	return size
}

// ShouldCheckpoint reports whether the active segment has grown past the
// automatic snapshot threshold.
func (m *Manager) ShouldCheckpoint() bool {
	return m.Size() > snapshotSizeThreshold
}

// SnapshotAge returns how long it has been since the last checkpoint.
func (m *Manager) SnapshotAge() time.Duration {
	m.snapshotMu.Lock()
	defer m.snapshotMu.Unlock()
	if m.lastSnapshot.IsZero() {
		return 0
	}
	return time.Since(m.lastSnapshot)
}

// LastRecoveryDuration returns how long the most recent Recover call took.
func (m *Manager) LastRecoveryDuration() time.Duration {
	m.snapshotMu.Lock()
	defer m.snapshotMu.Unlock()
	return m.lastRecoveryDuration
}

// Checkpoint snapshots every collection in resolver under the write
// lock (the caller is responsible for holding whatever lock makes this
// consistent — §4.5 requires the cut be consistent, not that Manager
// itself serialize callers), writes the snapshot via store, and
// truncates the WAL segment once the snapshot is durable.
func (m *Manager) Checkpoint(store SnapshotStore, names []string, resolve func(string) (*collection.Collection, bool)) error {
	snap := DatabaseSnapshot{Sequence: m.currentSequence(), Collections: make(map[string][]byte, len(names))}
	for _, name := range names {
		coll, ok := resolve(name)
		if !ok {
			continue
		}
		data, err := coll.Serialize()
		if err != nil {
			return document.NewDataIntegrityError(err, "failed to serialize collection %q for checkpoint", name)
		}
		snap.Collections[name] = data
	}

	blob, err := encodePayload(snap)
	if err != nil {
		return document.NewDataIntegrityError(err, "failed to encode checkpoint snapshot")
	}
	if err := store.Save(blob); err != nil {
		return document.NewConnectivityError(err, "failed to persist checkpoint snapshot")
	}

	m.mu.Lock()
	if m.level == LevelLow || m.level == LevelNone {
		m.segment.sync()
	}
	if err := m.segment.close(); err != nil {
		m.mu.Unlock()
		return document.NewConnectivityError(err, "failed to close wal segment before truncation")
	}
	if err := truncateSegment(m.dataDir); err != nil {
		m.mu.Unlock()
		return document.NewConnectivityError(err, "failed to truncate wal segment")
	}
	seg, err := openSegment(m.dataDir)
	if err != nil {
		m.mu.Unlock()
		return document.NewConnectivityError(err, "failed to reopen wal segment after truncation")
	}
	m.segment = seg
	m.mu.Unlock()

	m.snapshotMu.Lock()
	m.lastSnapshot = time.Now()
	m.snapshotMu.Unlock()
	return nil
}

func (m *Manager) currentSequence() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

// DatabaseSnapshot is the self-describing serialization §4.5 requires: a
// per-collection blob (itself a collection.Collection snapshot) plus the
// highest WAL sequence the snapshot covers.
type DatabaseSnapshot struct {
	Sequence    uint64            `bson:"sequence"`
	Collections map[string][]byte `bson:"collections"`
}

// SnapshotStore is the narrow persistence contract a Manager needs: save
// and load one opaque blob. persistence.Adapter satisfies this.
type SnapshotStore interface {
	Save(data []byte) error
	Load() ([]byte, error)
}

// Recover restores state from the newest snapshot (if any) followed by
// replaying WAL records with a sequence strictly greater than the
// snapshot's, in commit order, applying them directly to each resolved
// collection without appending new WAL entries or emitting change
// events, per §4.5's three-step recovery algorithm. ensure creates a
// collection that doesn't exist yet (e.g. one referenced only by WAL
// records after a snapshot predating it).
func (m *Manager) Recover(store SnapshotStore, ensure func(name string) *collection.Collection) error {
	start := time.Now()
	defer func() {
		m.snapshotMu.Lock()
		m.lastRecoveryDuration = time.Since(start)
		m.snapshotMu.Unlock()
	}()

	var snapshotSeq uint64
	if store != nil {
		blob, err := store.Load()
		if err == nil && len(blob) > 0 {
			var snap DatabaseSnapshot
			if err := decodePayload(blob, &snap); err == nil {
				snapshotSeq = snap.Sequence
				for name, data := range snap.Collections {
					coll := ensure(name)
					if err := coll.Deserialize(data); err != nil {
						return document.NewDataIntegrityError(err, "failed to restore collection %q from snapshot", name)
					}
				}
			}
		}
	}

	records, err := readAllRecords(m.dataDir)
	if err != nil {
		return document.NewConnectivityError(err, "failed to read wal segment")
	}

	maxSeq := snapshotSeq
	for _, rec := range records {
		if uint64(rec.Sequence) <= snapshotSeq {
			continue
		}
		if err := applyRecord(rec, ensure); err != nil {
			return err
		}
		if uint64(rec.Sequence) > maxSeq {
			maxSeq = uint64(rec.Sequence)
		}
	}

	m.mu.Lock()
	if maxSeq > m.seq {
		m.seq = maxSeq
	}
	m.mu.Unlock()
	return nil
}

// applyRecord replays one WAL record directly against storage, bypassing
// the txn.Coordinator entirely (no new WAL entries, no change events),
// per §4.5 recovery rule 2.
func applyRecord(rec Record, ensure func(name string) *collection.Collection) error {
	coll := ensure(rec.Collection)
	switch rec.Kind {
	case KindInsert:
		var p InsertPayload
		if err := decodePayload(rec.Payload, &p); err != nil {
			return document.NewDataIntegrityError(err, "failed to decode insert record %d", rec.Sequence)
		}
		_, err := coll.ReplayInsert(p.Doc)
		return err

	case KindUpdate:
		var p UpdatePayload
		if err := decodePayload(rec.Payload, &p); err != nil {
			return document.NewDataIntegrityError(err, "failed to decode update record %d", rec.Sequence)
		}
		_, err := coll.ReplayUpdate(p.Query, p.Changes, p.DeepMerge)
		return err

	case KindRemove:
		var p RemovePayload
		if err := decodePayload(rec.Payload, &p); err != nil {
			return document.NewDataIntegrityError(err, "failed to decode remove record %d", rec.Sequence)
		}
		ids := make([]any, len(p.Matched))
		for i, id := range p.Matched {
			ids[i] = id
		}
		_, err := coll.ReplayRemove(map[string]any{document.IDField: map[string]any{"$in": ids}})
		return err

	case KindIndexCreate:
		var p IndexPayload
		if err := decodePayload(rec.Payload, &p); err != nil {
			return document.NewDataIntegrityError(err, "failed to decode index-create record %d", rec.Sequence)
		}
		err := coll.CreateIndex(p.Field)
		if err != nil && err.(*document.Error).Is(document.ErrIndexExists) {
			return nil
		}
		return err

	case KindIndexDrop:
		var p IndexPayload
		if err := decodePayload(rec.Payload, &p); err != nil {
			return document.NewDataIntegrityError(err, "failed to decode index-drop record %d", rec.Sequence)
		}
		err := coll.DropIndex(p.Field)
		if err != nil && err.(*document.Error).Is(document.ErrIndexNotFound) {
			return nil
		}
		return err

	case KindCheckpoint:
		return nil

	default:
		return document.NewDataIntegrityError(nil, "unknown wal record kind %d at sequence %d", rec.Kind, rec.Sequence)
	}
}

// Close closes the active segment file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.segment.close()
}
