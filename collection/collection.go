// Package collection implements the storage engine (C1): a named
// container of documents keyed by identity, with secondary equality
// indexes, wired to the result cache (C3), change-stream bus (C6), and
// metrics registry (C9). A direct mutator call (Insert/Update/Remove)
// invalidates the right cache entries and emits the right event itself;
// the transaction coordinator and WAL replay instead use the *NoPublish
// and Replay* variants, which defer or suppress that side effect because
// they each have their own ordering requirements around it (§4.4, §4.5).
package collection

import (
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"nodestore/cache"
	"nodestore/changestream"
	"nodestore/document"
	"nodestore/metrics"
	"nodestore/query"
)

// Options configures a Collection's limits and the shared subsystems it
// is wired to. Cache, Bus, and Metrics may all be nil in tests that don't
// need them.
type Options struct {
	DocLimits   document.Limits
	QueryLimits query.Limits
	Cache       *cache.Tiered
	Bus         *changestream.Bus
	Metrics     *metrics.Registry
}

// SortSpec orders Find results by one field.
type SortSpec struct {
	Field      string
	Descending bool
}

// FindOptions controls result shaping for Find, applied after the full
// matching set is materialized (§4.2: "no push-down").
type FindOptions struct {
	Limit int
	Skip  int
	Sort  *SortSpec
}

// Collection holds one named collection's documents, indexes, and
// per-collection id counter. A single RWMutex guards all of it: readers
// (Find/Count/Distinct) take the read side, mutators the write side.
type Collection struct {
	name string
	opts Options

	mu        sync.RWMutex
	docs      map[string]document.Doc
	order     []string // insertion order, by id
	indexes   *indexSet
	nextID    int64
	totalSize int // running estimate of serialized collection size, bytes
}

// New creates an empty named collection.
func New(name string, opts Options) *Collection {
	return &Collection{
		name:    name,
		opts:    opts,
		docs:    make(map[string]document.Doc),
		indexes: newIndexSet(),
	}
}

func (c *Collection) Name() string { return c.name }

// Insert assigns ids to documents missing one and stores every document
// in docs, all-or-nothing: if any document fails validation or collides
// on an explicit id, none are applied. Cache invalidation and change-
// stream publication both happen only after the write lock is released.
func (c *Collection) Insert(docs ...document.Doc) ([]string, error) {
	defer c.timeOp("insert")()
	ids, prepared, err := c.insertCore(docs)
	if err != nil {
		return nil, err
	}
	for _, d := range prepared {
		c.publish(changestream.OpInsert, d)
	}
	return ids, nil
}

// InsertNoPublish behaves like Insert but does not publish change-stream
// events itself. The transaction coordinator uses this: it must defer
// publication until after its own WAL fence completes (§4.4 step 6,
// §4.6), so it collects prepared here and emits events via PublishBatch
// once the commit actually succeeds.
func (c *Collection) InsertNoPublish(docs ...document.Doc) ([]string, []document.Doc, error) {
	defer c.timeOp("insert")()
	return c.insertCore(docs)
}

// ReplayInsert applies a WAL-recorded insert directly against storage:
// no cache invalidation, no change-stream event (§4.5 recovery rule 2).
// Replayed documents already carry the id they were assigned at commit
// time, so this also advances the id counter past any such id, matching
// what insertLockedOpts would have done had it generated that id itself —
// otherwise a later auto-id insert could regenerate an id replay just
// restored and fail with ErrDuplicateID.
func (c *Collection) ReplayInsert(docs ...document.Doc) ([]string, error) {
	ids, _, err := c.insertRaw(docs)
	return ids, err
}

// insertCore applies docs and invalidates the affected cache entries, but
// leaves publication to the caller (or skips it entirely, for the
// coordinator path).
func (c *Collection) insertCore(docs []document.Doc) ([]string, []document.Doc, error) {
	ids, prepared, err := c.insertRaw(docs)
	if err != nil {
		return nil, nil, err
	}
	c.invalidateCache(nil, prepared)
	return ids, prepared, nil
}

// insertRaw is the lock-scoped core shared by every insert path: it
// applies docs to storage and nothing else.
func (c *Collection) insertRaw(docs []document.Doc) ([]string, []document.Doc, error) {
	c.mu.Lock()
	ids, prepared, err := c.insertLockedOpts(docs, false)
	if err == nil {
		for _, id := range ids {
			if n, ok := document.ParseIDCounter(id); ok && n+1 > c.nextID {
				c.nextID = n + 1
			}
		}
	}
	c.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	return ids, prepared, nil
}

func (c *Collection) insertLockedOpts(docs []document.Doc, skipValidation bool) ([]string, []document.Doc, error) {
	if len(c.docs)+len(docs) > c.opts.DocLimits.MaxDocumentsPerColl {
		return nil, nil, document.NewResourceLimitError(
			"collection %q would exceed %d documents", c.name, c.opts.DocLimits.MaxDocumentsPerColl,
		).With("limit", c.opts.DocLimits.MaxDocumentsPerColl)
	}

	prepared := make([]document.Doc, len(docs))
	ids := make([]string, len(docs))
	tentativeNextID := c.nextID
	addedSize := 0

	for i, d := range docs {
		prepared[i] = d.Clone()
		id, ok := prepared[i][document.IDField].(string)
		if ok && id != "" {
			if _, exists := c.docs[id]; exists {
				return nil, nil, document.ErrDuplicateID.With("id", id)
			}
		} else {
			newID, err := document.NextID(tentativeNextID)
			if err != nil {
				return nil, nil, err
			}
			tentativeNextID++
			id = newID
			prepared[i][document.IDField] = id
		}
		if !skipValidation {
			if err := document.ValidateDocument(prepared[i], c.opts.DocLimits); err != nil {
				return nil, nil, err
			}
		}
		size, err := document.SerializedSize(prepared[i])
		if err != nil {
			return nil, nil, document.NewValidationError("failed to size document: %v", err)
		}
		addedSize += size
		ids[i] = id
	}

	if c.totalSize+addedSize > c.opts.DocLimits.MaxCollectionSize {
		return nil, nil, document.NewResourceLimitError(
			"collection %q would exceed %d bytes", c.name, c.opts.DocLimits.MaxCollectionSize,
		).With("limit", c.opts.DocLimits.MaxCollectionSize)
	}

	// Guard against duplicate ids within the same batch.
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return nil, nil, document.ErrDuplicateID.With("id", id)
		}
		seen[id] = true
	}

	delta := newIndexDelta()
	for i, d := range prepared {
		c.docs[ids[i]] = d
		c.order = append(c.order, ids[i])
		delta.add(ids[i], d)
	}
	delta.apply(c.indexes)
	c.nextID = tentativeNextID
	c.totalSize += addedSize

	return ids, prepared, nil
}

// Find evaluates raw against every document, returning a freshly
// allocated, non-aliased result sequence. An empty query returns every
// document in insertion-counter order. The matched set is served from
// the result cache (C3) when present; FindOptions is applied afterward
// since sort/skip/limit are not part of the cache key (§4.2: "no
// push-down" — shaping happens after the full matching set is known).
func (c *Collection) Find(raw map[string]any, opts FindOptions) ([]document.Doc, error) {
	defer c.timeOp("find")()
	q, err := query.Parse(raw, c.opts.QueryLimits)
	if err != nil {
		return nil, err
	}

	results := c.findMatches(q)
	if opts.Sort != nil {
		sortResults(results, *opts.Sort)
	}
	return paginate(results, opts.Skip, opts.Limit), nil
}

// findMatches returns every document matching q, as a freshly cloned,
// non-aliased slice. It is the single cache-consulting path shared by
// Find, Count, and Distinct (§2, §4.3: "tiers store query → result") —
// all three need exactly the same matched-document set and differ only
// in how they shape it afterward, so all three share one cache entry.
func (c *Collection) findMatches(q *query.Query) []document.Doc {
	if c.opts.Cache == nil {
		c.mu.RLock()
		defer c.mu.RUnlock()
		results, _ := c.matchedDocsLocked(q)
		return results
	}

	fp := query.Fingerprint(c.name, q)

	lookup := c.timeOp("cache_lookup")
	cached, ok := c.opts.Cache.Get(fp)
	lookup()
	if ok {
		c.recordCacheHit()
		return cloneDocs(cached.([]document.Doc))
	}
	c.recordCacheMiss()

	c.mu.RLock()
	results, kind := c.matchedDocsLocked(q)
	c.mu.RUnlock()

	c.opts.Cache.Set(fp, cloneDocs(results), cacheEntrySize(results), cachePriority(kind))
	return results
}

func cloneDocs(docs []document.Doc) []document.Doc {
	out := make([]document.Doc, len(docs))
	for i, d := range docs {
		out[i] = d.Clone()
	}
	return out
}

func cacheEntrySize(docs []document.Doc) int {
	size := 0
	for _, d := range docs {
		if s, err := document.SerializedSize(d); err == nil {
			size += s
		}
	}
	return size
}

// cachePriority gives a full-scan result PriorityMedium, so it is placed
// in L1 below 1 KiB and in L2 otherwise; an index-accelerated result gets
// PriorityLow, so its tier follows its size alone (L1 below 1 KiB, L2
// below 10 KiB, L3 above).
func cachePriority(kind query.PathKind) cache.Priority {
	if kind == query.PathScan {
		return cache.PriorityMedium
	}
	return cache.PriorityLow
}

// matchedDocsLocked returns every document matching q, cloned, along with
// the access path the planner chose. Must be called with c.mu held for
// reading (at least).
func (c *Collection) matchedDocsLocked(q *query.Query) ([]document.Doc, query.PathKind) {
	ids, kind := c.matchingLocked(q)
	results := make([]document.Doc, 0, len(ids))
	for _, id := range ids {
		results = append(results, c.docs[id].Clone())
	}
	return results, kind
}

// matchingIDsLocked returns ids (in insertion order) of every document
// matching q. Must be called with c.mu held for reading (at least).
func (c *Collection) matchingIDsLocked(q *query.Query) []string {
	ids, _ := c.matchingLocked(q)
	return ids
}

// matchingLocked returns ids (in insertion order) of every document
// matching q, using the planner's access path and falling back to a
// residual Matches check for whatever the chosen path couldn't push into
// an index. Must be called with c.mu held for reading (at least).
func (c *Collection) matchingLocked(q *query.Query) ([]string, query.PathKind) {
	access := query.SelectAccessPath(q, c.indexes)

	var candidateSet map[string]bool
	if access.Kind != query.PathScan {
		candidateSet = make(map[string]bool, len(access.Candidates))
		for _, id := range access.Candidates {
			candidateSet[id] = true
		}
	}

	out := make([]string, 0, len(c.order))
	for _, id := range c.order {
		if candidateSet != nil && !candidateSet[id] {
			continue
		}
		if query.Matches(q, c.docs[id]) {
			out = append(out, id)
		}
	}
	return out, access.Kind
}

func sortResults(docs []document.Doc, spec SortSpec) {
	sort.SliceStable(docs, func(i, j int) bool {
		vi, _ := docs[i].Get(spec.Field)
		vj, _ := docs[j].Get(spec.Field)
		cmp, ok := document.Compare(vi, vj)
		if !ok {
			return false
		}
		if spec.Descending {
			return cmp > 0
		}
		return cmp < 0
	})
}

func paginate(docs []document.Doc, skip, limit int) []document.Doc {
	if skip > 0 {
		if skip >= len(docs) {
			return []document.Doc{}
		}
		docs = docs[skip:]
	}
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs
}

// Count returns the number of documents matching raw.
func (c *Collection) Count(raw map[string]any) (int, error) {
	defer c.timeOp("count")()
	q, err := query.Parse(raw, c.opts.QueryLimits)
	if err != nil {
		return 0, err
	}
	return len(c.findMatches(q)), nil
}

// Distinct returns the deduplicated set of values found at field among
// documents matching raw, in first-seen order.
func (c *Collection) Distinct(field string, raw map[string]any) ([]any, error) {
	defer c.timeOp("distinct")()
	q, err := query.Parse(raw, c.opts.QueryLimits)
	if err != nil {
		return nil, err
	}
	docs := c.findMatches(q)

	var out []any
	seen := make([]any, 0, len(docs))
	for _, d := range docs {
		v, ok := d.Get(field)
		if !ok {
			continue
		}
		dup := false
		for _, s := range seen {
			if document.DeepEqual(s, v) {
				dup = true
				break
			}
		}
		if !dup {
			seen = append(seen, v)
			out = append(out, v)
		}
	}
	return out, nil
}

// Update shallow-merges changes into every document matching raw,
// producing a new document value per match; `_id` is immutable.
func (c *Collection) Update(raw map[string]any, changes document.Doc) (int, error) {
	defer c.timeOp("update")()
	_, after, err := c.updateCore(raw, changes, document.ShallowMerge)
	if err != nil {
		return 0, err
	}
	for _, d := range after {
		c.publish(changestream.OpUpdate, d)
	}
	return len(after), nil
}

// UpdateDeep performs a recursive key-wise merge on nested sub-mappings.
func (c *Collection) UpdateDeep(raw map[string]any, changes document.Doc) (int, error) {
	defer c.timeOp("update")()
	_, after, err := c.updateCore(raw, changes, document.DeepMerge)
	if err != nil {
		return 0, err
	}
	for _, d := range after {
		c.publish(changestream.OpUpdate, d)
	}
	return len(after), nil
}

// UpdateNoPublish behaves like Update but returns both the pre- and
// post-merge images instead of publishing events itself, and
// UpdateDeepNoPublish is its deep-merge counterpart — both used by the
// transaction coordinator, which needs the pre-images for its undo record
// and defers publication until after its WAL fence (§4.4 step 6).
func (c *Collection) UpdateNoPublish(raw map[string]any, changes document.Doc) (before, after []document.Doc, err error) {
	defer c.timeOp("update")()
	return c.updateCore(raw, changes, document.ShallowMerge)
}

func (c *Collection) UpdateDeepNoPublish(raw map[string]any, changes document.Doc) (before, after []document.Doc, err error) {
	defer c.timeOp("update")()
	return c.updateCore(raw, changes, document.DeepMerge)
}

// ReplayUpdate applies a WAL-recorded update directly against storage: no
// cache invalidation, no change-stream event (§4.5 recovery rule 2).
func (c *Collection) ReplayUpdate(raw map[string]any, changes document.Doc, deepMerge bool) (int, error) {
	merge := document.ShallowMerge
	if deepMerge {
		merge = document.DeepMerge
	}
	_, after, _, err := c.updateRaw(raw, changes, merge)
	return len(after), err
}

// updateCore applies raw/changes and invalidates the affected cache
// entries, but leaves publication to the caller (or skips it entirely,
// for the coordinator path).
func (c *Collection) updateCore(raw map[string]any, changes document.Doc, merge func(base, changes document.Doc) document.Doc) (before, after []document.Doc, err error) {
	before, after, q, err := c.updateRaw(raw, changes, merge)
	if err != nil || q == nil {
		return before, after, err
	}
	c.invalidateCacheForQuery(q, before, after)
	return before, after, nil
}

// updateRaw is the lock-scoped core shared by every update path: it
// applies the merge to storage and nothing else. q is nil when raw
// matched nothing, so the caller can skip invalidation/publication.
func (c *Collection) updateRaw(raw map[string]any, changes document.Doc, merge func(base, changes document.Doc) document.Doc) (before, after []document.Doc, q *query.Query, err error) {
	if _, hasID := changes[document.IDField]; hasID {
		return nil, nil, nil, document.ErrImmutableField.With("field", document.IDField)
	}

	c.mu.Lock()
	q, err = query.Parse(raw, c.opts.QueryLimits)
	if err != nil {
		c.mu.Unlock()
		return nil, nil, nil, err
	}
	ids := c.matchingIDsLocked(q)
	if len(ids) == 0 {
		c.mu.Unlock()
		return nil, nil, nil, nil
	}

	delta := newIndexDelta()
	before = make([]document.Doc, 0, len(ids))
	after = make([]document.Doc, 0, len(ids))
	sizeDelta := 0
	for _, id := range ids {
		old := c.docs[id]
		merged := merge(old, changes)
		if err := document.ValidateDocument(merged, c.opts.DocLimits); err != nil {
			c.mu.Unlock()
			return nil, nil, nil, err
		}
		oldSize, err := document.SerializedSize(old)
		if err != nil {
			c.mu.Unlock()
			return nil, nil, nil, document.NewValidationError("failed to size document: %v", err)
		}
		newSize, err := document.SerializedSize(merged)
		if err != nil {
			c.mu.Unlock()
			return nil, nil, nil, document.NewValidationError("failed to size document: %v", err)
		}
		sizeDelta += newSize - oldSize

		delta.remove(id, old)
		delta.add(id, merged)
		before = append(before, old)
		after = append(after, merged)
	}

	if c.totalSize+sizeDelta > c.opts.DocLimits.MaxCollectionSize {
		c.mu.Unlock()
		return nil, nil, nil, document.NewResourceLimitError(
			"collection %q would exceed %d bytes", c.name, c.opts.DocLimits.MaxCollectionSize,
		).With("limit", c.opts.DocLimits.MaxCollectionSize)
	}
	c.totalSize += sizeDelta

	for i, id := range ids {
		c.docs[id] = after[i]
	}
	delta.apply(c.indexes)
	c.mu.Unlock()

	return before, after, q, nil
}

// Remove deletes every document matching raw along with its postings.
func (c *Collection) Remove(raw map[string]any) (int, error) {
	defer c.timeOp("remove")()
	removed, err := c.removeCore(raw)
	if err != nil {
		return 0, err
	}
	for _, d := range removed {
		c.publish(changestream.OpRemove, d)
	}
	return len(removed), nil
}

// RemoveNoPublish behaves like Remove but does not publish change-stream
// events itself, for the same reason UpdateNoPublish doesn't.
func (c *Collection) RemoveNoPublish(raw map[string]any) ([]document.Doc, error) {
	defer c.timeOp("remove")()
	return c.removeCore(raw)
}

// ReplayRemove applies a WAL-recorded remove directly against storage: no
// cache invalidation, no change-stream event (§4.5 recovery rule 2).
func (c *Collection) ReplayRemove(raw map[string]any) (int, error) {
	removed, _, err := c.removeRaw(raw)
	return len(removed), err
}

// removeCore removes every document matching raw and invalidates the
// affected cache entries, but leaves publication to the caller (or skips
// it entirely, for the coordinator path).
func (c *Collection) removeCore(raw map[string]any) ([]document.Doc, error) {
	removed, q, err := c.removeRaw(raw)
	if err != nil || q == nil {
		return removed, err
	}
	c.invalidateCacheForQuery(q, removed, nil)
	return removed, nil
}

// removeRaw is the lock-scoped core shared by every remove path: it
// applies the removal to storage and nothing else. q is nil when raw
// matched nothing, so the caller can skip invalidation/publication.
func (c *Collection) removeRaw(raw map[string]any) ([]document.Doc, *query.Query, error) {
	c.mu.Lock()
	q, err := query.Parse(raw, c.opts.QueryLimits)
	if err != nil {
		c.mu.Unlock()
		return nil, nil, err
	}
	ids := c.matchingIDsLocked(q)
	if len(ids) == 0 {
		c.mu.Unlock()
		return nil, nil, nil
	}

	removed := c.removeIDsLocked(ids)
	c.mu.Unlock()

	return removed, q, nil
}

func (c *Collection) removeIDsLocked(ids []string) []document.Doc {
	delta := newIndexDelta()
	removed := make([]document.Doc, 0, len(ids))
	toRemove := make(map[string]bool, len(ids))
	for _, id := range ids {
		d, ok := c.docs[id]
		if !ok {
			continue
		}
		delta.remove(id, d)
		removed = append(removed, d)
		toRemove[id] = true
		delete(c.docs, id)
		if size, err := document.SerializedSize(d); err == nil {
			c.totalSize -= size
		}
	}
	delta.apply(c.indexes)

	if len(toRemove) > 0 {
		kept := c.order[:0]
		for _, id := range c.order {
			if !toRemove[id] {
				kept = append(kept, id)
			}
		}
		c.order = kept
	}
	return removed
}

// CreateIndex builds a new equality index on field from the current
// contents of the collection.
func (c *Collection) CreateIndex(field string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.indexes.has(field) {
		return document.ErrIndexExists.With("field", field)
	}
	if c.indexes.len() >= c.opts.DocLimits.MaxIndexesPerColl {
		return document.NewResourceLimitError(
			"collection %q would exceed %d indexes", c.name, c.opts.DocLimits.MaxIndexesPerColl,
		).With("limit", c.opts.DocLimits.MaxIndexesPerColl)
	}
	c.indexes.create(field)
	ix := c.indexes.byField[field]
	for id, d := range c.docs {
		if v, ok := d.Get(field); ok {
			ix.add(id, v)
		}
	}
	return nil
}

// DropIndex removes the equality index on field.
func (c *Collection) DropIndex(field string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.indexes.has(field) {
		return document.ErrIndexNotFound.With("field", field)
	}
	c.indexes.drop(field)
	return nil
}

// Stats is the snapshot `get-stats` returns: the counters §3 bounds a
// collection by.
type Stats struct {
	DocumentCount int
	IndexCount    int
	SizeBytes     int
}

// Stats reports the collection's current document count, index count,
// and serialized size estimate.
func (c *Collection) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		DocumentCount: len(c.docs),
		IndexCount:    c.indexes.len(),
		SizeBytes:     c.totalSize,
	}
}

// Clear removes every document and index posting, resetting the id
// counter back to zero.
func (c *Collection) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = make(map[string]document.Doc)
	c.order = nil
	c.indexes = newIndexSet()
	c.nextID = 0
	c.totalSize = 0
	if c.opts.Cache != nil {
		c.opts.Cache.Clear()
	}
}

func (c *Collection) invalidateCache(before, after []document.Doc) {
	if c.opts.Cache == nil {
		return
	}
	fields := map[string]bool{}
	for _, d := range before {
		for k := range d {
			fields[k] = true
		}
	}
	for _, d := range after {
		for k := range d {
			fields[k] = true
		}
	}
	for f := range fields {
		c.opts.Cache.InvalidateByField(f)
	}
}

func (c *Collection) invalidateCacheForQuery(q *query.Query, before, after []document.Doc) {
	if c.opts.Cache == nil {
		return
	}
	c.invalidateCache(before, after)
	for _, f := range q.Fields() {
		c.opts.Cache.InvalidateByField(f)
	}
}

// snapshot is the on-disk representation of a collection written by
// Serialize: documents and insertion order, but not index postings, which
// are cheap to rebuild and would otherwise double the snapshot's size.
type snapshot struct {
	Docs        map[string]document.Doc `bson:"docs"`
	Order       []string                `bson:"order"`
	NextID      int64                   `bson:"next_id"`
	IndexFields []string                `bson:"index_fields"`
}

// Serialize encodes the collection's full contents as BSON, suitable for
// a WAL snapshot. Index postings are not included; Deserialize rebuilds
// them from the restored documents.
func (c *Collection) Serialize() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	docs := make(map[string]document.Doc, len(c.docs))
	for id, d := range c.docs {
		docs[id] = d.Clone()
	}
	order := make([]string, len(c.order))
	copy(order, c.order)
	fields := make([]string, 0, c.indexes.len())
	for f := range c.indexes.byField {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	return bson.Marshal(snapshot{Docs: docs, Order: order, NextID: c.nextID, IndexFields: fields})
}

// Deserialize replaces the collection's contents with a previously
// Serialize-d snapshot, rebuilding every secondary index from scratch.
// It does not touch the change-stream bus or result cache; callers
// restoring from a crash-recovery snapshot are expected to do so before
// the collection is opened for traffic.
func (c *Collection) Deserialize(data []byte) error {
	var snap snapshot
	if err := bson.Unmarshal(data, &snap); err != nil {
		return document.NewValidationError("failed to decode collection snapshot: %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.docs = make(map[string]document.Doc, len(snap.Docs))
	totalSize := 0
	for id, d := range snap.Docs {
		c.docs[id] = d
		if size, err := document.SerializedSize(d); err == nil {
			totalSize += size
		}
	}
	c.order = snap.Order
	c.nextID = snap.NextID
	c.totalSize = totalSize

	c.indexes = newIndexSet()
	for _, f := range snap.IndexFields {
		c.indexes.create(f)
	}
	for id, d := range c.docs {
		for _, f := range snap.IndexFields {
			if v, ok := d.Get(f); ok {
				c.indexes.byField[f].add(id, v)
			}
		}
	}
	return nil
}

func (c *Collection) publish(kind changestream.OperationKind, d document.Doc) {
	if c.opts.Bus == nil {
		return
	}
	c.opts.Bus.Publish(changestream.Event{
		Kind:       kind,
		Collection: c.name,
		Document:   d.Clone(),
		Timestamp:  time.Now(),
	})
}

// PublishBatch emits one change event per document in docs, in the kind
// given. It is exported for the transaction coordinator, which applies
// ops through the *NoPublish methods above and calls this afterward —
// once its own WAL fence has passed — so that a rolled-back commit never
// leaves a subscriber having observed an event for it (§4.4 step 6, §4.6).
func (c *Collection) PublishBatch(kind changestream.OperationKind, docs []document.Doc) {
	for _, d := range docs {
		c.publish(kind, d)
	}
}

func (c *Collection) timeOp(name string) func() {
	if c.opts.Metrics == nil {
		return func() {}
	}
	timer := c.opts.Metrics.StartOperation(name)
	return timer.Done
}

func (c *Collection) recordCacheHit() {
	if c.opts.Metrics != nil {
		c.opts.Metrics.RecordCacheHit()
	}
}

func (c *Collection) recordCacheMiss() {
	if c.opts.Metrics != nil {
		c.opts.Metrics.RecordCacheMiss()
	}
}
