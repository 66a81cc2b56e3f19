// Package txn implements the transaction/batch coordinator (C4): a
// lightweight, in-process grouping of mutations across collections that
// commits all-or-nothing.
//
// Per §9's explicit redesign note, this package does not carry forward
// the reference library's WithTransaction (a thin pass-through to a real
// database session) or its sibling event-sourced command dispatcher
// (which logs an intent and never rolls back storage on failure).
// Neither actually provides atomicity; Coordinator.Commit does, by
// capturing one undo record per queued op before applying it and running
// those records in reverse on any failure.
package txn

import (
	"context"
	"sync"
	"time"

	"nodestore/changestream"
	"nodestore/collection"
	"nodestore/document"
	"nodestore/query"
)

// Isolation is the isolation level a transaction is opened with. The
// in-memory core serializes every commit behind Coordinator's single
// commit lock, so all three levels are equally serializable in practice;
// the distinction only affects what a read outside the transaction sees
// while it is open (always the last committed state — there is no
// dirty-read path to relax into).
type Isolation string

const (
	ReadUncommitted Isolation = "read-uncommitted"
	ReadCommitted   Isolation = "read-committed"
	Serializable    Isolation = "serializable"
)

// OpKind identifies a queued operation's shape.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpUpdate OpKind = "update"
	OpRemove OpKind = "remove"
)

// Op is one planned mutation against a single collection.
type Op struct {
	Collection string
	Kind       OpKind
	Doc        document.Doc   // OpInsert
	Query      map[string]any // OpUpdate, OpRemove
	Changes    document.Doc   // OpUpdate
	DeepMerge  bool           // OpUpdate: use update-deep semantics
}

// Options configures a transaction opened with Begin.
type Options struct {
	Isolation Isolation
	Timeout   time.Duration
}

func (o Options) normalized() Options {
	if o.Isolation == "" {
		o.Isolation = Serializable
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	return o
}

// Tx is an open, in-progress transaction: a ticket plus its queued ops.
// The zero value is not usable; obtain one from Coordinator.Begin.
type Tx struct {
	id       string
	opts     Options
	deadline time.Time
	mu       sync.Mutex
	ops      []Op
	closed   bool
}

// ID returns the transaction's coordinator-assigned identifier.
func (t *Tx) ID() string { return t.id }

func (t *Tx) expired() bool { return time.Now().After(t.deadline) }

// Resolver looks up a collection by name, as the database facade
// maintains it. Coordinator never constructs collections itself.
type Resolver func(name string) (*collection.Collection, bool)

// WALWriter is the durability fence a commit drives once every queued op
// has been applied to storage (§4.4's step 4): one call per op, shaped
// to match §4.5's per-kind payload ("for insert: full doc image... for
// update: (query, changes, matched ids)... for remove: (matched ids,
// prior images)"). nil disables WAL participation, which coordinators
// not wired to a wal.Manager (most unit tests) rely on.
type WALWriter interface {
	AppendInsert(ctx context.Context, coll string, doc document.Doc) error
	AppendUpdate(ctx context.Context, coll string, query map[string]any, changes document.Doc, deepMerge bool, matched []string) error
	AppendRemove(ctx context.Context, coll string, matched []string, priorImages []document.Doc) error
}

// MaxConcurrentTransactions bounds how many transactions may be open at
// once, per §4.4.
const MaxConcurrentTransactions = 10

// Coordinator groups mutations into atomic, all-or-nothing commits across
// collections, guarded by a rate limiter and a circuit breaker.
type Coordinator struct {
	resolve     Resolver
	docLimits   document.Limits
	queryLimits query.Limits
	wal         WALWriter

	limiter *RateLimiter
	breaker *CircuitBreaker

	mu     sync.Mutex
	open   map[string]*Tx
	nextID int64

	commitMu sync.Mutex
}

// New creates a Coordinator. wal may be nil.
func New(resolve Resolver, docLimits document.Limits, queryLimits query.Limits, wal WALWriter) *Coordinator {
	return &Coordinator{
		resolve:     resolve,
		docLimits:   docLimits,
		queryLimits: queryLimits,
		wal:         wal,
		open:        make(map[string]*Tx),
		limiter:     NewRateLimiter(docLimits.MaxOperationsPerSecond),
		breaker:     NewCircuitBreaker(0.5, 10*time.Second, 5*time.Second),
	}
}

// Begin opens a new transaction, failing with KindResourceLimit once
// MaxConcurrentTransactions are already open.
func (c *Coordinator) Begin(ctx context.Context, opts Options) (*Tx, error) {
	opts = opts.normalized()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.open) >= MaxConcurrentTransactions {
		return nil, document.ErrTooManyTransactions.With("limit", MaxConcurrentTransactions)
	}
	c.nextID++
	tx := &Tx{
		id:       formatTxID(c.nextID),
		opts:     opts,
		deadline: time.Now().Add(opts.Timeout),
	}
	c.open[tx.id] = tx
	return tx, nil
}

// Add queues op against tx. It fails if tx is closed or its timeout has
// elapsed — per §4.4, a timed-out transaction rejects further add/commit
// calls.
func (c *Coordinator) Add(tx *Tx, op Op) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return document.ErrTransactionClosed
	}
	if tx.expired() {
		return document.ErrTimeout.With("tx", tx.id)
	}
	tx.ops = append(tx.ops, op)
	return nil
}

// Rollback discards tx without applying any of its queued ops.
func (c *Coordinator) Rollback(tx *Tx) {
	tx.mu.Lock()
	tx.closed = true
	tx.mu.Unlock()

	c.mu.Lock()
	delete(c.open, tx.id)
	c.mu.Unlock()
}

// Commit applies every queued op in order, atomically: if any op fails
// validation or application, every previously-applied op in this commit
// is undone in reverse and the commit fails as a whole.
func (c *Coordinator) Commit(ctx context.Context, tx *Tx) error {
	tx.mu.Lock()
	if tx.closed {
		tx.mu.Unlock()
		return document.ErrTransactionClosed
	}
	if tx.expired() {
		tx.mu.Unlock()
		return document.ErrTimeout.With("tx", tx.id)
	}
	ops := make([]Op, len(tx.ops))
	copy(ops, tx.ops)
	tx.closed = true
	tx.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.open, tx.id)
		c.mu.Unlock()
	}()

	if !c.breaker.Allow() {
		return document.ErrCircuitOpen
	}
	if !c.limiter.Allow() {
		c.breaker.RecordFailure()
		return document.ErrRateLimited
	}

	// Step 1: validate every queued op before taking any lock or touching
	// storage — a structurally invalid op must never partially apply.
	for _, op := range ops {
		if err := c.validate(op); err != nil {
			c.breaker.RecordFailure()
			return err
		}
	}

	// Step 2: acquire the coordinator's single commit lock — this is what
	// makes every isolation level behave as serializable in the in-memory
	// core (§4.4).
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	// Step 3: apply each op in order, capturing an undo record.
	var undo []undoRecord
	for _, op := range ops {
		coll, ok := c.resolve(op.Collection)
		if !ok {
			c.rollback(undo)
			c.breaker.RecordFailure()
			return document.NewValidationError("unknown collection %q", op.Collection)
		}
		rec, err := c.apply(coll, op)
		if err != nil {
			c.rollback(undo)
			c.breaker.RecordFailure()
			return err
		}
		undo = append(undo, rec)
	}

	// Step 4: append one WAL entry per op, once every op has applied. Each
	// op's undo record carries exactly the matched-ids/pre-images §4.5
	// wants recorded for update/remove.
	if c.wal != nil {
		for i, op := range ops {
			if err := c.appendWAL(ctx, op, undo[i]); err != nil {
				c.rollback(undo)
				c.breaker.RecordFailure()
				return document.NewPerformanceError("wal append failed during commit: %v", err)
			}
		}
	}

	// Step 5: only now, with every op applied and the WAL fence (if any)
	// behind us, emit the change events apply() withheld. A rolled-back
	// commit never reaches this line, so subscribers never observe an
	// event for a transaction that didn't actually commit (§4.4 step 6,
	// §4.6, invariant 3).
	for i, op := range ops {
		publishUndo(op, undo[i])
	}

	c.breaker.RecordSuccess()
	return nil
}

// publishUndo emits the change event(s) op produced, using the documents
// undo already captured during apply — no second pass over storage.
func publishUndo(op Op, undo undoRecord) {
	switch op.Kind {
	case OpInsert:
		undo.collection.PublishBatch(changestream.OpInsert, undo.insertedDocs)
	case OpUpdate:
		undo.collection.PublishBatch(changestream.OpUpdate, undo.after)
	case OpRemove:
		undo.collection.PublishBatch(changestream.OpRemove, undo.preImages)
	}
}

// appendWAL drives the WAL writer with the one record shape §4.5 wants
// for op's kind, reusing rec's pre/post-image data rather than
// re-deriving it from storage.
func (c *Coordinator) appendWAL(ctx context.Context, op Op, rec undoRecord) error {
	switch op.Kind {
	case OpInsert:
		for _, d := range rec.insertedDocs {
			if err := c.wal.AppendInsert(ctx, op.Collection, d); err != nil {
				return err
			}
		}
		return nil
	case OpUpdate:
		return c.wal.AppendUpdate(ctx, op.Collection, op.Query, op.Changes, op.DeepMerge, idsOf(rec.preImages))
	case OpRemove:
		return c.wal.AppendRemove(ctx, op.Collection, idsOf(rec.preImages), rec.preImages)
	}
	return document.NewValidationError("unknown op kind %q", op.Kind)
}

func idsOf(docs []document.Doc) []string {
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		if id, ok := d[document.IDField].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (c *Coordinator) validate(op Op) error {
	switch op.Kind {
	case OpInsert:
		if op.Doc == nil {
			return document.NewValidationError("insert op missing document")
		}
		return document.ValidateDocument(op.Doc, c.docLimits)
	case OpUpdate, OpRemove:
		_, err := query.Parse(op.Query, c.queryLimits)
		if err != nil {
			return err
		}
		if op.Kind == OpUpdate {
			if _, hasID := op.Changes[document.IDField]; hasID {
				return document.ErrImmutableField.With("field", document.IDField)
			}
		}
		return nil
	default:
		return document.NewValidationError("unknown op kind %q", op.Kind)
	}
}

// undoRecord restores one op's pre-commit state and carries what
// publishUndo needs to emit that op's event(s) once the commit as a whole
// has actually succeeded. Update and remove are undone the same way: the
// pre-images captured before the op applied are reinserted verbatim (ids
// are immutable, so this reproduces the exact prior document); insert is
// undone by removing the ids it created.
type undoRecord struct {
	collection   *collection.Collection
	insertedIDs  []string
	insertedDocs []document.Doc
	preImages    []document.Doc
	after        []document.Doc // OpUpdate only
}

// apply applies op to storage through collection's *NoPublish methods:
// the change event(s) it would normally emit are withheld until the
// commit's WAL fence has passed (publishUndo does that, from the data
// captured here), and rollback — which must never publish at all — also
// goes through these same methods.
func (c *Coordinator) apply(coll *collection.Collection, op Op) (undoRecord, error) {
	switch op.Kind {
	case OpInsert:
		ids, inserted, err := coll.InsertNoPublish(op.Doc)
		if err != nil {
			return undoRecord{}, err
		}
		return undoRecord{collection: coll, insertedIDs: ids, insertedDocs: inserted}, nil

	case OpUpdate:
		var (
			before, after []document.Doc
			err           error
		)
		if op.DeepMerge {
			before, after, err = coll.UpdateDeepNoPublish(op.Query, op.Changes)
		} else {
			before, after, err = coll.UpdateNoPublish(op.Query, op.Changes)
		}
		if err != nil {
			return undoRecord{}, err
		}
		return undoRecord{collection: coll, preImages: before, after: after}, nil

	case OpRemove:
		removed, err := coll.RemoveNoPublish(op.Query)
		if err != nil {
			return undoRecord{}, err
		}
		return undoRecord{collection: coll, preImages: removed}, nil
	}
	return undoRecord{}, document.NewValidationError("unknown op kind %q", op.Kind)
}

// rollback runs undo records in reverse order, best-effort: by the time
// this runs, every preceding op had already been validated and applied
// successfully once, so a failure here indicates storage state changed
// concurrently underneath the transaction, which the in-memory core's
// single commit lock rules out. It goes through the *NoPublish methods
// too — a rolled-back op must never have published an event in the first
// place, so there is nothing for rollback to un-publish either.
func (c *Coordinator) rollback(undo []undoRecord) {
	for i := len(undo) - 1; i >= 0; i-- {
		rec := undo[i]
		if len(rec.insertedIDs) > 0 {
			ids := make([]any, len(rec.insertedIDs))
			for i, id := range rec.insertedIDs {
				ids[i] = id
			}
			rec.collection.RemoveNoPublish(map[string]any{document.IDField: map[string]any{"$in": ids}})
			continue
		}
		if len(rec.preImages) > 0 {
			ids := make([]any, 0, len(rec.preImages))
			for _, d := range rec.preImages {
				if id, ok := d[document.IDField]; ok {
					ids = append(ids, id)
				}
			}
			rec.collection.RemoveNoPublish(map[string]any{document.IDField: map[string]any{"$in": ids}})
			rec.collection.InsertNoPublish(rec.preImages...)
		}
	}
}

func formatTxID(n int64) string {
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "tx-0"
	}
	buf := make([]byte, 0, 16)
	for n > 0 {
		buf = append(buf, digits[n%36])
		n /= 36
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return "tx-" + string(buf)
}
