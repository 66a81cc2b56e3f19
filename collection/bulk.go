package collection

import (
	"context"
	"time"

	"nodestore/changestream"
	"nodestore/document"
	"nodestore/query"
)

// Chunked bulk operations subdivide a large insert or remove into batches
// so readers can briefly make progress between them (§9's scheduling
// model), while still committing one batch at a time under the write
// lock so the operation is atomic from the WAL's perspective per batch
// segment.
const (
	defaultBulkBatchSize = 5000
	maxBulkDocuments     = 100000
	sizeCheckInterval    = 10000

	defaultBulkInsertTimeout = 5 * time.Minute
	defaultBulkRemoveTimeout = 2 * time.Minute
)

// BulkInsertOptions configures BulkInsert. A zero BatchSize or Timeout
// falls back to defaultBulkBatchSize or defaultBulkInsertTimeout.
type BulkInsertOptions struct {
	BatchSize      int
	SkipValidation bool
	EmitEvents     bool
	Timeout        time.Duration
}

func (o BulkInsertOptions) normalized() BulkInsertOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBulkBatchSize
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultBulkInsertTimeout
	}
	return o
}

// BulkInsert inserts docs in chunks of opts.BatchSize, each chunk
// committed atomically under the write lock. Unlike Insert, a failing
// chunk does not roll back chunks already committed; ids already
// returned stay applied. The call aborts once ctx is done or
// opts.Timeout elapses, and is capped at maxBulkDocuments documents.
func (c *Collection) BulkInsert(ctx context.Context, docs []document.Doc, opts BulkInsertOptions) ([]string, error) {
	defer c.timeOp("bulk_insert")()
	if len(docs) > maxBulkDocuments {
		return nil, document.NewResourceLimitError(
			"bulk insert of %d documents exceeds the %d document cap", len(docs), maxBulkDocuments,
		).With("limit", maxBulkDocuments)
	}
	opts = opts.normalized()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var allIDs []string
	rowsSinceSizeCheck := 0

	for start := 0; start < len(docs); start += opts.BatchSize {
		select {
		case <-ctx.Done():
			return allIDs, document.ErrTimeout.With("inserted", len(allIDs))
		default:
		}

		end := start + opts.BatchSize
		if end > len(docs) {
			end = len(docs)
		}
		batch := docs[start:end]

		c.mu.Lock()
		ids, prepared, err := c.insertLockedOpts(batch, opts.SkipValidation)
		if err == nil {
			for _, id := range ids {
				if n, ok := document.ParseIDCounter(id); ok && n+1 > c.nextID {
					c.nextID = n + 1
				}
			}
		}
		c.mu.Unlock()
		if err != nil {
			return allIDs, err
		}
		allIDs = append(allIDs, ids...)

		c.invalidateCache(nil, prepared)
		if opts.EmitEvents {
			for _, d := range prepared {
				c.publish(changestream.OpInsert, d)
			}
		}

		rowsSinceSizeCheck += len(batch)
		if rowsSinceSizeCheck >= sizeCheckInterval {
			rowsSinceSizeCheck = 0
			c.mu.RLock()
			over := c.totalSize > c.opts.DocLimits.MaxCollectionSize
			c.mu.RUnlock()
			if over {
				return allIDs, document.NewResourceLimitError(
					"collection %q exceeded %d bytes during bulk insert", c.name, c.opts.DocLimits.MaxCollectionSize,
				).With("limit", c.opts.DocLimits.MaxCollectionSize)
			}
		}
	}
	return allIDs, nil
}

// BulkRemoveOptions configures BulkRemove.
type BulkRemoveOptions struct {
	Limit      int
	EmitEvents bool
	Timeout    time.Duration
}

func (o BulkRemoveOptions) normalized() BulkRemoveOptions {
	if o.Timeout <= 0 {
		o.Timeout = defaultBulkRemoveTimeout
	}
	return o
}

// BulkRemove deletes every document matching raw, in chunks of
// defaultBulkBatchSize, up to opts.Limit documents (0 means unlimited).
func (c *Collection) BulkRemove(ctx context.Context, raw map[string]any, opts BulkRemoveOptions) (int, error) {
	defer c.timeOp("bulk_remove")()
	opts = opts.normalized()
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	q, err := query.Parse(raw, c.opts.QueryLimits)
	if err != nil {
		return 0, err
	}
	c.mu.RLock()
	ids := c.matchingIDsLocked(q)
	c.mu.RUnlock()

	if opts.Limit > 0 && len(ids) > opts.Limit {
		ids = ids[:opts.Limit]
	}
	if len(ids) > maxBulkDocuments {
		return 0, document.NewResourceLimitError(
			"bulk remove of %d documents exceeds the %d document cap", len(ids), maxBulkDocuments,
		).With("limit", maxBulkDocuments)
	}

	removedTotal := 0
	for start := 0; start < len(ids); start += defaultBulkBatchSize {
		select {
		case <-ctx.Done():
			return removedTotal, document.ErrTimeout.With("removed", removedTotal)
		default:
		}

		end := start + defaultBulkBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		c.mu.Lock()
		removed := c.removeIDsLocked(batch)
		c.mu.Unlock()
		removedTotal += len(removed)

		c.invalidateCacheForQuery(q, removed, nil)
		if opts.EmitEvents {
			for _, d := range removed {
				c.publish(changestream.OpRemove, d)
			}
		}
	}
	return removedTotal, nil
}
