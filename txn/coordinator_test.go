package txn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodestore/collection"
	"nodestore/document"
	"nodestore/query"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *collection.Collection) {
	t.Helper()
	users := collection.New("users", collection.Options{
		DocLimits:   document.DefaultLimits(),
		QueryLimits: query.DefaultLimits(),
	})
	resolve := func(name string) (*collection.Collection, bool) {
		if name == "users" {
			return users, true
		}
		return nil, false
	}
	c := New(resolve, document.DefaultLimits(), query.DefaultLimits(), nil)
	return c, users
}

func TestCommitAppliesAllOps(t *testing.T) {
	c, users := newTestCoordinator(t)
	ctx := context.Background()

	tx, err := c.Begin(ctx, Options{Isolation: Serializable})
	require.NoError(t, err)

	require.NoError(t, c.Add(tx, Op{Collection: "users", Kind: OpInsert, Doc: document.New(map[string]any{"name": "A"})}))
	require.NoError(t, c.Add(tx, Op{Collection: "users", Kind: OpInsert, Doc: document.New(map[string]any{"name": "B"})}))

	require.NoError(t, c.Commit(ctx, tx))

	docs, err := users.Find(nil, collection.FindOptions{})
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

// TestCommitAtomicityOnDuplicateID reproduces the spec's transaction
// atomicity scenario: begin; queue insert A, insert duplicate, insert
// duplicate; commit fails; find returns zero documents.
func TestCommitAtomicityOnDuplicateID(t *testing.T) {
	c, users := newTestCoordinator(t)
	ctx := context.Background()

	tx, err := c.Begin(ctx, Options{Isolation: Serializable})
	require.NoError(t, err)

	require.NoError(t, c.Add(tx, Op{Collection: "users", Kind: OpInsert, Doc: document.New(map[string]any{"name": "A"})}))
	require.NoError(t, c.Add(tx, Op{Collection: "users", Kind: OpInsert, Doc: document.New(map[string]any{"_id": "duplicate"})}))
	require.NoError(t, c.Add(tx, Op{Collection: "users", Kind: OpInsert, Doc: document.New(map[string]any{"_id": "duplicate"})}))

	err = c.Commit(ctx, tx)
	require.Error(t, err)

	docs, err := users.Find(nil, collection.FindOptions{})
	require.NoError(t, err)
	assert.Len(t, docs, 0)
}

func TestCommitUndoesUpdateOnLaterFailure(t *testing.T) {
	c, users := newTestCoordinator(t)
	ctx := context.Background()

	_, err := users.Insert(document.New(map[string]any{"_id": "a", "status": "pending"}))
	require.NoError(t, err)

	tx, err := c.Begin(ctx, Options{})
	require.NoError(t, err)

	require.NoError(t, c.Add(tx, Op{
		Collection: "users",
		Kind:       OpUpdate,
		Query:      map[string]any{"_id": "a"},
		Changes:    document.New(map[string]any{"status": "active"}),
	}))
	require.NoError(t, c.Add(tx, Op{Collection: "no-such-collection", Kind: OpInsert, Doc: document.New(map[string]any{})}))

	err = c.Commit(ctx, tx)
	require.Error(t, err)

	docs, err := users.Find(map[string]any{"_id": "a"}, collection.FindOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "pending", docs[0]["status"])
}

func TestRollbackDiscardsQueuedOps(t *testing.T) {
	c, users := newTestCoordinator(t)
	ctx := context.Background()

	tx, err := c.Begin(ctx, Options{})
	require.NoError(t, err)
	require.NoError(t, c.Add(tx, Op{Collection: "users", Kind: OpInsert, Doc: document.New(map[string]any{"name": "A"})}))

	c.Rollback(tx)

	err = c.Commit(ctx, tx)
	require.Error(t, err)

	n, err := users.Count(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBeginEnforcesConcurrencyLimit(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	for i := 0; i < MaxConcurrentTransactions; i++ {
		_, err := c.Begin(ctx, Options{})
		require.NoError(t, err)
	}
	_, err := c.Begin(ctx, Options{})
	require.Error(t, err)
}

func TestAddRejectsClosedTransaction(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	tx, err := c.Begin(ctx, Options{})
	require.NoError(t, err)
	require.NoError(t, c.Commit(ctx, tx))

	err = c.Add(tx, Op{Collection: "users", Kind: OpInsert, Doc: document.New(map[string]any{})})
	require.Error(t, err)
}
