package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodestore/document"
)

func mustParse(t *testing.T, raw map[string]any) *Query {
	t.Helper()
	q, err := Parse(raw, DefaultLimits())
	require.NoError(t, err)
	return q
}

func TestParseRejectsUnknownOperator(t *testing.T) {
	_, err := Parse(map[string]any{"age": map[string]any{"$bogus": 1}}, DefaultLimits())
	assert.Error(t, err)
}

func TestParseRejectsTooManyOperators(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxOperators = 1
	_, err := Parse(map[string]any{
		"age":  map[string]any{"$gte": 1},
		"name": map[string]any{"$eq": "a"},
	}, limits)
	assert.Error(t, err)
}

func TestBareValueIsImplicitEquality(t *testing.T) {
	q := mustParse(t, map[string]any{"name": "Alice"})
	doc := document.New(map[string]any{"name": "Alice"})
	assert.True(t, Matches(q, doc))

	doc2 := document.New(map[string]any{"name": "Bob"})
	assert.False(t, Matches(q, doc2))
}

func TestComparisonOperators(t *testing.T) {
	q := mustParse(t, map[string]any{"age": map[string]any{"$gte": 18, "$lt": 65}})

	assert.True(t, Matches(q, document.New(map[string]any{"age": 30})))
	assert.False(t, Matches(q, document.New(map[string]any{"age": 17})))
	assert.False(t, Matches(q, document.New(map[string]any{"age": 65})))
}

func TestAndOr(t *testing.T) {
	q := mustParse(t, map[string]any{
		"$or": []any{
			map[string]any{"status": "active"},
			map[string]any{"vip": true},
		},
	})

	assert.True(t, Matches(q, document.New(map[string]any{"status": "active", "vip": false})))
	assert.True(t, Matches(q, document.New(map[string]any{"status": "inactive", "vip": true})))
	assert.False(t, Matches(q, document.New(map[string]any{"status": "inactive", "vip": false})))
}

func TestExistsAndMissingFieldEquality(t *testing.T) {
	q := mustParse(t, map[string]any{"nickname": map[string]any{"$exists": false}})
	assert.True(t, Matches(q, document.New(map[string]any{"name": "A"})))
	assert.False(t, Matches(q, document.New(map[string]any{"name": "A", "nickname": "n"})))

	eqNil := mustParse(t, map[string]any{"nickname": nil})
	assert.True(t, Matches(eqNil, document.New(map[string]any{"name": "A"})))
}

func TestAllAndSize(t *testing.T) {
	q := mustParse(t, map[string]any{
		"tags": map[string]any{"$all": []any{"a", "b"}},
	})
	assert.True(t, Matches(q, document.New(map[string]any{"tags": []any{"a", "b", "c"}})))
	assert.False(t, Matches(q, document.New(map[string]any{"tags": []any{"a"}})))

	sizeQ := mustParse(t, map[string]any{"tags": map[string]any{"$size": 2}})
	assert.True(t, Matches(sizeQ, document.New(map[string]any{"tags": []any{"x", "y"}})))
	assert.False(t, Matches(sizeQ, document.New(map[string]any{"tags": []any{"x"}})))
}

func TestRegex(t *testing.T) {
	q := mustParse(t, map[string]any{"email": map[string]any{"$regex": "^a.*@example\\.com$"}})
	assert.True(t, Matches(q, document.New(map[string]any{"email": "alice@example.com"})))
	assert.False(t, Matches(q, document.New(map[string]any{"email": "bob@example.com"})))
}

type fakeIndex struct {
	data map[string]map[any][]string
}

func (f *fakeIndex) Candidates(field string, value any) ([]string, bool) {
	byVal, ok := f.data[field]
	if !ok {
		return nil, false
	}
	return byVal[value], true
}

func TestSelectAccessPathSingleIndex(t *testing.T) {
	idx := &fakeIndex{data: map[string]map[any][]string{
		"status": {"active": {"1", "2", "3"}},
	}}
	q := mustParse(t, map[string]any{"status": "active"})
	path := SelectAccessPath(q, idx)
	assert.Equal(t, PathIndex, path.Kind)
	assert.ElementsMatch(t, []string{"1", "2", "3"}, path.Candidates)
}

func TestSelectAccessPathIntersectsSmallestFirst(t *testing.T) {
	idx := &fakeIndex{data: map[string]map[any][]string{
		"status": {"active": {"1", "2", "3", "4"}},
		"region": {"us": {"2", "4"}},
	}}
	q := mustParse(t, map[string]any{"status": "active", "region": "us"})
	path := SelectAccessPath(q, idx)
	assert.Equal(t, PathIntersect, path.Kind)
	assert.ElementsMatch(t, []string{"2", "4"}, path.Candidates)
}

func TestSelectAccessPathFallsBackToScan(t *testing.T) {
	idx := &fakeIndex{data: map[string]map[any][]string{}}
	q := mustParse(t, map[string]any{"name": map[string]any{"$regex": "^A"}})
	path := SelectAccessPath(q, idx)
	assert.Equal(t, PathScan, path.Kind)
}

func TestFingerprintStableAcrossKeyOrder(t *testing.T) {
	q1 := mustParse(t, map[string]any{"a": 1, "b": 2})
	q2 := mustParse(t, map[string]any{"b": 2, "a": 1})
	assert.Equal(t, Fingerprint("users", q1), Fingerprint("users", q2))
}

func TestFingerprintDiffersByCollection(t *testing.T) {
	q := mustParse(t, map[string]any{"a": 1})
	assert.NotEqual(t, Fingerprint("users", q), Fingerprint("orders", q))
}
