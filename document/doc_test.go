package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDotNotation(t *testing.T) {
	d := New(map[string]any{
		"name": "Alice",
		"meta": map[string]any{
			"age":   30,
			"roles": []any{"admin"},
		},
	})

	v, ok := d.Get("meta.age")
	require.True(t, ok)
	assert.Equal(t, 30, v)

	_, ok = d.Get("meta.missing")
	assert.False(t, ok)

	_, ok = d.Get("name.nested")
	assert.False(t, ok)
}

func TestShallowMergeReplacesTopLevel(t *testing.T) {
	base := New(map[string]any{
		"name": "Alice",
		"meta": map[string]any{"age": 30, "city": "NYC"},
	})
	changes := New(map[string]any{
		"meta": map[string]any{"age": 31},
	})

	merged := ShallowMerge(base, changes)
	meta := merged["meta"].(map[string]any)
	assert.Equal(t, 31, meta["age"])
	_, hasCity := meta["city"]
	assert.False(t, hasCity, "shallow merge must replace the whole sub-mapping")
}

func TestDeepMergeRecursesIntoSubMappings(t *testing.T) {
	base := New(map[string]any{
		"meta": map[string]any{"age": 30, "city": "NYC"},
	})
	changes := New(map[string]any{
		"meta": map[string]any{"age": 31},
	})

	merged := DeepMerge(base, changes)
	meta := merged["meta"].(map[string]any)
	assert.Equal(t, 31, meta["age"])
	assert.Equal(t, "NYC", meta["city"], "deep merge must preserve untouched nested keys")
}

func TestDeepEqualAcrossNumericKinds(t *testing.T) {
	assert.True(t, DeepEqual(int32(5), int64(5)))
	assert.True(t, DeepEqual(5, 5.0))
	assert.False(t, DeepEqual(5, "5"))
	assert.True(t, DeepEqual(
		map[string]any{"a": []any{1, 2}},
		map[string]any{"a": []any{int64(1), int64(2)}},
	))
}

func TestCompareMixedTypesNotOk(t *testing.T) {
	_, ok := Compare(5, "5")
	assert.False(t, ok)

	cmp, ok := Compare(5, 10)
	assert.True(t, ok)
	assert.Equal(t, -1, cmp)

	cmp, ok = Compare("b", "a")
	assert.True(t, ok)
	assert.Equal(t, 1, cmp)
}

func TestDepth(t *testing.T) {
	assert.Equal(t, 0, Depth("scalar"))
	assert.Equal(t, 1, Depth(map[string]any{"a": 1}))
	assert.Equal(t, 2, Depth(map[string]any{"a": map[string]any{"b": 1}}))
}

func TestHasCycleDetectsSelfReference(t *testing.T) {
	m := map[string]any{"name": "A"}
	m["self"] = m
	assert.True(t, HasCycle(m))

	assert.False(t, HasCycle(map[string]any{"name": "A"}))
}

func TestCloneIsIndependent(t *testing.T) {
	base := New(map[string]any{"meta": map[string]any{"age": 30}})
	clone := base.Clone()
	clone["meta"].(map[string]any)["age"] = 99
	assert.Equal(t, 30, base["meta"].(map[string]any)["age"])
}
