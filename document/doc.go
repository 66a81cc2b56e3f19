package document

import (
	"reflect"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// Doc is a single document: an unordered mapping from field name to value.
// Values are drawn from the set bson.M already supports natively — nil,
// bool, the integer/float kinds, string, time.Time, []any, and nested Doc/
// bson.M — so no separate tagged-variant value type is introduced; BSON's
// scalar set already matches the data model the spec describes.
type Doc bson.M

// IDField is the name of the identity field every document carries.
const IDField = "_id"

// New wraps a plain map as a Doc without copying.
func New(m map[string]any) Doc {
	if m == nil {
		return Doc{}
	}
	return Doc(m)
}

// Clone returns a deep copy of d so callers can freely mutate the result
// without affecting the original (used to keep find results from aliasing
// internal storage, per §4.2's result guarantee).
func (d Doc) Clone() Doc {
	return deepCopy(map[string]any(d)).(map[string]any)
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = deepCopy(vv)
		}
		return out
	case bson.M:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = deepCopy(vv)
		}
		return out
	case Doc:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = deepCopy(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = deepCopy(vv)
		}
		return out
	default:
		return v
	}
}

// Get resolves dot-notation field access against nested sub-mappings, per
// §4.2. It does not descend into arrays by index — the spec only requires
// dot notation for nested sub-mappings.
func (d Doc) Get(path string) (any, bool) {
	return getPath(map[string]any(d), splitPath(path))
}

func getPath(v any, parts []string) (any, bool) {
	if len(parts) == 0 {
		return v, true
	}
	m, ok := asMap(v)
	if !ok {
		return nil, false
	}
	next, ok := m[parts[0]]
	if !ok {
		return nil, false
	}
	return getPath(next, parts[1:])
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case bson.M:
		return map[string]any(m), true
	case Doc:
		return map[string]any(m), true
	default:
		return nil, false
	}
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	parts = append(parts, path[start:])
	return parts
}

// ShallowMerge returns a new Doc equal to base with every top-level key in
// changes overwritten (or added). _id must already have been rejected by
// the caller's validator — ShallowMerge performs no validation itself.
func ShallowMerge(base, changes Doc) Doc {
	out := base.Clone()
	for k, v := range changes {
		out[k] = deepCopy(v)
	}
	return out
}

// DeepMerge recursively merges changes into base: when both base[k] and
// changes[k] are sub-mappings, the merge recurses; otherwise changes[k]
// replaces base[k] wholesale (matching "recursive key-wise merge").
func DeepMerge(base, changes Doc) Doc {
	out := base.Clone()
	mergeInto(map[string]any(out), map[string]any(changes))
	return out
}

func mergeInto(base, changes map[string]any) {
	for k, v := range changes {
		bv, exists := base[k]
		bm, bok := asMap(bv)
		cm, cok := asMap(v)
		if exists && bok && cok {
			mergeInto(bm, cm)
			base[k] = bm
			continue
		}
		base[k] = deepCopy(v)
	}
}

// DeepEqual implements the structural equality the spec mandates for all
// value comparisons, including $eq/$in/$all operands (§9 resolves the
// source's `===`-vs-deep-equality ambiguity in favor of deep equality
// everywhere). Numeric kinds are compared by value regardless of their Go
// representation (int, int32, int64, float64, ...), matching BSON's own
// numeric flexibility.
func DeepEqual(a, b any) bool {
	af, aIsNum := asFloat(a)
	bf, bIsNum := asFloat(b)
	if aIsNum && bIsNum {
		return af == bf
	}
	if aIsNum != bIsNum {
		return false
	}

	am, aok := asMap(a)
	bm, bok := asMap(b)
	if aok || bok {
		if !aok || !bok || len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !DeepEqual(av, bv) {
				return false
			}
		}
		return true
	}

	aArr, aIsArr := asSlice(a)
	bArr, bIsArr := asSlice(b)
	if aIsArr || bIsArr {
		if !aIsArr || !bIsArr || len(aArr) != len(bArr) {
			return false
		}
		for i := range aArr {
			if !DeepEqual(aArr[i], bArr[i]) {
				return false
			}
		}
		return true
	}

	at, aIsTime := a.(time.Time)
	bt, bIsTime := b.(time.Time)
	if aIsTime || bIsTime {
		return aIsTime && bIsTime && at.Equal(bt)
	}

	return reflect.DeepEqual(a, b)
}

func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case bson.A:
		return []any(s), true
	default:
		return nil, false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Compare implements the source-language-independent "less-than" notion
// for numbers, strings (lexicographic), and timestamps that $gt/$gte/$lt/
// $lte rely on. ok is false for mixed, non-comparable types, per the
// spec's "mixed-type comparisons are defined to be false".
func Compare(a, b any) (cmp int, ok bool) {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			switch {
			case as < bs:
				return -1, true
			case as > bs:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	if at, aok := a.(time.Time); aok {
		if bt, bok := b.(time.Time); bok {
			switch {
			case at.Before(bt):
				return -1, true
			case at.After(bt):
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	return 0, false
}

// Depth returns the maximum nesting depth of v; a bare scalar has depth 0.
func Depth(v any) int {
	if m, ok := asMap(v); ok {
		max := 0
		for _, vv := range m {
			if d := Depth(vv); d > max {
				max = d
			}
		}
		return max + 1
	}
	if s, ok := asSlice(v); ok {
		max := 0
		for _, vv := range s {
			if d := Depth(vv); d > max {
				max = d
			}
		}
		return max + 1
	}
	return 0
}

// SerializedSize returns the BSON-encoded size of v in bytes, used to
// enforce the 10 MiB document and 1 MiB query-size limits.
func SerializedSize(v any) (int, error) {
	b, err := bson.Marshal(wrapForMarshal(v))
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

func wrapForMarshal(v any) any {
	if m, ok := asMap(v); ok {
		return bson.M(m)
	}
	return bson.M{"_": v}
}

// HasCycle reports whether v contains a reference cycle through nested
// maps or slices (identity cycles, not merely repeated equal values).
func HasCycle(v any) bool {
	return hasCycle(v, map[uintptr]bool{})
}

func hasCycle(v any, seen map[uintptr]bool) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		ptr := rv.Pointer()
		if ptr != 0 {
			if seen[ptr] {
				return true
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}
		iter := rv.MapRange()
		for iter.Next() {
			if hasCycle(iter.Value().Interface(), seen) {
				return true
			}
		}
	case reflect.Slice:
		ptr := rv.Pointer()
		if ptr != 0 {
			if seen[ptr] {
				return true
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}
		for i := 0; i < rv.Len(); i++ {
			if hasCycle(rv.Index(i).Interface(), seen) {
				return true
			}
		}
	case reflect.Interface:
		if !rv.IsNil() {
			return hasCycle(rv.Elem().Interface(), seen)
		}
	}
	return false
}
