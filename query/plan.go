package query

import "sort"

// IndexLookup is the narrow slice of a collection's index set the planner
// needs. A collection's index implementation satisfies this directly.
type IndexLookup interface {
	// Candidates returns the document ids posted under field==value, and
	// whether field carries an equality index at all. An indexed field
	// with no matching documents returns (nil, true) — that is still a
	// usable (empty) access path, not a reason to fall back to a scan.
	Candidates(field string, value any) (ids []string, indexed bool)
}

// PathKind identifies which strategy the planner chose.
type PathKind int

const (
	PathScan PathKind = iota
	PathIndex
	PathIntersect
)

// AccessPath is the planner's decision: either a full collection scan with
// a residual filter, or a set of candidate ids (from one index, or the
// intersection of several) plus whatever of the query couldn't be pushed
// into an index and must still be checked against each candidate.
type AccessPath struct {
	Kind       PathKind
	Fields     []string
	Candidates []string
	// Query is always the full original query — candidates from an index
	// are a superset guarantee, never a substitute for re-checking Matches.
	Query *Query
}

// SelectAccessPath implements §4.2's three-step rule: (1) a single
// top-level equality-indexable field uses that index directly; (2) two or
// more such fields intersect their posting lists, smallest first, with
// ties broken by the field's position in the query's sorted key order; (3) otherwise
// fall back to a full scan.
func SelectAccessPath(q *Query, lookup IndexLookup) *AccessPath {
	type candidate struct {
		field string
		order int
		ids   []string
	}
	var found []candidate
	for _, fn := range q.fieldNodes() {
		values, ok := equalityValues(fn.Cond)
		if !ok {
			continue
		}
		ids, indexed := unionCandidates(lookup, fn.Field, values)
		if !indexed {
			continue
		}
		found = append(found, candidate{field: fn.Field, order: fn.Order, ids: ids})
	}

	if len(found) == 0 {
		return &AccessPath{Kind: PathScan, Query: q}
	}

	sort.SliceStable(found, func(i, j int) bool {
		if len(found[i].ids) != len(found[j].ids) {
			return len(found[i].ids) < len(found[j].ids)
		}
		return found[i].order < found[j].order
	})

	if len(found) == 1 {
		return &AccessPath{
			Kind:       PathIndex,
			Fields:     []string{found[0].field},
			Candidates: found[0].ids,
			Query:      q,
		}
	}

	result := found[0].ids
	fields := []string{found[0].field}
	for _, c := range found[1:] {
		result = intersect(result, c.ids)
		fields = append(fields, c.field)
		if len(result) == 0 {
			break
		}
	}
	return &AccessPath{Kind: PathIntersect, Fields: fields, Candidates: result, Query: q}
}

// equalityValues returns the set of values an index probe must union over
// to satisfy cond, for the operators the planner can push into an index:
// bare/$eq equality (one value) and $in (several).
func equalityValues(c Cond) ([]any, bool) {
	switch cond := c.(type) {
	case CEq:
		return []any{cond.Value}, true
	case CIn:
		return cond.Values, true
	default:
		return nil, false
	}
}

func unionCandidates(lookup IndexLookup, field string, values []any) ([]string, bool) {
	seen := map[string]bool{}
	var out []string
	anyIndexed := false
	for _, v := range values {
		ids, indexed := lookup.Candidates(field, v)
		if !indexed {
			continue
		}
		anyIndexed = true
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out, anyIndexed
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	var out []string
	for _, id := range b {
		if set[id] {
			out = append(out, id)
		}
	}
	return out
}
