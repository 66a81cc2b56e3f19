package collection

import (
	"fmt"
	"reflect"

	"nodestore/document"
)

// index is a secondary equality index over one field: for every observed
// value, the set of document ids whose doc[field] equals it. Only
// equality posting lists are supported, per §3. Empty posting sets are
// eagerly pruned so an index's key set never drifts from "values
// currently present in the collection".
type index struct {
	field    string
	postings map[any][]string
}

func newIndex(field string) *index {
	return &index{field: field, postings: make(map[any][]string)}
}

// compositeKey keys a map or slice value by its printed form, since maps
// and slices cannot be Go map keys themselves.
type compositeKey string

// keyFor normalizes v into a value usable as a Go map key. BSON documents
// may carry numeric values in any of several Go kinds (int, int32, int64,
// float64); indexing must treat 5 and int64(5) as the same key, matching
// document.DeepEqual's numeric coercion, so numeric values are always
// keyed by their float64 form. Maps and slices are keyed by their %v text;
// distinct values that print alike share a posting list, which only adds
// candidates that the query's residual match then rejects.
func keyFor(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case float64:
		return n
	default:
		if v != nil {
			if k := reflect.TypeOf(v).Kind(); k == reflect.Map || k == reflect.Slice {
				return compositeKey(fmt.Sprintf("%v", v))
			}
		}
		return v
	}
}

func (ix *index) add(id string, value any) {
	k := keyFor(value)
	ix.postings[k] = append(ix.postings[k], id)
}

func (ix *index) remove(id string, value any) {
	k := keyFor(value)
	ids := ix.postings[k]
	for i, existing := range ids {
		if existing == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(ix.postings, k)
	} else {
		ix.postings[k] = ids
	}
}

// candidates implements query.IndexLookup for this one field.
func (ix *index) candidates(value any) []string {
	ids := ix.postings[keyFor(value)]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// indexSet groups every secondary index a collection maintains and
// implements query.IndexLookup across all of them.
type indexSet struct {
	byField map[string]*index
}

func newIndexSet() *indexSet {
	return &indexSet{byField: make(map[string]*index)}
}

// Candidates implements query.IndexLookup.
func (s *indexSet) Candidates(field string, value any) ([]string, bool) {
	ix, ok := s.byField[field]
	if !ok {
		return nil, false
	}
	return ix.candidates(value), true
}

func (s *indexSet) has(field string) bool {
	_, ok := s.byField[field]
	return ok
}

func (s *indexSet) create(field string) {
	s.byField[field] = newIndex(field)
}

func (s *indexSet) drop(field string) {
	delete(s.byField, field)
}

func (s *indexSet) len() int {
	return len(s.byField)
}

// indexDelta is a grouped batch of postings to remove then add, used by
// both single-document mutations and bulk operations so every caller goes
// through the same "removals before additions, then prune empties" path
// (§4.1's grouped index update rule).
type indexDelta struct {
	removals []postingChange
	additions []postingChange
}

type postingChange struct {
	id    string
	doc   document.Doc
}

func newIndexDelta() *indexDelta {
	return &indexDelta{}
}

func (d *indexDelta) remove(id string, doc document.Doc) {
	d.removals = append(d.removals, postingChange{id: id, doc: doc})
}

func (d *indexDelta) add(id string, doc document.Doc) {
	d.additions = append(d.additions, postingChange{id: id, doc: doc})
}

// apply commits the delta against every maintained index: all removals
// first, then all additions, per §4.1.
func (d *indexDelta) apply(s *indexSet) {
	for _, ix := range s.byField {
		for _, chg := range d.removals {
			if v, ok := chg.doc.Get(ix.field); ok {
				ix.remove(chg.id, v)
			}
		}
		for _, chg := range d.additions {
			if v, ok := chg.doc.Get(ix.field); ok {
				ix.add(chg.id, v)
			}
		}
	}
}
