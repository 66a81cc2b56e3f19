package query

import "nodestore/document"

// Matches reports whether doc satisfies q — the implicit top-level AND of
// q.Clauses.
func Matches(q *Query, doc document.Doc) bool {
	return evalAll(q.Clauses, doc)
}

func evalAll(clauses []Node, doc document.Doc) bool {
	for _, c := range clauses {
		if !evalNode(c, doc) {
			return false
		}
	}
	return true
}

func evalNode(n Node, doc document.Doc) bool {
	switch node := n.(type) {
	case *And:
		return evalAll(node.Clauses, doc)
	case *Or:
		for _, c := range node.Clauses {
			if evalNode(c, doc) {
				return true
			}
		}
		return len(node.Clauses) == 0
	case *FieldNode:
		v, present := doc.Get(node.Field)
		return evalCond(node.Cond, v, present)
	default:
		return false
	}
}

// evalCond evaluates one field-level condition. A missing field is treated
// as holding the value nil for equality/membership purposes (so {"$eq":
// nil} and {"$exists": false} both match an absent field), but never
// satisfies an ordering comparison ($gt/$gte/$lt/$lte) or $regex.
func evalCond(c Cond, v any, present bool) bool {
	switch cond := c.(type) {
	case CEq:
		return matchesEq(v, present, cond.Value)
	case CNe:
		return !matchesEq(v, present, cond.Value)
	case CGt:
		cmp, ok := document.Compare(v, cond.Value)
		return present && ok && cmp > 0
	case CGte:
		cmp, ok := document.Compare(v, cond.Value)
		return present && ok && cmp >= 0
	case CLt:
		cmp, ok := document.Compare(v, cond.Value)
		return present && ok && cmp < 0
	case CLte:
		cmp, ok := document.Compare(v, cond.Value)
		return present && ok && cmp <= 0
	case CIn:
		for _, want := range cond.Values {
			if matchesEq(v, present, want) {
				return true
			}
		}
		return false
	case CNin:
		for _, want := range cond.Values {
			if matchesEq(v, present, want) {
				return false
			}
		}
		return true
	case CAll:
		if !present {
			return len(cond.Values) == 0
		}
		arr, ok := toSlice(v)
		if !ok {
			return false
		}
		for _, want := range cond.Values {
			found := false
			for _, have := range arr {
				if document.DeepEqual(have, want) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	case CSize:
		if !present {
			return false
		}
		arr, ok := toSlice(v)
		return ok && len(arr) == cond.N
	case CExists:
		return present == cond.Want
	case CRegex:
		if !present {
			return false
		}
		s, ok := v.(string)
		return ok && cond.re.MatchString(s)
	default:
		return false
	}
}

func matchesEq(v any, present bool, want any) bool {
	if !present {
		v = nil
	}
	return document.DeepEqual(v, want)
}

func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	default:
		return nil, false
	}
}
