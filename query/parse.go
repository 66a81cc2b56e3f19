package query

import (
	"fmt"
	"regexp"
	"sort"

	"nodestore/document"
)

// Limits bounds a query's complexity, mirroring document.Limits so a
// collection can reuse whatever DefaultLimits() override the caller chose.
type Limits struct {
	MaxDepth     int
	MaxSize      int
	MaxOperators int
}

// DefaultLimits returns the §3/§6 defaults: depth 10, size 1 MiB, 20
// operators.
func DefaultLimits() Limits {
	return Limits{MaxDepth: 10, MaxSize: 1024 * 1024, MaxOperators: 20}
}

var knownOps = map[string]bool{
	"$eq": true, "$ne": true, "$gt": true, "$gte": true, "$lt": true,
	"$lte": true, "$in": true, "$nin": true, "$all": true, "$size": true,
	"$exists": true, "$regex": true, "$and": true, "$or": true,
}

// Parse validates and compiles a raw query document into a *Query. It
// enforces the three structural limits (depth, serialized size, operator
// count) before building the tree, so a malformed or adversarial query
// never reaches the matcher or planner.
func Parse(raw map[string]any, limits Limits) (*Query, error) {
	if raw == nil {
		raw = map[string]any{}
	}
	if d := document.Depth(raw); d > limits.MaxDepth {
		return nil, document.NewValidationError("query depth %d exceeds limit %d", d, limits.MaxDepth)
	}
	size, err := document.SerializedSize(raw)
	if err != nil {
		return nil, document.NewValidationError("failed to serialize query: %v", err)
	}
	if size > limits.MaxSize {
		return nil, document.NewResourceLimitError("query size %d exceeds limit %d", size, limits.MaxSize).
			With("size", size).With("limit", limits.MaxSize)
	}
	if n := countOperators(raw); n > limits.MaxOperators {
		return nil, document.NewResourceLimitError("query uses %d operators, limit %d", n, limits.MaxOperators).
			With("operators", n).With("limit", limits.MaxOperators)
	}

	clauses, err := parseObject(raw, 0)
	if err != nil {
		return nil, err
	}
	return &Query{Clauses: clauses, Source: raw}, nil
}

func countOperators(v any) int {
	switch val := v.(type) {
	case map[string]any:
		n := 0
		for k, vv := range val {
			if len(k) > 0 && k[0] == '$' {
				n++
			}
			n += countOperators(vv)
		}
		return n
	case []any:
		n := 0
		for _, vv := range val {
			n += countOperators(vv)
		}
		return n
	default:
		return 0
	}
}

// parseObject compiles one query object's keys into clauses in sorted key
// order (the order Fingerprint serializes them in), so Order, and with it
// the planner's tie-break among equal-cost candidates, is the same on
// every run.
func parseObject(obj map[string]any, order int) ([]Node, error) {
	keys := make([]string, 0, len(obj))
	for field := range obj {
		keys = append(keys, field)
	}
	sort.Strings(keys)

	var clauses []Node
	for _, field := range keys {
		val := obj[field]
		switch field {
		case "$and":
			sub, err := parseLogical(val, order)
			if err != nil {
				return nil, err
			}
			clauses = append(clauses, &And{Clauses: sub})
		case "$or":
			sub, err := parseLogical(val, order)
			if err != nil {
				return nil, err
			}
			clauses = append(clauses, &Or{Clauses: sub})
		default:
			if len(field) > 0 && field[0] == '$' {
				return nil, document.NewValidationError("unexpected operator %q at query top level", field)
			}
			conds, err := parseFieldValue(val)
			if err != nil {
				return nil, err
			}
			for _, c := range conds {
				clauses = append(clauses, &FieldNode{Field: field, Cond: c, Order: order})
				order++
			}
		}
	}
	return clauses, nil
}

func parseLogical(val any, order int) ([]Node, error) {
	arr, ok := val.([]any)
	if !ok {
		return nil, document.NewValidationError("$and/$or require an array of sub-queries")
	}
	var out []Node
	for _, item := range arr {
		sub, ok := item.(map[string]any)
		if !ok {
			if d, ok := item.(document.Doc); ok {
				sub = map[string]any(d)
			} else {
				return nil, document.NewValidationError("$and/$or array elements must be query objects")
			}
		}
		clauses, err := parseObject(sub, order)
		if err != nil {
			return nil, err
		}
		out = append(out, &And{Clauses: clauses})
	}
	return out, nil
}

// parseFieldValue compiles the value attached to one field name into zero
// or more Conds: a bare scalar/sub-document is an implicit $eq; a map whose
// keys all start with '$' is an operator spec, possibly with several
// operators ANDed together (e.g. {"$gte": 1, "$lt": 10}).
func parseFieldValue(val any) ([]Cond, error) {
	m, ok := asOperatorMap(val)
	if !ok {
		return []Cond{CEq{Value: val}}, nil
	}

	var conds []Cond
	for op, arg := range m {
		cond, err := parseOperator(op, arg)
		if err != nil {
			return nil, err
		}
		conds = append(conds, cond)
	}
	return conds, nil
}

// asOperatorMap reports whether val is a map all of whose keys start with
// '$' (an operator spec) — and returns it as map[string]any either way.
func asOperatorMap(val any) (map[string]any, bool) {
	var m map[string]any
	switch vv := val.(type) {
	case map[string]any:
		m = vv
	case document.Doc:
		m = map[string]any(vv)
	default:
		return nil, false
	}
	if len(m) == 0 {
		return m, false
	}
	for k := range m {
		if len(k) == 0 || k[0] != '$' {
			return m, false
		}
	}
	return m, true
}

func parseOperator(op string, arg any) (Cond, error) {
	if !knownOps[op] {
		return nil, document.NewValidationError("unknown query operator %q", op)
	}
	switch op {
	case "$eq":
		return CEq{Value: arg}, nil
	case "$ne":
		return CNe{Value: arg}, nil
	case "$gt":
		return CGt{Value: arg}, nil
	case "$gte":
		return CGte{Value: arg}, nil
	case "$lt":
		return CLt{Value: arg}, nil
	case "$lte":
		return CLte{Value: arg}, nil
	case "$in":
		arr, ok := arg.([]any)
		if !ok {
			return nil, document.NewValidationError("$in requires an array argument")
		}
		return CIn{Values: arr}, nil
	case "$nin":
		arr, ok := arg.([]any)
		if !ok {
			return nil, document.NewValidationError("$nin requires an array argument")
		}
		return CNin{Values: arr}, nil
	case "$all":
		arr, ok := arg.([]any)
		if !ok {
			return nil, document.NewValidationError("$all requires an array argument")
		}
		return CAll{Values: arr}, nil
	case "$size":
		n, ok := asInt(arg)
		if !ok {
			return nil, document.NewValidationError("$size requires an integer argument")
		}
		return CSize{N: n}, nil
	case "$exists":
		b, ok := arg.(bool)
		if !ok {
			return nil, document.NewValidationError("$exists requires a boolean argument")
		}
		return CExists{Want: b}, nil
	case "$regex":
		pattern, ok := arg.(string)
		if !ok {
			return nil, document.NewValidationError("$regex requires a string argument")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, document.NewValidationError("invalid $regex pattern: %v", err)
		}
		return CRegex{Pattern: pattern, re: re}, nil
	default:
		return nil, fmt.Errorf("unreachable: operator %q", op)
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
