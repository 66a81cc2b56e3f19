package document

import (
	"strings"
)

// Limits holds the resource-limit thresholds from §3/§6. Zero-value Limits
// is invalid; use DefaultLimits() and override only what the caller wants
// to change via the `max.*` configuration options.
type Limits struct {
	MaxDocumentSize      int // bytes, serialized
	MaxFieldNameLength    int
	MaxDocumentsPerColl   int
	MaxCollectionSize     int // bytes
	MaxIndexesPerColl     int
	MaxQueryDepth         int
	MaxQuerySize          int // bytes, serialized
	MaxQueryOperators     int
	MaxOperationsPerSecond int
}

// DefaultLimits returns the hard caps §3/§6 specify by default.
func DefaultLimits() Limits {
	return Limits{
		MaxDocumentSize:        10 * 1024 * 1024,
		MaxFieldNameLength:     255,
		MaxDocumentsPerColl:    100_000,
		MaxCollectionSize:      100 * 1024 * 1024,
		MaxIndexesPerColl:      10,
		MaxQueryDepth:          10,
		MaxQuerySize:           1024 * 1024,
		MaxQueryOperators:      20,
		MaxOperationsPerSecond: 10_000,
	}
}

// MaxSafeCounter is the documented interop ceiling (2^53 - 1) a
// per-collection id counter must never pass, per §3's "approaching
// platform max safe integer" framing.
const MaxSafeCounter int64 = (1 << 53) - 1

// ValidateCollectionName enforces a non-empty, reasonably sized,
// non-`$`-prefixed collection name.
func ValidateCollectionName(name string) error {
	if name == "" {
		return NewValidationError("collection name must not be empty")
	}
	if len(name) > 255 {
		return NewValidationError("collection name exceeds 255 characters")
	}
	if strings.HasPrefix(name, "$") {
		return NewValidationError("collection name must not start with '$'")
	}
	return nil
}

// ValidateFieldName checks a single field name against §3: non-empty,
// <=255 chars, and only nested (non-top-level) names may start with '$'.
func ValidateFieldName(name string, topLevel bool) error {
	if name == "" {
		return NewValidationError("field name must not be empty")
	}
	if len(name) > 255 {
		return NewValidationError("field name %q exceeds 255 characters", name)
	}
	if topLevel && strings.HasPrefix(name, "$") && name != IDField {
		return NewValidationError("top-level field name %q must not start with '$'", name)
	}
	return nil
}

// ValidateDocument checks a whole document against §3's invariants: no
// cycles, bounded serialized size, and every field name (recursively)
// legal per ValidateFieldName.
func ValidateDocument(d Doc, limits Limits) error {
	if HasCycle(map[string]any(d)) {
		return NewDataIntegrityError(nil, "document contains a cyclic reference")
	}
	if err := validateFieldNames(map[string]any(d), true); err != nil {
		return err
	}
	size, err := SerializedSize(d)
	if err != nil {
		return NewValidationError("failed to serialize document: %v", err)
	}
	if size > limits.MaxDocumentSize {
		return NewResourceLimitError("document size %d exceeds limit %d", size, limits.MaxDocumentSize).
			With("size", size).With("limit", limits.MaxDocumentSize)
	}
	return nil
}

func validateFieldNames(v any, topLevel bool) error {
	m, ok := asMap(v)
	if !ok {
		if s, ok := asSlice(v); ok {
			for _, vv := range s {
				if err := validateFieldNames(vv, false); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for k, vv := range m {
		if err := ValidateFieldName(k, topLevel); err != nil {
			return err
		}
		if err := validateFieldNames(vv, false); err != nil {
			return err
		}
	}
	return nil
}

// NextID renders the per-collection monotonically increasing counter as a
// compact string, per §3. Base-36 keeps the rendering short while staying
// strictly increasing in numeric order (not lexicographic order — callers
// must not assume string-sort equals insertion order).
func NextID(counter int64) (string, error) {
	if counter >= MaxSafeCounter {
		return "", ErrCounterOverflow
	}
	return formatID(counter), nil
}

// ParseIDCounter decodes an id previously rendered by NextID back to its
// numeric counter value. It reports ok=false for any id not shaped like
// one NextID could have produced — in particular, a caller-supplied
// explicit id that merely happens to look numeric but isn't canonical
// base-36 (e.g. a leading zero) — so recovery only ever advances the
// counter past ids it's sure were counter-generated.
func ParseIDCounter(id string) (int64, bool) {
	if id == "" {
		return 0, false
	}
	s := id
	neg := s[0] == '-'
	if neg {
		s = s[1:]
		if s == "" {
			return 0, false
		}
	}
	var n int64
	for i := 0; i < len(s); i++ {
		c := s[i]
		var d int64
		switch {
		case c >= '0' && c <= '9':
			d = int64(c - '0')
		case c >= 'a' && c <= 'z':
			d = int64(c-'a') + 10
		default:
			return 0, false
		}
		n = n*36 + d
	}
	if neg {
		n = -n
	}
	if formatID(n) != id {
		return 0, false
	}
	return n, true
}

func formatID(n int64) string {
	if n == 0 {
		return "0"
	}
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	buf := make([]byte, 0, 16)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		buf = append(buf, digits[n%36])
		n /= 36
	}
	if neg {
		buf = append(buf, '-')
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return string(buf)
}
