package query

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// maxInlineFingerprint is the length in bytes past which Fingerprint
// switches from the canonical serialization itself to a stable hash of it,
// keeping cache keys bounded regardless of query size (§4.3's L1 key
// requirement).
const maxInlineFingerprint = 2048

// Fingerprint returns a stable, collision-resistant key for (collection,
// query): equal queries (same keys and values, any map iteration order)
// always produce the same fingerprint, and different queries are
// extremely unlikely to collide.
func Fingerprint(collection string, q *Query) string {
	var b strings.Builder
	b.WriteString(collection)
	b.WriteByte('|')
	canonicalize(&b, q.Source)

	s := b.String()
	if len(s) <= maxInlineFingerprint {
		return s
	}
	sum := sha256.Sum256([]byte(s))
	return collection + "|#" + hex.EncodeToString(sum[:])
}

// canonicalize writes a deterministic textual encoding of v: object keys
// are sorted before traversal, so two documents differing only in Go map
// iteration order serialize identically.
func canonicalize(b *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(b, "%q:", k)
			canonicalize(b, val[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, vv := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			canonicalize(b, vv)
		}
		b.WriteByte(']')
	case string:
		fmt.Fprintf(b, "%q", val)
	default:
		fmt.Fprintf(b, "%v", val)
	}
}
