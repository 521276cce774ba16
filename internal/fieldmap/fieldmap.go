// Package fieldmap normalizes source-specific decoder payloads into the
// common field vocabulary using per-source translation tables.
package fieldmap

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Translation maps a flattened source field name to its normalized target
// name. An empty target means the field is intentionally dropped (known but
// not stored); a source key absent from the table is reported as unmapped.
type Translation map[string]string

// Flatten collapses a nested payload into dotted/indexed scalar keys:
// {"a":{"b":[{"c":1}]}} becomes {"a.b[0].c":1}. Scalars pass through.
func Flatten(data any) map[string]any {
	out := make(map[string]any)
	flattenInto(out, "", data)
	return out
}

func flattenInto(out map[string]any, prefix string, v any) {
	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flattenInto(out, key, child)
		}
	case []any:
		for i, child := range node {
			flattenInto(out, fmt.Sprintf("%s[%d]", prefix, i), child)
		}
	default:
		if prefix != "" {
			out[prefix] = v
		}
	}
}

// Remap flattens data and translates each flattened key through the table.
// Keys translated to an empty target are dropped silently; keys with no
// table entry are collected into unmapped for the caller to report. Nil and
// empty-string source values are dropped as well: they carry no state and
// would only clobber freshness-bearing fields.
//
// An empty normalized result is valid and must not abort the pipeline.
func Remap(data map[string]any, table Translation) (normalized map[string]any, unmapped []string) {
	flat := Flatten(data)
	normalized = make(map[string]any, len(flat))

	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		target, known := table[key]
		if !known {
			unmapped = append(unmapped, key)
			continue
		}
		if target == "" {
			continue
		}
		value := flat[key]
		if value == nil {
			continue
		}
		if s, ok := value.(string); ok && s == "" {
			continue
		}
		normalized[target] = value
	}
	return normalized, unmapped
}

// ContentHash returns the stable SHA-256 hex digest of the canonical JSON
// encoding of content. encoding/json writes map keys in sorted order, so
// equal content always hashes to the same key.
func ContentHash(content map[string]any) string {
	b, err := json.Marshal(content)
	if err != nil {
		// Content maps come from decoded JSON and always re-marshal; hash
		// the error text rather than returning an empty key.
		b = []byte(err.Error())
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
