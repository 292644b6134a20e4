// Package sanitize masks secret material in values bound for logs, events,
// and approval previews.
package sanitize

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

// Redacted replaces values whose key looks sensitive.
const Redacted = "[redacted]"

// Circular replaces values that reference an enclosing container.
const Circular = "[circular]"

// sensitiveKeyPattern flags argument and header keys carrying secret
// material. Comparison is case-insensitive over the full key.
var sensitiveKeyPattern = regexp.MustCompile(`(?i)(authorization|api[-_]?key|token|secret|password|cookie|credential)`)

// IsSensitiveKey reports whether a key name indicates sensitive data.
func IsSensitiveKey(key string) bool {
	return sensitiveKeyPattern.MatchString(key)
}

// Value walks maps and slices depth-first, replacing sensitive map values
// with Redacted and self-referential containers with Circular. The input is
// never modified; scalars are returned as-is.
func Value(v any) any {
	return sanitizeValue(v, make(map[uintptr]bool))
}

// Map sanitizes a decoded-JSON argument map. Nil maps pass through.
func Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := sanitizeValue(m, make(map[uintptr]bool)).(map[string]any)
	return out
}

func sanitizeValue(v any, seen map[uintptr]bool) any {
	switch tv := v.(type) {
	case map[string]any:
		ptr := reflect.ValueOf(tv).Pointer()
		if seen[ptr] {
			return Circular
		}
		seen[ptr] = true
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			if IsSensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = sanitizeValue(val, seen)
		}
		delete(seen, ptr)
		return out
	case []any:
		if len(tv) == 0 {
			return tv
		}
		ptr := reflect.ValueOf(tv).Pointer()
		if seen[ptr] {
			return Circular
		}
		seen[ptr] = true
		out := make([]any, len(tv))
		for i, val := range tv {
			out[i] = sanitizeValue(val, seen)
		}
		delete(seen, ptr)
		return out
	default:
		return v
	}
}

// Truncate shortens a string to max bytes, appending a note with the number
// of characters removed. Strings at or under the limit pass through.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	trimmed := len(s) - max
	return s[:max] + fmt.Sprintf("... (truncated %d chars)", trimmed)
}

// Preview renders call arguments for an approval prompt. When previewKeys
// are declared, their values are joined in order with " @ "; keys that are
// absent are skipped. Otherwise the sanitized arguments are serialized and
// truncated to max bytes.
func Preview(args map[string]any, previewKeys []string, max int) string {
	if len(previewKeys) > 0 {
		parts := make([]string, 0, len(previewKeys))
		for _, key := range previewKeys {
			v, ok := lookupPath(args, key)
			if !ok {
				continue
			}
			parts = append(parts, stringify(v))
		}
		if len(parts) > 0 {
			return Truncate(strings.Join(parts, " @ "), max)
		}
	}

	data, err := json.Marshal(Map(args))
	if err != nil {
		return ""
	}
	return Truncate(string(data), max)
}

// lookupPath resolves a dotted key against nested argument maps.
func lookupPath(args map[string]any, key string) (any, bool) {
	cur := any(args)
	for _, seg := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func stringify(v any) string {
	switch tv := v.(type) {
	case string:
		return tv
	case nil:
		return "null"
	default:
		data, err := json.Marshal(sanitizeValue(tv, make(map[uintptr]bool)))
		if err != nil {
			return fmt.Sprintf("%v", tv)
		}
		return string(data)
	}
}
