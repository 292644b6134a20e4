package policy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Matches evaluates the condition against decoded call arguments. A missing
// key never matches, including for not_equals: a rule conditioned on an
// argument should not fire when the argument is absent.
func (c Condition) Matches(args map[string]any) bool {
	raw, ok := lookupArgPath(args, c.Key)
	if !ok {
		return false
	}
	val := argString(raw)

	switch c.Op {
	case OpEquals:
		return val == c.Value
	case OpNotEquals:
		return val != c.Value
	case OpContains:
		return strings.Contains(val, c.Value)
	case OpStartsWith:
		return strings.HasPrefix(val, c.Value)
	default:
		return false
	}
}

// Validate checks the condition's fields.
func (c Condition) Validate() error {
	if c.Key == "" {
		return fmt.Errorf("condition key is required")
	}
	if !c.Op.IsValid() {
		return fmt.Errorf("unknown condition operator %q", c.Op)
	}
	return nil
}

// lookupArgPath resolves a dotted key against nested argument maps.
func lookupArgPath(args map[string]any, key string) (any, bool) {
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

// argString renders an argument value for comparison. Strings compare
// as-is; everything else compares by its JSON form.
func argString(v any) string {
	switch tv := v.(type) {
	case string:
		return tv
	case nil:
		return "null"
	default:
		data, err := json.Marshal(tv)
		if err != nil {
			return fmt.Sprintf("%v", tv)
		}
		return string(data)
	}
}
