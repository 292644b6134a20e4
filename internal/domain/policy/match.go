package policy

import (
	"fmt"
	"regexp"
	"strings"
)

var matchSegmentPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateToolMatch checks a glob pattern: dot-separated segments, each an
// identifier or "*", with "**" allowed only as the final segment.
func ValidateToolMatch(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("tool match pattern is empty")
	}
	segs := strings.Split(pattern, ".")
	for i, seg := range segs {
		switch {
		case seg == "*":
			continue
		case seg == "**":
			if i != len(segs)-1 {
				return fmt.Errorf("tool match %q: ** is only valid as the final segment", pattern)
			}
		case matchSegmentPattern.MatchString(seg):
			continue
		default:
			return fmt.Errorf("tool match %q: invalid segment %q", pattern, seg)
		}
	}
	return nil
}

// MatchToolPath matches a glob pattern against a dotted tool path. "*"
// consumes exactly one segment; a trailing "**" consumes zero or more.
// Matching is case-sensitive.
func MatchToolPath(pattern, path string) bool {
	ps := strings.Split(pattern, ".")
	ts := strings.Split(path, ".")

	for i, p := range ps {
		if p == "**" {
			return i == len(ps)-1
		}
		if i >= len(ts) {
			return false
		}
		if p != "*" && p != ts[i] {
			return false
		}
	}
	return len(ps) == len(ts)
}
