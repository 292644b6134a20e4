package tool

import (
	"fmt"
	"regexp"
	"strings"
)

// segmentPattern constrains each dotted path segment. Paths are
// case-sensitive; "Calendar.List" and "calendar.list" are distinct.
var segmentPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidatePath checks that a tool path is a non-empty dot-separated sequence
// of identifier segments.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("tool path is empty")
	}
	for _, seg := range strings.Split(path, ".") {
		if !segmentPattern.MatchString(seg) {
			return fmt.Errorf("tool path %q: invalid segment %q", path, seg)
		}
	}
	return nil
}

// Namespace returns the first segment of a path, or the whole path when it
// has a single segment.
func Namespace(path string) string {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i]
	}
	return path
}

// SplitPath returns the path's segments.
func SplitPath(path string) []string {
	return strings.Split(path, ".")
}
