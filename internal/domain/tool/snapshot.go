package tool

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ConflictError reports two sources publishing the same tool path. Builds
// fail rather than picking a winner.
type ConflictError struct {
	Path         string
	FirstSource  string
	SecondSource string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("plugin_conflict: tool path %q provided by both %q and %q", e.Path, e.FirstSource, e.SecondSource)
}

// Snapshot is an immutable view of the compiled catalog for one workspace.
// Runs pin the snapshot that was current at submission; later rebuilds never
// change what an in-flight run can see.
type Snapshot struct {
	version string
	byPath  map[string]*Descriptor
	sorted  []*Descriptor
	builtAt time.Time
}

// NewSnapshot validates descriptors and freezes them into a snapshot.
// Duplicate paths yield a ConflictError naming both sources.
func NewSnapshot(descriptors []*Descriptor) (*Snapshot, error) {
	byPath := make(map[string]*Descriptor, len(descriptors))
	sorted := make([]*Descriptor, 0, len(descriptors))

	for _, d := range descriptors {
		if err := ValidatePath(d.Path); err != nil {
			return nil, err
		}
		if !d.Provider.IsValid() {
			return nil, fmt.Errorf("tool %q: unknown provider kind %q", d.Path, d.Provider)
		}
		if !d.Approval.IsValid() {
			return nil, fmt.Errorf("tool %q: invalid approval mode %q", d.Path, d.Approval)
		}
		if prev, ok := byPath[d.Path]; ok {
			return nil, &ConflictError{Path: d.Path, FirstSource: prev.SourceKey, SecondSource: d.SourceKey}
		}
		byPath[d.Path] = d
		sorted = append(sorted, d)
	}

	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	return &Snapshot{
		version: computeVersion(sorted),
		byPath:  byPath,
		sorted:  sorted,
		builtAt: time.Now().UTC(),
	}, nil
}

// computeVersion hashes the canonical serialization of the sorted
// descriptors. Two snapshots with identical content share a version.
func computeVersion(sorted []*Descriptor) string {
	h := xxhash.New()
	for _, d := range sorted {
		data, err := json.Marshal(d)
		if err != nil {
			// Descriptors are plain JSON-serializable structs.
			continue
		}
		_, _ = h.Write(data)
		_, _ = h.Write([]byte{'\n'})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Lookup returns the descriptor for an exact path.
func (s *Snapshot) Lookup(path string) (*Descriptor, bool) {
	d, ok := s.byPath[path]
	return d, ok
}

// All returns the descriptors ordered by path. Callers must treat the
// returned slice and its descriptors as read-only.
func (s *Snapshot) All() []*Descriptor {
	return s.sorted
}

// Version returns the content hash of the snapshot.
func (s *Snapshot) Version() string {
	return s.version
}

// Len returns the descriptor count.
func (s *Snapshot) Len() int {
	return len(s.sorted)
}

// BuiltAt returns when the snapshot was assembled.
func (s *Snapshot) BuiltAt() time.Time {
	return s.builtAt
}

// Diff summarizes the path-level changes between two snapshots.
type Diff struct {
	Added   []string `json:"added"`
	Changed []string `json:"changed"`
	Removed []string `json:"removed"`
}

// Empty reports whether the diff contains no changes.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}

// DiffFrom compares s against a previous snapshot. A nil previous snapshot
// reports every path as added. Changed paths are detected by comparing the
// descriptors' serialized forms.
func (s *Snapshot) DiffFrom(prev *Snapshot) Diff {
	var diff Diff
	for _, d := range s.sorted {
		if prev == nil {
			diff.Added = append(diff.Added, d.Path)
			continue
		}
		old, ok := prev.byPath[d.Path]
		switch {
		case !ok:
			diff.Added = append(diff.Added, d.Path)
		case !descriptorsEqual(old, d):
			diff.Changed = append(diff.Changed, d.Path)
		}
	}
	if prev != nil {
		for _, d := range prev.sorted {
			if _, ok := s.byPath[d.Path]; !ok {
				diff.Removed = append(diff.Removed, d.Path)
			}
		}
	}
	return diff
}

func descriptorsEqual(a, b *Descriptor) bool {
	aj, err1 := json.Marshal(a)
	bj, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(aj) == string(bj)
}
