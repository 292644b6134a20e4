package tool

import (
	"testing"
)

func desc(path, source string) *Descriptor {
	return &Descriptor{
		Path:      path,
		Provider:  ProviderHTTP,
		SourceKey: source,
		Approval:  ApprovalAuto,
	}
}

func TestValidatePath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"calendar.list", false},
		{"calendar.events.create", false},
		{"_internal.probe", false},
		{"a1.b2", false},
		{"single", false},
		{"", true},
		{"calendar..list", true},
		{".calendar", true},
		{"calendar.", true},
		{"1calendar.list", true},
		{"calendar.li-st", true},
		{"calendar.li st", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := ValidatePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestPathsAreCaseSensitive(t *testing.T) {
	snap, err := NewSnapshot([]*Descriptor{
		desc("calendar.list", "a"),
		desc("Calendar.List", "b"),
	})
	if err != nil {
		t.Fatalf("NewSnapshot failed: %v", err)
	}
	if snap.Len() != 2 {
		t.Errorf("Len() = %d, want 2 distinct case-sensitive paths", snap.Len())
	}
}

func TestSnapshotLookup(t *testing.T) {
	snap, err := NewSnapshot([]*Descriptor{
		desc("calendar.list", "calendar"),
		desc("mail.send", "mail"),
	})
	if err != nil {
		t.Fatalf("NewSnapshot failed: %v", err)
	}

	d, ok := snap.Lookup("calendar.list")
	if !ok {
		t.Fatal("expected calendar.list to resolve")
	}
	if d.SourceKey != "calendar" {
		t.Errorf("SourceKey = %q, want calendar", d.SourceKey)
	}

	if _, ok := snap.Lookup("calendar.missing"); ok {
		t.Error("unknown path must not resolve")
	}
}

func TestSnapshotConflict(t *testing.T) {
	_, err := NewSnapshot([]*Descriptor{
		desc("calendar.list", "plugin-a"),
		desc("calendar.list", "plugin-b"),
	})
	if err == nil {
		t.Fatal("expected conflict error")
	}

	conflict, ok := err.(*ConflictError)
	if !ok {
		t.Fatalf("expected *ConflictError, got %T", err)
	}
	if conflict.Path != "calendar.list" {
		t.Errorf("conflict path = %q", conflict.Path)
	}
	if conflict.FirstSource != "plugin-a" || conflict.SecondSource != "plugin-b" {
		t.Errorf("conflict sources = %q, %q; want both plugins named", conflict.FirstSource, conflict.SecondSource)
	}
}

func TestSnapshotVersionStableAcrossOrder(t *testing.T) {
	a, err := NewSnapshot([]*Descriptor{desc("b.op", "s"), desc("a.op", "s")})
	if err != nil {
		t.Fatalf("NewSnapshot failed: %v", err)
	}
	b, err := NewSnapshot([]*Descriptor{desc("a.op", "s"), desc("b.op", "s")})
	if err != nil {
		t.Fatalf("NewSnapshot failed: %v", err)
	}

	if a.Version() != b.Version() {
		t.Errorf("version should be input-order independent: %q vs %q", a.Version(), b.Version())
	}
	if a.Version() == "" {
		t.Error("version must be non-empty")
	}
}

func TestSnapshotVersionChangesWithContent(t *testing.T) {
	a, _ := NewSnapshot([]*Descriptor{desc("a.op", "s")})

	changed := desc("a.op", "s")
	changed.Description = "now documented"
	b, _ := NewSnapshot([]*Descriptor{changed})

	if a.Version() == b.Version() {
		t.Error("version must change when a descriptor changes")
	}
}

func TestSnapshotDiff(t *testing.T) {
	prev, _ := NewSnapshot([]*Descriptor{
		desc("a.op", "s"),
		desc("b.op", "s"),
		desc("c.op", "s"),
	})

	changed := desc("b.op", "s")
	changed.Description = "updated"
	next, _ := NewSnapshot([]*Descriptor{
		desc("a.op", "s"),
		changed,
		desc("d.op", "s"),
	})

	diff := next.DiffFrom(prev)
	if len(diff.Added) != 1 || diff.Added[0] != "d.op" {
		t.Errorf("Added = %v, want [d.op]", diff.Added)
	}
	if len(diff.Changed) != 1 || diff.Changed[0] != "b.op" {
		t.Errorf("Changed = %v, want [b.op]", diff.Changed)
	}
	if len(diff.Removed) != 1 || diff.Removed[0] != "c.op" {
		t.Errorf("Removed = %v, want [c.op]", diff.Removed)
	}

	if !next.DiffFrom(next).Empty() {
		t.Error("diff against self should be empty")
	}
}

func TestSnapshotDiffFromNil(t *testing.T) {
	snap, _ := NewSnapshot([]*Descriptor{desc("a.op", "s"), desc("b.op", "s")})
	diff := snap.DiffFrom(nil)
	if len(diff.Added) != 2 {
		t.Errorf("Added = %v, want both paths", diff.Added)
	}
	if len(diff.Changed) != 0 || len(diff.Removed) != 0 {
		t.Errorf("nil diff should only add: %+v", diff)
	}
}

func TestNamespace(t *testing.T) {
	if got := Namespace("calendar.events.list"); got != "calendar" {
		t.Errorf("Namespace = %q, want calendar", got)
	}
	if got := Namespace("single"); got != "single" {
		t.Errorf("Namespace = %q, want single", got)
	}
}
