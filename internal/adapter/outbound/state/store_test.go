package state

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	goruntime "runtime"
	"testing"
	"time"

	"github.com/RhysSullivan/codegate/internal/domain/approval"
	"github.com/RhysSullivan/codegate/internal/domain/credential"
	"github.com/RhysSullivan/codegate/internal/domain/policy"
	"github.com/RhysSullivan/codegate/internal/domain/run"
	"github.com/RhysSullivan/codegate/internal/domain/source"
	"github.com/RhysSullivan/codegate/internal/port/outbound"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) (*FileStateStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := NewFileStateStore(path, testLogger())
	if err != nil {
		t.Fatalf("NewFileStateStore: %v", err)
	}
	return s, path
}

func testRun(id, workspace string, status run.Status) *run.Run {
	now := time.Now().UTC()
	return &run.Run{
		ID:          id,
		WorkspaceID: workspace,
		ActorID:     "actor-1",
		RuntimeKind: run.KindInproc,
		Code:        "return 1;",
		TimeoutMs:   60000,
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ---------------------------------------------------------------------------
// Open / load tests
// ---------------------------------------------------------------------------

func TestNewFileStateStore_MissingFile_StartsEmpty(t *testing.T) {
	s, path := newTestStore(t)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("opening a missing file should not create it until the first write")
	}
	runs, err := s.Runs().ListRuns(context.Background(), "default", "")
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("expected empty store, got %d runs", len(runs))
	}
}

func TestNewFileStateStore_CorruptFile_Errors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := NewFileStateStore(path, testLogger())
	if err == nil {
		t.Fatal("expected parse error for corrupt state file")
	}
}

func TestNewFileStateStore_OlderFile_NilMapsNormalized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	// A version-1 file written before some collections existed.
	if err := os.WriteFile(path, []byte(`{"version":"1","runs":{}}`), 0600); err != nil {
		t.Fatal(err)
	}

	s, err := NewFileStateStore(path, testLogger())
	if err != nil {
		t.Fatalf("NewFileStateStore: %v", err)
	}
	// Lookups against absent collections must not panic.
	if _, err := s.Approvals().GetApproval(context.Background(), "x"); !errors.Is(err, outbound.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.CallbackTokens().RevokeTokensForRun(context.Background(), "none"); err != nil {
		t.Errorf("RevokeTokensForRun on empty store: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Run collection
// ---------------------------------------------------------------------------

func TestRunStore_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	r := testRun("run-1", "default", run.StatusQueued)
	if err := s.Runs().CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.Runs().GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Code != "return 1;" || got.Status != run.StatusQueued {
		t.Errorf("unexpected run: %+v", got)
	}

	// Returned record is a copy: mutating it must not affect the store.
	got.Status = run.StatusFailed
	again, _ := s.Runs().GetRun(ctx, "run-1")
	if again.Status != run.StatusQueued {
		t.Error("GetRun should return a copy, not the stored pointer")
	}

	got.Status = run.StatusCompleted
	if err := s.Runs().UpdateRun(ctx, got); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
	updated, _ := s.Runs().GetRun(ctx, "run-1")
	if updated.Status != run.StatusCompleted {
		t.Errorf("status = %q after update", updated.Status)
	}

	if err := s.Runs().DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	if _, err := s.Runs().GetRun(ctx, "run-1"); !errors.Is(err, outbound.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestRunStore_UpdateMissing(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.Runs().UpdateRun(context.Background(), testRun("ghost", "default", run.StatusQueued))
	if !errors.Is(err, outbound.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRunStore_ListFiltersWorkspaceAndStatus(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	r1 := testRun("run-1", "acme", run.StatusCompleted)
	r1.CreatedAt = time.Now().UTC().Add(-2 * time.Minute)
	r2 := testRun("run-2", "acme", run.StatusQueued)
	r2.CreatedAt = time.Now().UTC().Add(-1 * time.Minute)
	r3 := testRun("run-3", "other", run.StatusQueued)
	for _, r := range []*run.Run{r1, r2, r3} {
		if err := s.Runs().CreateRun(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := s.Runs().ListRuns(ctx, "acme", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	// Newest first.
	if runs[0].ID != "run-2" || runs[1].ID != "run-1" {
		t.Errorf("order = %s, %s", runs[0].ID, runs[1].ID)
	}

	queued, err := s.Runs().ListRuns(ctx, "acme", run.StatusQueued)
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 || queued[0].ID != "run-2" {
		t.Errorf("status filter returned %+v", queued)
	}
}

func TestRunStore_ListTerminalBefore(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	old := testRun("run-old", "default", run.StatusCompleted)
	oldDone := time.Now().UTC().Add(-2 * time.Hour)
	old.CompletedAt = &oldDone

	fresh := testRun("run-fresh", "default", run.StatusCompleted)
	freshDone := time.Now().UTC()
	fresh.CompletedAt = &freshDone

	running := testRun("run-live", "default", run.StatusRunning)

	for _, r := range []*run.Run{old, fresh, running} {
		if err := s.Runs().CreateRun(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	expired, err := s.Runs().ListTerminalBefore(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].ID != "run-old" {
		t.Errorf("expected only run-old, got %+v", expired)
	}
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

func TestEventStore_AppendAndList(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for seq := uint64(1); seq <= 3; seq++ {
		ev := run.Event{Seq: seq, RunID: "run-1", Type: run.EventCodeRun, At: time.Now().UTC()}
		if err := s.RunEvents().AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	events, err := s.RunEvents().ListEvents(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			t.Errorf("event %d has seq %d", i, ev.Seq)
		}
	}

	none, err := s.RunEvents().ListEvents(ctx, "unknown")
	if err != nil || len(none) != 0 {
		t.Errorf("unknown run should list empty, got %v, %v", none, err)
	}
}

// ---------------------------------------------------------------------------
// Credentials
// ---------------------------------------------------------------------------

func TestCredentialStore_FindByScope(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	wsCred := &credential.Record{
		ID: "cred-ws", WorkspaceID: "acme", SourceKey: "github",
		Scope: credential.ScopeWorkspace, Type: credential.TypeBearer, Token: "ws-token",
	}
	actorCred := &credential.Record{
		ID: "cred-actor", WorkspaceID: "acme", SourceKey: "github",
		Scope: credential.ScopeActor, OwnerID: "alice",
		Type: credential.TypeBearer, Token: "alice-token",
	}
	for _, c := range []*credential.Record{wsCred, actorCred} {
		if err := s.Credentials().PutCredential(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Credentials().FindCredential(ctx, "acme", "github", credential.ScopeActor, "alice")
	if err != nil {
		t.Fatalf("FindCredential actor: %v", err)
	}
	if got.ID != "cred-actor" {
		t.Errorf("got %q, want cred-actor", got.ID)
	}

	// Another actor has no actor-scoped credential.
	if _, err := s.Credentials().FindCredential(ctx, "acme", "github", credential.ScopeActor, "bob"); !errors.Is(err, outbound.ErrNotFound) {
		t.Errorf("expected ErrNotFound for bob, got %v", err)
	}

	got, err = s.Credentials().FindCredential(ctx, "acme", "github", credential.ScopeWorkspace, "")
	if err != nil || got.ID != "cred-ws" {
		t.Errorf("workspace lookup = %v, %v", got, err)
	}
}

// ---------------------------------------------------------------------------
// Callback tokens
// ---------------------------------------------------------------------------

func TestTokenStore_RevokeForRun(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	t1 := &outbound.CallbackToken{ID: "tok-1", RunID: "run-1", WorkspaceID: "acme"}
	t2 := &outbound.CallbackToken{ID: "tok-2", RunID: "run-1", WorkspaceID: "acme"}
	t3 := &outbound.CallbackToken{ID: "tok-3", RunID: "run-2", WorkspaceID: "acme"}
	for _, tok := range []*outbound.CallbackToken{t1, t2, t3} {
		if err := s.CallbackTokens().PutToken(ctx, tok); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.CallbackTokens().RevokeTokensForRun(ctx, "run-1"); err != nil {
		t.Fatalf("RevokeTokensForRun: %v", err)
	}

	for _, tc := range []struct {
		id      string
		revoked bool
	}{
		{"tok-1", true},
		{"tok-2", true},
		{"tok-3", false},
	} {
		tok, err := s.CallbackTokens().GetToken(ctx, tc.id)
		if err != nil {
			t.Fatalf("GetToken(%s): %v", tc.id, err)
		}
		if tok.Revoked != tc.revoked {
			t.Errorf("%s revoked = %v, want %v", tc.id, tok.Revoked, tc.revoked)
		}
	}
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

func TestPersistence_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	s1, err := NewFileStateStore(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.Runs().CreateRun(ctx, testRun("run-1", "acme", run.StatusCompleted)); err != nil {
		t.Fatal(err)
	}
	if err := s1.Sources().PutSource(ctx, &source.Source{
		ID: "src-1", WorkspaceID: "acme", Name: "github", Kind: source.KindOpenAPI,
		Endpoint: "https://api.github.com", Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s1.Policies().PutPolicy(ctx, &policy.Rule{
		ID: "pol-1", WorkspaceID: "acme", ToolMatch: "github.**",
		Effect: policy.EffectDeny, Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s1.Approvals().PutApproval(ctx, &approval.Record{
		ID: "appr-1", WorkspaceID: "acme", RunID: "run-1", CallID: "call-1",
		ToolPath: "github.repos.delete", Status: approval.RecordPending,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := NewFileStateStore(path, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := s2.Runs().GetRun(ctx, "run-1"); err != nil {
		t.Errorf("run lost across reopen: %v", err)
	}
	if _, err := s2.Sources().GetSource(ctx, "src-1"); err != nil {
		t.Errorf("source lost across reopen: %v", err)
	}
	if _, err := s2.Policies().GetPolicy(ctx, "pol-1"); err != nil {
		t.Errorf("policy lost across reopen: %v", err)
	}
	pending, err := s2.Approvals().ListApprovals(ctx, "acme", approval.RecordPending)
	if err != nil || len(pending) != 1 {
		t.Errorf("approvals lost across reopen: %v, %v", pending, err)
	}
}

func TestSave_CreatesBackupAndRestrictsPermissions(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()

	// First write creates the file; second write backs up the first.
	if err := s.Runs().CreateRun(ctx, testRun("run-1", "default", run.StatusQueued)); err != nil {
		t.Fatal(err)
	}
	if err := s.Runs().CreateRun(ctx, testRun("run-2", "default", run.StatusQueued)); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Errorf("expected backup file after second write: %v", err)
	}

	if goruntime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Errorf("state file permissions = %04o, want 0600", perm)
		}
	}
}

func TestPing(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping on writable directory: %v", err)
	}
}
