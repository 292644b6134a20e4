// Package integration exercises the full mediation pipeline in-process:
// submission, snippet execution, tool mediation, approvals, policy, and the
// control-plane surface, wired exactly as the server boots them.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/RhysSullivan/codegate/internal/adapter/inbound/api"
	"github.com/RhysSullivan/codegate/internal/adapter/outbound/memory"
	"github.com/RhysSullivan/codegate/internal/adapter/outbound/provider"
	"github.com/RhysSullivan/codegate/internal/domain/actor"
	"github.com/RhysSullivan/codegate/internal/domain/approval"
	"github.com/RhysSullivan/codegate/internal/domain/policy"
	"github.com/RhysSullivan/codegate/internal/domain/run"
	"github.com/RhysSullivan/codegate/internal/domain/source"
	"github.com/RhysSullivan/codegate/internal/port/outbound"
	"github.com/RhysSullivan/codegate/internal/runtime"
	"github.com/RhysSullivan/codegate/internal/service"
	"github.com/RhysSullivan/codegate/internal/telemetry"
	"github.com/RhysSullivan/codegate/pkg/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testWorkspace = "default"

// The manifest blobs are parsed by the YAML decoder, so keys follow the
// yaml tags even in JSON form.
var calendarManifest = []byte(`{
	"tools": [
		{"name": "list", "description": "List calendar events", "approval": "auto"},
		{"name": "update", "description": "Update a calendar event", "approval": "required", "preview_keys": ["title", "startsAt"]}
	]
}`)

var githubManifest = []byte(`{
	"tools": [
		{"name": "issues.close", "description": "Close an issue", "approval": "auto"}
	]
}`)

// harness is the full gateway stack on the in-memory store, with counting
// built-in providers standing in for upstreams.
type harness struct {
	store      outbound.StateStore
	policies   *service.PolicyService
	registry   *service.RegistryService
	runs       *service.RunService
	invocation *service.InvocationService
	metrics    *telemetry.Metrics
	requester  *actor.Actor

	listCalls   atomic.Int64
	updateCalls atomic.Int64
	closeCalls  atomic.Int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &harness{
		store:   memory.NewStateStore(),
		metrics: telemetry.NewMetrics(),
		requester: &actor.Actor{
			ID:          "alice",
			Name:        "Alice",
			WorkspaceID: testWorkspace,
			Roles:       []actor.Role{actor.RoleMember},
		},
	}

	now := time.Now().UTC()
	seedSource := func(id, name string, config []byte) {
		if err := h.store.Sources().PutSource(ctx, &source.Source{
			ID:          id,
			WorkspaceID: testWorkspace,
			Name:        name,
			Kind:        source.KindInternal,
			Config:      config,
			Enabled:     true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}); err != nil {
			t.Fatalf("seed source %s: %v", name, err)
		}
	}
	seedSource("src-calendar", "calendar", calendarManifest)
	seedSource("src-github", "github", githubManifest)

	if err := h.store.Policies().PutPolicy(ctx, &policy.Rule{
		ID:          "rule-close-issues",
		Name:        "no closing issues",
		WorkspaceID: testWorkspace,
		ToolMatch:   "github.issues.close",
		Effect:      policy.EffectDeny,
		Reason:      "closing issues is disabled here",
		Enabled:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		t.Fatalf("seed policy: %v", err)
	}

	policies, err := service.NewPolicyService(ctx, h.store.Policies(), logger)
	if err != nil {
		t.Fatalf("policy service: %v", err)
	}
	h.policies = policies
	h.registry = service.NewRegistryService(h.store, nil, policies, logger)

	builtin := provider.NewBuiltinProvider()
	builtin.Register("calendar.list", func(context.Context, map[string]any, outbound.InvokeContext) (any, error) {
		h.listCalls.Add(1)
		return []any{map[string]any{
			"id":       "e1",
			"title":    "Sync",
			"startsAt": "2025-01-01T09:00:00Z",
		}}, nil
	})
	builtin.Register("calendar.update", func(context.Context, map[string]any, outbound.InvokeContext) (any, error) {
		h.updateCalls.Add(1)
		return map[string]any{"updated": true}, nil
	})
	builtin.Register("github.issues.close", func(context.Context, map[string]any, outbound.InvokeContext) (any, error) {
		h.closeCalls.Add(1)
		return map[string]any{"closed": true}, nil
	})

	tel, err := telemetry.Setup(ctx, "codegate", "test", false)
	if err != nil {
		t.Fatalf("telemetry: %v", err)
	}
	tracer := tel.Tracer()

	creds := service.NewCredentialService(h.store.Credentials(), logger)
	tokens := service.NewTokenService([]byte("integration-secret"), h.store.CallbackTokens())

	h.runs = service.NewRunService(service.RunServiceConfig{
		DefaultTimeout: 10 * time.Second,
		MaxTimeout:     30 * time.Second,
		DrainGrace:     200 * time.Millisecond,
		RetentionTTL:   time.Hour,
	}, h.store, h.registry, runtime.NewDispatcher(runtime.NewInprocRuntime()), tokens, h.metrics, tracer, logger)

	h.invocation = service.NewInvocationService(service.InvocationConfig{
		PendingWait:     50 * time.Millisecond,
		ProviderTimeout: 5 * time.Second,
	}, h.runs, policies, creds, provider.NewRegistry(builtin), h.store, nil, h.metrics, tracer, logger)
	h.runs.SetToolCallHandler(h.invocation)

	return h
}

func (h *harness) submit(t *testing.T, code string) *run.Run {
	t.Helper()
	rec, err := h.runs.Submit(context.Background(), service.SubmitRequest{
		WorkspaceID: testWorkspace,
		Actor:       h.requester,
		ClientID:    "test",
		Code:        code,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return rec
}

// awaitEvent consumes the run's event stream until an event of the wanted
// type appears, failing if the run goes terminal first.
func (h *harness) awaitEvent(t *testing.T, runID string, want run.EventType) run.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var seq uint64
	for {
		ev, err := h.runs.WaitForNext(ctx, runID, seq)
		if err != nil {
			t.Fatalf("wait for %s: %v", want, err)
		}
		if ev.Type == want {
			return ev
		}
		if ev.Type.IsTerminal() {
			t.Fatalf("run went terminal with %s before %s (error=%q reason=%q)", ev.Type, want, ev.Error, ev.Reason)
		}
		seq = ev.Seq
	}
}

// awaitTerminal consumes the event stream until the terminal event.
func (h *harness) awaitTerminal(t *testing.T, runID string) run.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var seq uint64
	for {
		ev, err := h.runs.WaitForNext(ctx, runID, seq)
		if err != nil {
			t.Fatalf("wait for terminal: %v", err)
		}
		if ev.Type.IsTerminal() {
			return ev
		}
		seq = ev.Seq
	}
}

func (h *harness) awaitStatus(t *testing.T, runID string, want run.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := h.runs.Get(context.Background(), runID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if rec.Status == want {
			return
		}
		if rec.Status.IsTerminal() {
			t.Fatalf("run terminal with %s while waiting for %s", rec.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run never reached %s", want)
}

// mustJSON canonicalizes a value for comparison.
func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}

func TestRun_AutoApprovedToolCall(t *testing.T) {
	h := newHarness(t)
	rec := h.submit(t, `return await tools.calendar.list({});`)

	ev := h.awaitTerminal(t, rec.ID)
	if ev.Type != run.EventCompleted {
		t.Fatalf("terminal = %s (error=%q), want completed", ev.Type, ev.Error)
	}
	if ev.CodeRuns != 1 {
		t.Errorf("codeRuns = %d, want 1", ev.CodeRuns)
	}
	want := `[{"id":"e1","startsAt":"2025-01-01T09:00:00Z","title":"Sync"}]`
	if got := mustJSON(t, ev.Value); got != want {
		t.Errorf("value = %s, want %s", got, want)
	}
	if n := h.listCalls.Load(); n != 1 {
		t.Errorf("provider invocations = %d, want 1", n)
	}

	final, err := h.runs.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if final.Status != run.StatusCompleted {
		t.Errorf("status = %s, want completed", final.Status)
	}
	if string(final.Value) != want {
		t.Errorf("persisted value = %s, want %s", final.Value, want)
	}
}

func TestRun_ApprovalRequired_Approved(t *testing.T) {
	h := newHarness(t)
	rec := h.submit(t, `return await tools.calendar.update({title: "A", startsAt: "2025-01-01"});`)

	ev := h.awaitEvent(t, rec.ID, run.EventAwaitingApproval)
	if ev.Approval == nil {
		t.Fatal("awaiting_approval event carries no approval info")
	}
	if ev.Approval.ToolPath != "calendar.update" {
		t.Errorf("toolPath = %q", ev.Approval.ToolPath)
	}
	if ev.Approval.InputPreview != "A @ 2025-01-01" {
		t.Errorf("inputPreview = %q, want %q", ev.Approval.InputPreview, "A @ 2025-01-01")
	}
	if h.updateCalls.Load() != 0 {
		t.Fatal("provider invoked before approval")
	}

	outcome, err := h.runs.ResolveApproval(context.Background(), ev.Approval.CallID, h.requester, approval.Decision{Approved: true})
	if err != nil {
		t.Fatalf("resolve approval: %v", err)
	}
	if outcome != approval.Resolved {
		t.Fatalf("outcome = %s, want resolved", outcome)
	}

	term := h.awaitTerminal(t, rec.ID)
	if term.Type != run.EventCompleted {
		t.Fatalf("terminal = %s (error=%q), want completed", term.Type, term.Error)
	}
	if got := mustJSON(t, term.Value); got != `{"updated":true}` {
		t.Errorf("value = %s", got)
	}
	if n := h.updateCalls.Load(); n != 1 {
		t.Errorf("provider invocations = %d, want 1", n)
	}

	arec, err := h.store.Approvals().GetApproval(context.Background(), ev.Approval.CallID)
	if err != nil {
		t.Fatalf("get approval record: %v", err)
	}
	if arec.Status != approval.RecordApproved {
		t.Errorf("approval record status = %s, want approved", arec.Status)
	}
}

func TestRun_ApprovalDenied_CatchableInUserCode(t *testing.T) {
	h := newHarness(t)
	rec := h.submit(t, `
try {
	await tools.calendar.update({title: "A", startsAt: "2025-01-01"});
	return "no";
} catch (e) {
	return "caught";
}`)

	ev := h.awaitEvent(t, rec.ID, run.EventAwaitingApproval)
	outcome, err := h.runs.ResolveApproval(context.Background(), ev.Approval.CallID, h.requester, approval.Decision{
		Approved: false,
		Reason:   "not now",
	})
	if err != nil || outcome != approval.Resolved {
		t.Fatalf("resolve approval: outcome=%s err=%v", outcome, err)
	}

	term := h.awaitTerminal(t, rec.ID)
	if term.Type != run.EventCompleted {
		t.Fatalf("terminal = %s (error=%q), want completed", term.Type, term.Error)
	}
	if got := mustJSON(t, term.Value); got != `"caught"` {
		t.Errorf("value = %s, want \"caught\"", got)
	}
	if h.updateCalls.Load() != 0 {
		t.Error("provider invoked despite denial")
	}
}

func TestRun_PolicyDeny_RejectsAndHidesTool(t *testing.T) {
	h := newHarness(t)

	rec := h.submit(t, `return await tools.github.issues.close({owner: "o", repo: "r", issueNumber: 1});`)

	// An uncaught denial fails the run; denied is the cancellation terminal.
	term := h.awaitTerminal(t, rec.ID)
	if term.Type != run.EventFailed {
		t.Fatalf("terminal = %s, want failed", term.Type)
	}
	if !strings.Contains(term.Error, wire.ErrPolicyDenied) {
		t.Errorf("error = %q, want it to carry %q", term.Error, wire.ErrPolicyDenied)
	}
	if !strings.Contains(term.Error, "closing issues is disabled here") {
		t.Errorf("error = %q, want the rule's reason", term.Error)
	}
	if h.closeCalls.Load() != 0 {
		t.Error("provider invoked despite policy deny")
	}

	final, err := h.runs.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if final.Status != run.StatusFailed {
		t.Errorf("status = %s, want failed", final.Status)
	}

	visible, err := h.registry.ListVisible(context.Background(), testWorkspace, h.requester.ID, "test", "")
	if err != nil {
		t.Fatalf("list visible: %v", err)
	}
	paths := make(map[string]bool, len(visible))
	for _, vt := range visible {
		paths[vt.Descriptor.Path] = true
	}
	if paths["github.issues.close"] {
		t.Error("denied tool is listed")
	}
	if !paths["calendar.list"] {
		t.Error("calendar.list missing from listing")
	}
}

func TestToolsEndpoint_MasksDeniedTools(t *testing.T) {
	h := newHarness(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	handler := api.NewHandler(api.Config{
		Runs:     h.runs,
		Invoker:  h.invocation,
		Registry: h.registry,
		Policies: h.policies,
		Stats:    service.NewStatsService(h.metrics.Registry()),
		Store:    h.store,
		Auth:     api.NewAuthenticator(false, nil, testWorkspace),
		Metrics:  h.metrics,
		Logger:   logger,
	})
	srv := httptest.NewServer(handler.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/tools")
	if err != nil {
		t.Fatalf("GET /v1/tools: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Tools []struct {
			Descriptor struct {
				Path string `json:"path"`
			} `json:"descriptor"`
		} `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	paths := make(map[string]bool, len(body.Tools))
	for _, vt := range body.Tools {
		paths[vt.Descriptor.Path] = true
	}
	if paths["github.issues.close"] {
		t.Error("denied tool listed over HTTP")
	}
	if !paths["calendar.list"] || !paths["calendar.update"] {
		t.Errorf("expected calendar tools in listing, got %v", paths)
	}
}

func TestCallbackReplay_Idempotent(t *testing.T) {
	h := newHarness(t)
	rec := h.submit(t, `await new Promise(function (r) { setTimeout(r, 500); }); return "done";`)
	h.awaitStatus(t, rec.ID, run.StatusRunning)

	req := wire.ToolCallRequest{
		RunID:    rec.ID,
		CallID:   "call-replay",
		ToolPath: "calendar.list",
		Input:    map[string]any{},
	}
	first := h.invocation.HandleToolCall(context.Background(), req, true)
	second := h.invocation.HandleToolCall(context.Background(), req, true)

	if !first.OK {
		t.Fatalf("first envelope not ok: %+v", first)
	}
	a, err := first.Encode()
	if err != nil {
		t.Fatalf("encode first: %v", err)
	}
	b, err := second.Encode()
	if err != nil {
		t.Fatalf("encode second: %v", err)
	}
	if string(a) != string(b) {
		t.Errorf("replayed envelope differs:\n first: %s\nsecond: %s", a, b)
	}
	if n := h.listCalls.Load(); n != 1 {
		t.Errorf("provider invocations = %d, want exactly 1", n)
	}

	term := h.awaitTerminal(t, rec.ID)
	if term.Type != run.EventCompleted {
		t.Fatalf("terminal = %s, want completed", term.Type)
	}
}

func TestCancel_DeniesPendingApproval(t *testing.T) {
	h := newHarness(t)
	rec := h.submit(t, `return await tools.calendar.update({title: "A", startsAt: "2025-01-01"});`)

	ev := h.awaitEvent(t, rec.ID, run.EventAwaitingApproval)
	if err := h.runs.Cancel(context.Background(), rec.ID, h.requester); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	term := h.awaitTerminal(t, rec.ID)
	if term.Type != run.EventDenied {
		t.Fatalf("terminal = %s, want denied", term.Type)
	}
	if h.updateCalls.Load() != 0 {
		t.Error("provider invoked despite cancellation")
	}

	// The persisted approval record is closed out asynchronously by the
	// released call.
	deadline := time.Now().Add(5 * time.Second)
	for {
		arec, err := h.store.Approvals().GetApproval(context.Background(), ev.Approval.CallID)
		if err != nil {
			t.Fatalf("get approval record: %v", err)
		}
		if arec.Status == approval.RecordDenied {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("approval record still %s after cancellation", arec.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A decision arriving after cancellation finds nothing pending.
	outcome, err := h.runs.ResolveApproval(context.Background(), ev.Approval.CallID, h.requester, approval.Decision{Approved: true})
	if err != nil {
		t.Fatalf("late resolve: %v", err)
	}
	if outcome == approval.Resolved {
		t.Error("late decision resolved a canceled approval")
	}
}

func TestCancel_MidExecution_TerminalEventStaysLast(t *testing.T) {
	h := newHarness(t)
	rec := h.submit(t, `await new Promise(function (r) { setTimeout(r, 5000); }); return "no";`)
	h.awaitStatus(t, rec.ID, run.StatusRunning)

	if err := h.runs.Cancel(context.Background(), rec.ID, h.requester); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	term := h.awaitTerminal(t, rec.ID)
	if term.Type != run.EventDenied {
		t.Fatalf("terminal = %s, want denied", term.Type)
	}

	// The interrupted dispatch unwinds after the terminal transition; give
	// it time to return, then check it appended nothing past the terminal.
	time.Sleep(300 * time.Millisecond)
	events, err := h.runs.Events(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("no events persisted")
	}
	var lastSeq uint64
	terminals := 0
	for _, ev := range events {
		if ev.Seq <= lastSeq {
			t.Errorf("sequence not strictly increasing: %d after %d", ev.Seq, lastSeq)
		}
		lastSeq = ev.Seq
		if ev.Type.IsTerminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Errorf("terminal events = %d, want exactly 1", terminals)
	}
	if last := events[len(events)-1]; last.Type != run.EventDenied {
		t.Errorf("last event = %s, want the terminal event last", last.Type)
	}
}

func TestRun_EventsAreOrderedWithSingleTerminal(t *testing.T) {
	h := newHarness(t)
	rec := h.submit(t, `console.log("working"); return await tools.calendar.list({});`)
	h.awaitTerminal(t, rec.ID)

	events, err := h.runs.Events(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("no events persisted")
	}
	var lastSeq uint64
	terminals := 0
	for _, ev := range events {
		if ev.Seq <= lastSeq {
			t.Errorf("sequence not strictly increasing: %d after %d", ev.Seq, lastSeq)
		}
		lastSeq = ev.Seq
		if ev.Type.IsTerminal() {
			terminals++
		}
		if ev.Type == run.EventCodeRun && !strings.Contains(ev.Stdout, "working") {
			t.Errorf("stdout = %q, want console output", ev.Stdout)
		}
	}
	if terminals != 1 {
		t.Errorf("terminal events = %d, want exactly 1", terminals)
	}
	if events[len(events)-1].Type != run.EventCompleted {
		t.Errorf("last event = %s, want completed", events[len(events)-1].Type)
	}
}

func TestRun_UnknownTool_FailsCatchably(t *testing.T) {
	h := newHarness(t)
	rec := h.submit(t, `
try {
	await tools.calendar.destroy({});
	return "no";
} catch (e) {
	return String(e.message).indexOf("not_found") >= 0 ? "unknown" : e.message;
}`)

	term := h.awaitTerminal(t, rec.ID)
	if term.Type != run.EventCompleted {
		t.Fatalf("terminal = %s (error=%q), want completed", term.Type, term.Error)
	}
	if got := mustJSON(t, term.Value); got != `"unknown"` {
		t.Errorf("value = %s, want \"unknown\"", got)
	}
}

func TestRun_Timeout(t *testing.T) {
	h := newHarness(t)
	rec, err := h.runs.Submit(context.Background(), service.SubmitRequest{
		WorkspaceID: testWorkspace,
		Actor:       h.requester,
		ClientID:    "test",
		Code:        `for (;;) {} return "never";`,
		TimeoutMs:   200,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	term := h.awaitTerminal(t, rec.ID)
	if term.Type != run.EventTimedOut {
		t.Fatalf("terminal = %s, want timed_out", term.Type)
	}
}

func TestRun_SnapshotPinnedAcrossRepublish(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	before, err := h.registry.Snapshot(ctx, testWorkspace)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	rec := h.submit(t, `
await new Promise(function (r) { setTimeout(r, 300); });
return await tools.calendar.list({});`)
	h.awaitStatus(t, rec.ID, run.StatusRunning)

	// Republish the calendar source without the list tool while the run is
	// in flight, then force a rebuild.
	now := time.Now().UTC()
	if err := h.store.Sources().PutSource(ctx, &source.Source{
		ID:          "src-calendar",
		WorkspaceID: testWorkspace,
		Name:        "calendar",
		Kind:        source.KindInternal,
		Config:      []byte(`{"tools": [{"name": "update", "description": "Update a calendar event", "approval": "required"}]}`),
		Enabled:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		t.Fatalf("republish source: %v", err)
	}
	h.registry.Invalidate(testWorkspace)
	after, err := h.registry.Snapshot(ctx, testWorkspace)
	if err != nil {
		t.Fatalf("rebuilt snapshot: %v", err)
	}
	if after.Version() == before.Version() {
		t.Fatal("republish did not change the snapshot version")
	}
	if _, ok := after.Lookup("calendar.list"); ok {
		t.Fatal("calendar.list still present after republish")
	}

	// The in-flight run still resolves calendar.list from its pinned snapshot.
	term := h.awaitTerminal(t, rec.ID)
	if term.Type != run.EventCompleted {
		t.Fatalf("terminal = %s (error=%q), want completed", term.Type, term.Error)
	}
	if n := h.listCalls.Load(); n != 1 {
		t.Errorf("provider invocations = %d, want 1", n)
	}

	final, err := h.runs.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if final.SnapshotVersion != before.Version() {
		t.Errorf("run pinned %q, want the pre-republish version %q", final.SnapshotVersion, before.Version())
	}

	// A run submitted after the republish sees the new registry and cannot
	// reach the removed tool.
	rec2 := h.submit(t, `
try {
	await tools.calendar.list({});
	return "no";
} catch (e) {
	return String(e.message).indexOf("not_found") >= 0 ? "gone" : e.message;
}`)
	term2 := h.awaitTerminal(t, rec2.ID)
	if term2.Type != run.EventCompleted {
		t.Fatalf("terminal = %s (error=%q), want completed", term2.Type, term2.Error)
	}
	if got := mustJSON(t, term2.Value); got != `"gone"` {
		t.Errorf("value = %s, want \"gone\"", got)
	}
	if n := h.listCalls.Load(); n != 1 {
		t.Errorf("provider invoked through a stale path: %d calls", n)
	}
}

func TestRun_ScriptError(t *testing.T) {
	h := newHarness(t)
	rec := h.submit(t, `throw new Error("boom");`)

	term := h.awaitTerminal(t, rec.ID)
	if term.Type != run.EventFailed {
		t.Fatalf("terminal = %s, want failed", term.Type)
	}
	if !strings.Contains(term.Error, "boom") {
		t.Errorf("error = %q, want script message", term.Error)
	}
}
