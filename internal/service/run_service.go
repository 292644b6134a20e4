package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/RhysSullivan/codegate/internal/domain/actor"
	"github.com/RhysSullivan/codegate/internal/domain/approval"
	"github.com/RhysSullivan/codegate/internal/domain/run"
	"github.com/RhysSullivan/codegate/internal/port/outbound"
	"github.com/RhysSullivan/codegate/internal/telemetry"
	"github.com/RhysSullivan/codegate/pkg/wire"
)

// Run lifecycle errors surfaced to the control plane.
var (
	ErrRunNotFound     = errors.New("run not found")
	ErrRunTerminal     = errors.New("run already terminal")
	ErrNotAuthorized   = errors.New("not authorized")
	ErrRuntimeMissing  = errors.New("runtime unavailable")
	ErrInvalidArgument = errors.New("invalid argument")
)

// RuntimeDispatcher hands a prepared execution to the right runtime
// backend. Implemented by the runtime package.
type RuntimeDispatcher interface {
	Dispatch(ctx context.Context, kind run.Kind, req outbound.ExecRequest) (*outbound.ExecResult, error)
	Available(kind run.Kind) bool
}

// ToolCallHandler mediates one tools.* callback. Implemented by the
// invocation service; injected after construction to break the run↔invoke
// dependency cycle.
type ToolCallHandler interface {
	HandleToolCall(ctx context.Context, req wire.ToolCallRequest, block bool) wire.Envelope
}

// RunServiceConfig tunes the lifecycle manager.
type RunServiceConfig struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	DefaultRuntime run.Kind
	// MaxConcurrent bounds simultaneously executing runs. Zero means 64.
	MaxConcurrent int
	// DrainGrace is how long a terminal session lingers waiting for a
	// consumer to read the terminal event.
	DrainGrace time.Duration
	// RetentionTTL is how long terminal run records are kept. Events
	// outlive the record.
	RetentionTTL time.Duration
	// CallbackBaseURL is the externally reachable gateway address remote
	// workers call back to.
	CallbackBaseURL string
}

func (c *RunServiceConfig) applyDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 60 * time.Second
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 10 * time.Minute
	}
	if c.DefaultRuntime == "" {
		c.DefaultRuntime = run.KindInproc
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 64
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 30 * time.Second
	}
	if c.RetentionTTL <= 0 {
		c.RetentionTTL = 24 * time.Hour
	}
}

// runHandle pairs the persisted record with its live session. The handle
// mutex serializes every state transition for one run.
type runHandle struct {
	mu   sync.Mutex
	rec  *run.Run
	sess *run.Session
}

// RunService owns the run state machine: submission, scheduling, status
// transitions, event emission, cancellation, timeout, and retention. It is
// the only writer of run state.
type RunService struct {
	cfg        RunServiceConfig
	store      outbound.StateStore
	registry   *RegistryService
	dispatcher RuntimeDispatcher
	tokens     *TokenService
	metrics    *telemetry.Metrics
	tracer     trace.Tracer
	logger     *slog.Logger

	invoker ToolCallHandler

	mu      sync.RWMutex
	handles map[string]*runHandle

	sem chan struct{}
}

// NewRunService creates the lifecycle manager. Call SetToolCallHandler
// before the first Submit.
func NewRunService(
	cfg RunServiceConfig,
	store outbound.StateStore,
	registry *RegistryService,
	dispatcher RuntimeDispatcher,
	tokens *TokenService,
	metrics *telemetry.Metrics,
	tracer trace.Tracer,
	logger *slog.Logger,
) *RunService {
	cfg.applyDefaults()
	return &RunService{
		cfg:        cfg,
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		tokens:     tokens,
		metrics:    metrics,
		tracer:     tracer,
		logger:     logger,
		handles:    make(map[string]*runHandle),
		sem:        make(chan struct{}, cfg.MaxConcurrent),
	}
}

// SetToolCallHandler injects the invocation pipeline. Must be called once
// during wiring, before runs are submitted.
func (s *RunService) SetToolCallHandler(h ToolCallHandler) {
	s.invoker = h
}

// SubmitRequest carries one code submission.
type SubmitRequest struct {
	WorkspaceID string
	Actor       *actor.Actor
	ClientID    string
	Code        string
	RuntimeKind run.Kind
	TimeoutMs   int64
	Metadata    map[string]string
}

// Submit validates the request, pins the current registry snapshot,
// persists the queued run, and schedules execution.
func (s *RunService) Submit(ctx context.Context, req SubmitRequest) (*run.Run, error) {
	if req.Code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidArgument)
	}
	if req.WorkspaceID == "" {
		return nil, fmt.Errorf("%w: workspaceId is required", ErrInvalidArgument)
	}
	if req.Actor == nil || req.Actor.ID == "" {
		return nil, fmt.Errorf("%w: actor is required", ErrInvalidArgument)
	}

	kind := req.RuntimeKind
	if kind == "" {
		kind = s.cfg.DefaultRuntime
	}
	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: unknown runtime kind %q", ErrInvalidArgument, req.RuntimeKind)
	}
	if !s.dispatcher.Available(kind) {
		return nil, fmt.Errorf("%w: %s", ErrRuntimeMissing, kind)
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	if timeout > s.cfg.MaxTimeout {
		timeout = s.cfg.MaxTimeout
	}

	snapshot, err := s.registry.Snapshot(ctx, req.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("pin registry snapshot: %w", err)
	}

	now := time.Now().UTC()
	rec := &run.Run{
		ID:              uuid.New().String(),
		WorkspaceID:     req.WorkspaceID,
		ActorID:         req.Actor.ID,
		ClientID:        req.ClientID,
		RuntimeKind:     kind,
		Code:            req.Code,
		TimeoutMs:       timeout.Milliseconds(),
		Status:          run.StatusQueued,
		SnapshotVersion: snapshot.Version(),
		Metadata:        req.Metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	coord := approval.NewCoordinator(rec.ID, rec.ActorID)
	sess := run.NewSession(rec.ID, snapshot, coord)

	if err := s.store.Runs().CreateRun(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}

	h := &runHandle{rec: rec, sess: sess}
	s.mu.Lock()
	s.handles[rec.ID] = h
	s.mu.Unlock()

	s.metrics.RunsSubmitted.Inc()
	s.metrics.RunsActive.Inc()
	s.logger.Info("run submitted",
		"run_id", rec.ID,
		"workspace_id", rec.WorkspaceID,
		"actor_id", rec.ActorID,
		"runtime", kind,
		"snapshot", rec.SnapshotVersion,
	)

	go s.executeRun(h)
	return snapshotRun(rec), nil
}

// Get returns a copy of the run record.
func (s *RunService) Get(ctx context.Context, id string) (*run.Run, error) {
	if h, ok := s.handle(id); ok {
		h.mu.Lock()
		defer h.mu.Unlock()
		return snapshotRun(h.rec), nil
	}
	rec, err := s.store.Runs().GetRun(ctx, id)
	if errors.Is(err, outbound.ErrNotFound) {
		return nil, ErrRunNotFound
	}
	return rec, err
}

// Describe returns a copy of the record plus the live session for a run
// still resident in the run table. The invocation pipeline reads identity
// and deadline from it.
func (s *RunService) Describe(runID string) (*run.Run, *run.Session, bool) {
	h, ok := s.handle(runID)
	if !ok {
		return nil, nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return snapshotRun(h.rec), h.sess, true
}

// Session returns the live session for a run, if it is still resident.
func (s *RunService) Session(id string) (*run.Session, bool) {
	h, ok := s.handle(id)
	if !ok {
		return nil, false
	}
	return h.sess, true
}

// WaitForNext blocks until an event with Seq > afterSeq is available. For
// drained runs it falls back to the persisted event log.
func (s *RunService) WaitForNext(ctx context.Context, runID string, afterSeq uint64) (run.Event, error) {
	if h, ok := s.handle(runID); ok {
		ev, err := h.sess.Next(ctx, afterSeq)
		if !errors.Is(err, run.ErrSessionClosed) {
			return ev, err
		}
	}
	events, err := s.store.RunEvents().ListEvents(ctx, runID)
	if err != nil {
		return run.Event{}, err
	}
	for _, ev := range events {
		if ev.Seq > afterSeq {
			return ev, nil
		}
	}
	return run.Event{}, ErrRunNotFound
}

// Events returns the persisted event log for a run.
func (s *RunService) Events(ctx context.Context, runID string) ([]run.Event, error) {
	return s.store.RunEvents().ListEvents(ctx, runID)
}

// Cancel transitions a live run to denied. Only the requester or a
// workspace admin may cancel; every outstanding approval resolves denied
// and the runtime deadline is cut.
func (s *RunService) Cancel(ctx context.Context, runID string, by *actor.Actor) error {
	h, ok := s.handle(runID)
	if !ok {
		return ErrRunNotFound
	}

	h.mu.Lock()
	authorized := by != nil && (by.ID == h.rec.ActorID || (by.IsAdmin() && by.WorkspaceID == h.rec.WorkspaceID))
	terminal := h.rec.Status.IsTerminal()
	h.mu.Unlock()

	if !authorized {
		return ErrNotAuthorized
	}
	if terminal {
		return ErrRunTerminal
	}

	s.finish(h, run.StatusDenied, nil, "canceled by "+by.ID, "canceled")
	return nil
}

// MarkAwaitingApproval moves a running run into awaiting_approval and emits
// the event external UIs render prompts from. Called by the invocation
// pipeline after the approval slot is acquired.
func (s *RunService) MarkAwaitingApproval(runID string, info run.ApprovalInfo) {
	h, ok := s.handle(runID)
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if run.CanTransition(h.rec.Status, run.StatusAwaitingApproval) {
		h.rec.Status = run.StatusAwaitingApproval
		h.rec.UpdatedAt = time.Now().UTC()
		s.persistLocked(h)
	}
	s.appendEventLocked(h, run.Event{Type: run.EventAwaitingApproval, Approval: &info})
	s.metrics.ApprovalsPending.Inc()
}

// ResolveApproval applies a reviewer decision to a pending approval. Only
// the run's requester or a workspace admin may decide; anyone else gets
// Unauthorized without disturbing the parked call.
func (s *RunService) ResolveApproval(ctx context.Context, approvalID string, by *actor.Actor, d approval.Decision) (approval.ResolveOutcome, error) {
	rec, err := s.store.Approvals().GetApproval(ctx, approvalID)
	if errors.Is(err, outbound.ErrNotFound) {
		return approval.NotFound, nil
	}
	if err != nil {
		return approval.NotFound, err
	}
	if by == nil || by.ID == "" {
		return approval.Unauthorized, nil
	}

	h, ok := s.handle(rec.RunID)
	if !ok {
		return approval.NotFound, nil
	}
	if by.IsAdmin() && by.WorkspaceID == rec.WorkspaceID {
		h.sess.Approvals.AllowReviewer(by.ID)
	}

	d.ReviewerID = by.ID
	outcome := h.sess.Approvals.Resolve(rec.CallID, by.ID, d)
	if outcome != approval.Resolved {
		return outcome, nil
	}

	now := time.Now().UTC()
	rec.Status = approval.RecordDenied
	if d.Approved {
		rec.Status = approval.RecordApproved
	}
	rec.Reason = d.Reason
	rec.ReviewerID = by.ID
	rec.UpdatedAt = now
	rec.ResolvedAt = &now
	if err := s.store.Approvals().PutApproval(ctx, rec); err != nil {
		s.logger.Warn("approval record update failed", "approval_id", rec.ID, "error", err)
	}

	s.metrics.ApprovalsResolved.WithLabelValues(string(rec.Status)).Inc()
	s.metrics.ApprovalLatency.Observe(now.Sub(rec.CreatedAt).Seconds())
	s.logger.Info("approval resolved",
		"approval_id", rec.ID,
		"run_id", rec.RunID,
		"decision", rec.Status,
		"reviewer_id", by.ID,
	)
	return approval.Resolved, nil
}

// MarkRunning returns an awaiting_approval run to running after a decision.
func (s *RunService) MarkRunning(runID string) {
	h, ok := s.handle(runID)
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if run.CanTransition(h.rec.Status, run.StatusRunning) && h.rec.Status == run.StatusAwaitingApproval {
		h.rec.Status = run.StatusRunning
		h.rec.UpdatedAt = time.Now().UTC()
		s.persistLocked(h)
	}
	s.metrics.ApprovalsPending.Dec()
}

// executeRun drives one run from queued to terminal.
func (s *RunService) executeRun(h *runHandle) {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	h.mu.Lock()
	rec := h.rec
	if rec.Status.IsTerminal() {
		// Canceled while queued.
		h.mu.Unlock()
		return
	}
	deadline := rec.Deadline()
	now := time.Now().UTC()
	rec.Status = run.StatusRunning
	rec.StartedAt = &now
	rec.UpdatedAt = now
	s.persistLocked(h)
	h.mu.Unlock()

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	h.sess.Cancel = cancel

	ctx, span := s.tracer.Start(ctx, "run.execute", trace.WithAttributes(
		attribute.String("run.id", rec.ID),
		attribute.String("run.runtime", string(rec.RuntimeKind)),
	))
	defer span.End()

	// When the deadline lands while a call is parked on an approval, the
	// coordinator must release it as denied or the runtime never returns.
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			if errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
				h.sess.Approvals.Close("run_timeout")
			}
		case <-watchdogDone:
		}
	}()

	token, err := s.tokens.Mint(ctx, rec.ID, rec.WorkspaceID, rec.ActorID, deadline)
	if err != nil {
		s.logger.Error("callback token mint failed", "run_id", rec.ID, "error", err)
		s.finish(h, run.StatusFailed, nil, wire.ErrInternal+": callback token", "")
		return
	}

	execReq := outbound.ExecRequest{
		RunID:         rec.ID,
		Code:          rec.Code,
		Timeout:       time.Until(deadline),
		CallbackURL:   s.cfg.CallbackBaseURL + "/v1/runtime/tool-call",
		CallbackToken: token,
		Invoke: func(callCtx context.Context, callID, toolPath string, input map[string]any) wire.Envelope {
			return s.invoker.HandleToolCall(callCtx, wire.ToolCallRequest{
				RunID:    rec.ID,
				CallID:   callID,
				ToolPath: toolPath,
				Input:    input,
			}, true)
		},
	}

	res, err := s.dispatcher.Dispatch(ctx, rec.RuntimeKind, execReq)
	if err != nil {
		s.logger.Error("runtime dispatch failed", "run_id", rec.ID, "error", err)
		s.finish(h, run.StatusFailed, nil, wire.ErrInternal+": "+err.Error(), "")
		return
	}

	h.mu.Lock()
	if h.rec.Status.IsTerminal() {
		// Cancel or the deadline already closed the run while the runtime
		// was unwinding. The terminal event must stay last in the log.
		h.mu.Unlock()
		return
	}
	h.rec.CodeRuns++
	index := h.rec.CodeRuns - 1
	s.appendEventLocked(h, run.Event{
		Type:       run.EventCodeRun,
		Index:      index,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		DurationMs: res.DurationMs,
	})
	s.persistLocked(h)
	h.mu.Unlock()

	switch res.Status {
	case outbound.ExecCompleted:
		s.finish(h, run.StatusCompleted, res.Value, "", "")
	case outbound.ExecTimedOut:
		s.finish(h, run.StatusTimedOut, nil, wire.ErrTimeout, "")
	case outbound.ExecDenied:
		// An uncaught denial is a script failure carrying the denial text.
		// The denied status is reserved for cancellation.
		s.finish(h, run.StatusFailed, nil, res.Error, "")
	default:
		s.finish(h, run.StatusFailed, nil, res.Error, "")
	}
}

// finish performs the single terminal transition for a run. The first
// caller wins; later callers observe the terminal state and return.
func (s *RunService) finish(h *runHandle, status run.Status, value any, errMsg, reason string) {
	h.mu.Lock()
	if h.rec.Status.IsTerminal() {
		h.mu.Unlock()
		return
	}
	rec := h.rec
	now := time.Now().UTC()
	rec.Status = status
	rec.CompletedAt = &now
	rec.UpdatedAt = now
	rec.Error = errMsg
	if value != nil {
		if data, err := json.Marshal(value); err == nil {
			rec.Value = data
		}
	}

	ev := run.Event{Type: run.EventType(status)}
	switch status {
	case run.StatusCompleted:
		ev.Value = value
		ev.CodeRuns = rec.CodeRuns
	case run.StatusFailed:
		ev.Error = errMsg
	case run.StatusDenied:
		ev.Reason = reason
	}
	s.appendEventLocked(h, ev)
	s.persistLocked(h)
	h.mu.Unlock()

	// Cut the runtime deadline and flush any parked approvals.
	if h.sess.Cancel != nil {
		h.sess.Cancel()
	}
	closeReason := reason
	if closeReason == "" {
		closeReason = string(status)
	}
	h.sess.Approvals.Close(closeReason)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tokens.RevokeForRun(ctx, rec.ID); err != nil {
		s.logger.Warn("callback token revocation failed", "run_id", rec.ID, "error", err)
	}

	s.metrics.RunsActive.Dec()
	s.metrics.RunsTerminal.WithLabelValues(string(status)).Inc()
	s.metrics.RunDuration.Observe(now.Sub(rec.CreatedAt).Seconds())
	s.logger.Info("run terminal",
		"run_id", rec.ID,
		"status", status,
		"duration_ms", now.Sub(rec.CreatedAt).Milliseconds(),
	)

	go s.retireSession(h)
}

// retireSession destroys the session once the terminal event has been
// drained by at least one consumer, or the drain grace elapses.
func (s *RunService) retireSession(h *runHandle) {
	timer := time.NewTimer(s.cfg.DrainGrace)
	defer timer.Stop()
	select {
	case <-h.sess.Drained():
	case <-timer.C:
	}

	h.sess.CloseSession()
	s.mu.Lock()
	delete(s.handles, h.sess.RunID)
	s.mu.Unlock()
}

// StartSweeper deletes terminal run records past the retention TTL.
// Persisted events are kept. Blocks until ctx is canceled.
func (s *RunService) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-s.cfg.RetentionTTL)
			expired, err := s.store.Runs().ListTerminalBefore(ctx, cutoff)
			if err != nil {
				s.logger.Warn("retention sweep failed", "error", err)
				continue
			}
			for _, rec := range expired {
				if err := s.store.Runs().DeleteRun(ctx, rec.ID); err != nil {
					s.logger.Warn("retention delete failed", "run_id", rec.ID, "error", err)
				}
			}
			if len(expired) > 0 {
				s.logger.Info("retention sweep", "deleted", len(expired))
			}
		}
	}
}

// handle fetches the live handle for a run.
func (s *RunService) handle(id string) (*runHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[id]
	return h, ok
}

// appendEventLocked buffers the event on the session and persists it. The
// handle mutex must be held.
func (s *RunService) appendEventLocked(h *runHandle, ev run.Event) {
	appended := h.sess.Append(ev)
	h.rec.EventSeq = appended.Seq

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.RunEvents().AppendEvent(ctx, appended); err != nil {
		s.logger.Warn("event persistence failed", "run_id", h.rec.ID, "seq", appended.Seq, "error", err)
	}
}

// persistLocked writes the run record. The handle mutex must be held.
func (s *RunService) persistLocked(h *runHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Runs().UpdateRun(ctx, h.rec); err != nil {
		s.logger.Warn("run persistence failed", "run_id", h.rec.ID, "error", err)
	}
}

// snapshotRun copies a record so callers cannot mutate owned state.
func snapshotRun(rec *run.Run) *run.Run {
	cp := *rec
	return &cp
}
