package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/RhysSullivan/codegate/internal/domain/approval"
	"github.com/RhysSullivan/codegate/internal/domain/audit"
	"github.com/RhysSullivan/codegate/internal/domain/policy"
	"github.com/RhysSullivan/codegate/internal/domain/run"
	"github.com/RhysSullivan/codegate/internal/domain/sanitize"
	"github.com/RhysSullivan/codegate/internal/domain/tool"
	"github.com/RhysSullivan/codegate/internal/port/outbound"
	"github.com/RhysSullivan/codegate/internal/telemetry"
	"github.com/RhysSullivan/codegate/pkg/wire"
)

// ReceiptJournal receives one sealed record per mediated call.
type ReceiptJournal interface {
	Append(rec audit.Record) error
}

// InvocationConfig tunes the mediation pipeline.
type InvocationConfig struct {
	// PendingWait is how long a non-blocking callback lingers hoping the
	// call finishes before answering with a pending envelope.
	PendingWait time.Duration
	// RetryAfterMs is the retry hint on pending envelopes.
	RetryAfterMs int64
	// PreviewMaxChars caps the input preview on approval prompts.
	PreviewMaxChars int
	// SnippetMaxChars caps the code snippet on approval prompts.
	SnippetMaxChars int
	// ProviderTimeout bounds one provider invocation.
	ProviderTimeout time.Duration
}

func (c *InvocationConfig) applyDefaults() {
	if c.PendingWait <= 0 {
		c.PendingWait = 2 * time.Second
	}
	if c.RetryAfterMs <= 0 {
		c.RetryAfterMs = 1500
	}
	if c.PreviewMaxChars <= 0 {
		c.PreviewMaxChars = 256
	}
	if c.SnippetMaxChars <= 0 {
		c.SnippetMaxChars = 512
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 30 * time.Second
	}
}

// InvocationService mediates every tools.* call: descriptor lookup, input
// validation, policy, approval, credential resolution, provider dispatch,
// and receipt recording. Every call yields exactly one terminal envelope
// per call id; retries replay the recorded bytes.
type InvocationService struct {
	cfg       InvocationConfig
	runs      *RunService
	policies  policy.Engine
	creds     *CredentialService
	providers outbound.Provider
	store     outbound.StateStore
	journal   ReceiptJournal
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger

	schemas sync.Map // schema text -> *jsonschema.Schema
}

// NewInvocationService creates the pipeline. providers is the kind-dispatch
// registry; journal may be nil to disable receipt journaling.
func NewInvocationService(
	cfg InvocationConfig,
	runs *RunService,
	policies policy.Engine,
	creds *CredentialService,
	providers outbound.Provider,
	store outbound.StateStore,
	journal ReceiptJournal,
	metrics *telemetry.Metrics,
	tracer trace.Tracer,
	logger *slog.Logger,
) *InvocationService {
	cfg.applyDefaults()
	return &InvocationService{
		cfg:       cfg,
		runs:      runs,
		policies:  policies,
		creds:     creds,
		providers: providers,
		store:     store,
		journal:   journal,
		metrics:   metrics,
		tracer:    tracer,
		logger:    logger,
	}
}

var _ ToolCallHandler = (*InvocationService)(nil)

// HandleToolCall resolves one mediated call. In blocking mode (in-process
// and subprocess runtimes) it returns only terminal envelopes, parking as
// long as an approval takes. In non-blocking mode (the HTTP callback) it
// waits PendingWait, then answers pending; the caller retries the same call
// id and eventually replays the terminal envelope.
func (s *InvocationService) HandleToolCall(ctx context.Context, req wire.ToolCallRequest, block bool) wire.Envelope {
	rec, sess, ok := s.runs.Describe(req.RunID)
	if !ok || rec.Status.IsTerminal() {
		return wire.Failed(wire.ErrNotFound + ": run is not active")
	}
	if req.CallID == "" || req.ToolPath == "" {
		return wire.Failed(wire.ErrValidation + ": callId and toolPath are required")
	}

	cs, first := sess.BeginCall(req.CallID)
	if first {
		start := time.Now()
		if block {
			env, reviewed := s.execute(ctx, rec, sess, req)
			s.record(rec, sess, req, env, reviewed, start)
			return env
		}
		// The callback request must not carry the call's lifetime: the
		// pipeline runs against the run deadline and survives the HTTP
		// request that started it.
		go func() {
			callCtx, cancel := context.WithDeadline(context.Background(), rec.Deadline())
			defer cancel()
			env, reviewed := s.execute(callCtx, rec, sess, req)
			s.record(rec, sess, req, env, reviewed, start)
		}()
	}

	if block {
		select {
		case <-cs.Done():
			return s.replay(cs)
		case <-ctx.Done():
			return wire.Failed(wire.ErrTimeout + ": call abandoned")
		}
	}

	wait := time.NewTimer(s.cfg.PendingWait)
	defer wait.Stop()
	select {
	case <-cs.Done():
		return s.replay(cs)
	case <-wait.C:
	case <-ctx.Done():
	}
	return wire.Pending(req.CallID, s.cfg.RetryAfterMs)
}

// replay decodes the recorded envelope for a finished call.
func (s *InvocationService) replay(cs *run.CallState) wire.Envelope {
	receipt := cs.Receipt()
	if receipt == nil {
		return wire.Failed(wire.ErrInternal + ": call finished without a receipt")
	}
	env, err := wire.DecodeEnvelope(receipt.Envelope)
	if err != nil {
		return wire.Failed(wire.ErrInternal + ": corrupt receipt")
	}
	return env
}

// execute runs the mediation pipeline for the first claimant of a call id.
// reviewed reports whether a human approval gated the call.
func (s *InvocationService) execute(ctx context.Context, rec *run.Run, sess *run.Session, req wire.ToolCallRequest) (env wire.Envelope, reviewed bool) {
	ctx, span := s.tracer.Start(ctx, "tool.invoke", trace.WithAttributes(
		attribute.String("run.id", rec.ID),
		attribute.String("tool.path", req.ToolPath),
	))
	defer span.End()

	desc, ok := sess.Snapshot.Lookup(req.ToolPath)
	if !ok {
		return wire.Failed(wire.ErrNotFound + ": unknown tool " + req.ToolPath), false
	}

	if err := s.validateInput(desc, req.Input); err != nil {
		return wire.Failed(wire.ErrValidation + ": " + err.Error()), false
	}

	decision, err := s.policies.Evaluate(ctx, policy.Query{
		WorkspaceID:    rec.WorkspaceID,
		ActorID:        rec.ActorID,
		ClientID:       rec.ClientID,
		ToolPath:       req.ToolPath,
		Args:           req.Input,
		DefaultOutcome: defaultOutcome(desc),
	})
	if err != nil {
		s.logger.Error("policy evaluation failed", "run_id", rec.ID, "tool", req.ToolPath, "error", err)
		return wire.Failed(wire.ErrInternal + ": policy evaluation"), false
	}

	switch decision.Outcome {
	case policy.OutcomeDeny:
		return wire.Denied(denialMessage(wire.ErrPolicyDenied, decision.Reason)), false
	case policy.OutcomeRequireApproval:
		reviewed = true
		approved, reason, err := s.awaitApproval(ctx, rec, sess, req, desc)
		if err != nil {
			return wire.Failed(wire.ErrTimeout + ": approval wait aborted"), reviewed
		}
		if !approved {
			return wire.Denied(denialMessage(wire.ErrApprovalDenied, reason)), reviewed
		}
	}

	headers, err := s.creds.Resolve(ctx, rec.WorkspaceID, rec.ActorID, desc)
	if err != nil {
		if errors.Is(err, ErrAuthMissing) {
			return wire.Failed(err.Error()), reviewed
		}
		s.logger.Error("credential resolution failed", "run_id", rec.ID, "tool", req.ToolPath, "error", err)
		return wire.Failed(wire.ErrInternal + ": credential resolution"), reviewed
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer cancel()
	result, err := s.providers.Invoke(callCtx, desc, req.Input, outbound.InvokeContext{
		WorkspaceID: rec.WorkspaceID,
		ActorID:     rec.ActorID,
		RunID:       rec.ID,
		CallID:      req.CallID,
		Headers:     headers,
	})
	if err != nil {
		s.metrics.ProviderErrors.WithLabelValues(string(desc.Provider)).Inc()
		var ie *outbound.InvokeError
		if errors.As(err, &ie) {
			return wire.Failed(ie.Kind + ": " + ie.Msg), reviewed
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return wire.Failed(wire.ErrTimeout + ": provider call timed out"), reviewed
		}
		return wire.Failed(wire.ErrProviderError + ": " + err.Error()), reviewed
	}

	if result.IsError {
		// Provider-level failures are values: user code decides what a
		// 404 or an MCP error means.
		return wire.Ok(map[string]any{
			"isError": true,
			"status":  result.Status,
			"body":    result.Body,
		}), reviewed
	}
	return wire.Ok(result.Body), reviewed
}

// awaitApproval parks the call on the run's approval slot and blocks for a
// decision. Returns the decision, or an error when ctx died while parked.
func (s *InvocationService) awaitApproval(ctx context.Context, rec *run.Run, sess *run.Session, req wire.ToolCallRequest, desc *tool.Descriptor) (approved bool, reason string, err error) {
	areq := approval.NewRequest(rec.ID, req.CallID, req.ToolPath, rec.ActorID)
	areq.InputPreview = sanitize.Preview(req.Input, desc.PreviewKeys, s.cfg.PreviewMaxChars)
	areq.CodeSnippet = sanitize.Truncate(rec.Code, s.cfg.SnippetMaxChars)
	if desc.Annotations != nil {
		areq.Title = desc.Annotations.Title
		areq.Details = desc.Annotations.Details
		areq.Link = desc.Annotations.Link
	}
	if areq.Title == "" {
		areq.Title = desc.Path
	}

	immediate, err := sess.Approvals.Park(ctx, areq)
	if err != nil {
		return false, "", err
	}
	if immediate != nil {
		return immediate.Approved, immediate.Reason, nil
	}

	if perr := s.store.Approvals().PutApproval(ctx, approval.RecordFromRequest(areq, rec.WorkspaceID)); perr != nil {
		s.logger.Warn("approval record persistence failed", "approval_id", areq.ID, "error", perr)
	}
	s.runs.MarkAwaitingApproval(rec.ID, run.ApprovalInfo{
		CallID:       areq.CallID,
		ToolPath:     areq.ToolPath,
		Title:        areq.Title,
		Details:      areq.Details,
		Link:         areq.Link,
		InputPreview: areq.InputPreview,
		CodeSnippet:  areq.CodeSnippet,
	})
	s.logger.Info("approval requested",
		"run_id", rec.ID,
		"approval_id", areq.ID,
		"tool", areq.ToolPath,
	)

	d, err := sess.Approvals.Await(ctx, areq)
	s.runs.MarkRunning(rec.ID)
	if err != nil {
		s.resolveRecordOnAbort(areq.ID)
		return false, "", err
	}
	if d.ReviewerID == "" {
		// Coordinator close (cancellation or deadline), not a reviewer
		// decision: the persisted record must not stay pending.
		s.resolveRecordOnAbort(areq.ID)
	}
	return d.Approved, d.Reason, nil
}

// resolveRecordOnAbort closes out the persisted record for an approval that
// died with its run instead of a reviewer decision.
func (s *InvocationService) resolveRecordOnAbort(approvalID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := s.store.Approvals().GetApproval(ctx, approvalID)
	if err != nil || rec.Status != approval.RecordPending {
		return
	}
	now := time.Now().UTC()
	rec.Status = approval.RecordDenied
	rec.Reason = "run ended before decision"
	rec.UpdatedAt = now
	rec.ResolvedAt = &now
	if err := s.store.Approvals().PutApproval(ctx, rec); err != nil {
		s.logger.Warn("approval abort persistence failed", "approval_id", approvalID, "error", err)
	}
}

// record seals the call: receipt on the session for replay, journal entry,
// metrics, and structured log line.
func (s *InvocationService) record(rec *run.Run, sess *run.Session, req wire.ToolCallRequest, env wire.Envelope, reviewed bool, start time.Time) {
	data, err := env.Encode()
	if err != nil {
		data = []byte(`{"ok":false,"kind":"failed","error":"internal: encode"}`)
	}

	now := time.Now().UTC()
	receipt := &run.Receipt{
		CallID:     req.CallID,
		ToolPath:   req.ToolPath,
		Decision:   envelopeDecision(env, reviewed),
		DurationMs: now.Sub(start).Milliseconds(),
		At:         now,
		Envelope:   data,
	}
	sess.FinishCall(req.CallID, receipt)

	if s.journal != nil {
		if jerr := s.journal.Append(audit.Record{
			Timestamp:   now,
			WorkspaceID: rec.WorkspaceID,
			RunID:       rec.ID,
			CallID:      req.CallID,
			ToolPath:    req.ToolPath,
			ActorID:     rec.ActorID,
			Decision:    receipt.Decision,
			DurationMs:  receipt.DurationMs,
			Error:       env.Error,
		}); jerr != nil {
			s.logger.Warn("receipt journal append failed", "call_id", req.CallID, "error", jerr)
		}
	}

	s.metrics.ToolCalls.WithLabelValues(receipt.Decision).Inc()
	s.metrics.ToolCallDuration.Observe(now.Sub(start).Seconds())
	s.logger.Info("tool call resolved",
		"run_id", rec.ID,
		"call_id", req.CallID,
		"tool", req.ToolPath,
		"decision", receipt.Decision,
	)
}

// validateInput checks arguments against the descriptor's input schema.
// Descriptors without a schema accept anything.
func (s *InvocationService) validateInput(desc *tool.Descriptor, input map[string]any) error {
	if len(desc.Input) == 0 {
		return nil
	}
	schema, err := s.compileSchema(desc.Input)
	if err != nil {
		return fmt.Errorf("tool %q carries an invalid input schema", desc.Path)
	}

	// Round-trip through JSON so numbers and nested values take the shapes
	// the validator expects.
	payload, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("arguments are not JSON-encodable")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON")
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("arguments do not match the tool's input schema: %v", err)
	}
	return nil
}

// compileSchema compiles and caches a schema keyed by its exact text.
func (s *InvocationService) compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	key := string(raw)
	if cached, ok := s.schemas.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("input.schema.json", doc); err != nil {
		return nil, err
	}
	compiled, err := c.Compile("input.schema.json")
	if err != nil {
		return nil, err
	}
	s.schemas.Store(key, compiled)
	return compiled, nil
}

// envelopeDecision classifies an envelope for receipts and the journal.
func envelopeDecision(env wire.Envelope, reviewed bool) string {
	switch {
	case env.OK && reviewed:
		return audit.DecisionApproved
	case env.OK:
		return audit.DecisionAllow
	case env.Kind == wire.KindDenied:
		return audit.DecisionDenied
	default:
		return audit.DecisionFailed
	}
}

// denialMessage joins the stable error kind with the human reason.
func denialMessage(kind, reason string) string {
	if reason == "" {
		return kind
	}
	return kind + ": " + reason
}
