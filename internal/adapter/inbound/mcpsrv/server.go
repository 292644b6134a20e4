// Package mcpsrv exposes the gateway as an MCP server: a single execute
// tool that submits a run, relays approval prompts to the connected client
// via elicitation, and returns the terminal result.
package mcpsrv

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/RhysSullivan/codegate/internal/domain/actor"
	"github.com/RhysSullivan/codegate/internal/domain/approval"
	"github.com/RhysSullivan/codegate/internal/domain/run"
	"github.com/RhysSullivan/codegate/internal/service"
)

// ClientID is the submitting-surface identifier MCP runs carry, matched by
// client-scoped policy rules.
const ClientID = "mcp"

// Server adapts the run lifecycle to the MCP protocol.
type Server struct {
	runs   *service.RunService
	actor  *actor.Actor
	logger *slog.Logger
}

// NewServer creates the adapter. All runs submitted over MCP execute as the
// given actor.
func NewServer(runs *service.RunService, act *actor.Actor, logger *slog.Logger) *Server {
	return &Server{runs: runs, actor: act, logger: logger}
}

// Build assembles the MCP server with the execute tool registered.
func (s *Server) Build(name, version string) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil)
	mcp.AddTool(srv, &mcp.Tool{
		Name: "execute",
		Description: "Execute a JavaScript snippet against the workspace tool catalog. " +
			"The snippet calls tools.<source>.<tool>(input) and may return a value. " +
			"Calls requiring approval pause the run until you answer the elicitation prompt.",
	}, s.handleExecute)
	return srv
}

// executeInput is the execute tool's argument shape.
type executeInput struct {
	Code        string `json:"code"`
	RuntimeKind string `json:"runtimeKind,omitempty"`
	TimeoutMs   int64  `json:"timeoutMs,omitempty"`
}

// executeOutput is the execute tool's structured result.
type executeOutput struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
	Value  any    `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
}

func (s *Server) handleExecute(ctx context.Context, req *mcp.CallToolRequest, input executeInput) (*mcp.CallToolResult, *executeOutput, error) {
	if input.Code == "" {
		return nil, nil, fmt.Errorf("code is required")
	}

	rec, err := s.runs.Submit(ctx, service.SubmitRequest{
		WorkspaceID: s.actor.WorkspaceID,
		Actor:       s.actor,
		ClientID:    ClientID,
		Code:        input.Code,
		RuntimeKind: run.Kind(input.RuntimeKind),
		TimeoutMs:   input.TimeoutMs,
	})
	if err != nil {
		return nil, nil, err
	}

	out := &executeOutput{RunID: rec.ID}

	var seq uint64
	for {
		ev, err := s.runs.WaitForNext(ctx, rec.ID, seq)
		if err != nil {
			return nil, nil, fmt.Errorf("run %s: event stream ended: %w", rec.ID, err)
		}
		seq = ev.Seq

		switch ev.Type {
		case run.EventAwaitingApproval:
			if ev.Approval != nil {
				s.elicitApproval(ctx, req.Session, rec.ID, ev.Approval)
			}
		case run.EventCodeRun:
			out.Stdout = ev.Stdout
			out.Stderr = ev.Stderr
		case run.EventCompleted:
			out.Status = string(run.StatusCompleted)
			out.Value = ev.Value
			return nil, out, nil
		case run.EventFailed, run.EventTimedOut, run.EventDenied:
			out.Status = string(ev.Type)
			out.Error = ev.Error
			if out.Error == "" {
				out.Error = ev.Reason
			}
			result := &mcp.CallToolResult{IsError: true}
			return result, out, nil
		}
	}
}

// elicitApproval relays one approval prompt to the connected client and
// routes the answer into the coordinator. Elicitation failures leave the
// approval pending; the run deadline still bounds the wait.
func (s *Server) elicitApproval(ctx context.Context, session *mcp.ServerSession, runID string, info *run.ApprovalInfo) {
	msg := approvalMessage(info)
	res, err := session.Elicit(ctx, &mcp.ElicitParams{Message: msg})
	if err != nil {
		s.logger.Warn("approval elicitation failed", "run_id", runID, "call_id", info.CallID, "error", err)
		return
	}

	decision := approval.Decision{ReviewerID: s.actor.ID}
	switch res.Action {
	case "accept":
		decision.Approved = true
		if v, ok := res.Content["decision"].(string); ok && strings.EqualFold(v, "deny") {
			decision.Approved = false
		}
		if v, ok := res.Content["reason"].(string); ok {
			decision.Reason = v
		}
	default:
		decision.Approved = false
		decision.Reason = "declined by reviewer"
	}

	if _, err := s.runs.ResolveApproval(ctx, info.CallID, s.actor, decision); err != nil {
		s.logger.Warn("approval resolution failed", "run_id", runID, "call_id", info.CallID, "error", err)
	}
}

// approvalMessage renders the elicitation prompt text.
func approvalMessage(info *run.ApprovalInfo) string {
	var b strings.Builder
	b.WriteString("Approval required: ")
	b.WriteString(info.ToolPath)
	if info.Title != "" {
		b.WriteString(" — ")
		b.WriteString(info.Title)
	}
	if info.InputPreview != "" {
		b.WriteString("\nInput: ")
		b.WriteString(info.InputPreview)
	}
	if info.Details != "" {
		b.WriteString("\n")
		b.WriteString(info.Details)
	}
	if info.CodeSnippet != "" {
		b.WriteString("\nCode:\n")
		b.WriteString(info.CodeSnippet)
	}
	b.WriteString("\nReply accept to approve, decline to deny.")
	return b.String()
}
