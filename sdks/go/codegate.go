// Package codegate provides a Go SDK for the codegate run API.
//
// codegate is a tool-execution gateway: clients submit JavaScript snippets
// that call tools.* functions, and the gateway mediates every tool call
// through policy, approval, and credential injection before reaching the
// provider. This SDK submits runs, streams their event feeds, and resolves
// approval prompts. It uses only the Go standard library (net/http) with
// zero external dependencies.
//
// Quick start:
//
//	// Set CODEGATE_SERVER_ADDR and CODEGATE_API_KEY env vars, then:
//	client := codegate.NewClient()
//
//	run, err := client.SubmitRun(ctx, codegate.SubmitRunRequest{
//	    Code: `const evs = await tools.calendar.list({max: 1}); return evs[0].title;`,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	run, err = client.WaitForTerminal(ctx, run.ID)
//	if err != nil {
//	    var denied *codegate.RunDeniedError
//	    if errors.As(err, &denied) {
//	        fmt.Printf("denied: %s\n", denied.Reason)
//	    }
//	}
package codegate

import (
	"encoding/json"
	"time"
)

// RunStatus is a run's position in the lifecycle state machine.
type RunStatus string

const (
	RunQueued           RunStatus = "queued"
	RunRunning          RunStatus = "running"
	RunAwaitingApproval RunStatus = "awaiting_approval"
	RunCompleted        RunStatus = "completed"
	RunFailed           RunStatus = "failed"
	RunTimedOut         RunStatus = "timed_out"
	RunDenied           RunStatus = "denied"
)

// IsTerminal reports whether the status is one of the four terminal states.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunTimedOut, RunDenied:
		return true
	default:
		return false
	}
}

// Run is the gateway's record of one code submission.
type Run struct {
	ID              string            `json:"id"`
	WorkspaceID     string            `json:"workspaceId"`
	ActorID         string            `json:"actorId"`
	ClientID        string            `json:"clientId,omitempty"`
	RuntimeKind     string            `json:"runtimeKind"`
	Code            string            `json:"code"`
	TimeoutMs       int64             `json:"timeoutMs"`
	Status          RunStatus         `json:"status"`
	SnapshotVersion string            `json:"snapshotVersion,omitempty"`
	Value           json.RawMessage   `json:"value,omitempty"`
	Error           string            `json:"error,omitempty"`
	CodeRuns        int               `json:"codeRuns"`
	EventSeq        uint64            `json:"eventSeq"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	StartedAt       *time.Time        `json:"startedAt,omitempty"`
	CompletedAt     *time.Time        `json:"completedAt,omitempty"`
}

// SubmitRunRequest is the body of a run submission.
type SubmitRunRequest struct {
	// Code is the JavaScript snippet to execute. Required.
	Code string `json:"code"`
	// WorkspaceID overrides the actor's home workspace.
	WorkspaceID string `json:"workspaceId,omitempty"`
	// RuntimeKind selects the execution backend ("local-inproc",
	// "subprocess", "remote"). Empty uses the server default.
	RuntimeKind string `json:"runtimeKind,omitempty"`
	// TimeoutMs bounds the run. Zero uses the server default.
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
	// ClientID names the submitting surface for audit purposes.
	ClientID string `json:"clientId,omitempty"`
	// Metadata is attached to the run record verbatim.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// EventType discriminates run events.
type EventType string

const (
	EventAwaitingApproval EventType = "awaiting_approval"
	EventCodeRun          EventType = "code_run"
	EventCompleted        EventType = "completed"
	EventFailed           EventType = "failed"
	EventTimedOut         EventType = "timed_out"
	EventDenied           EventType = "denied"
	EventBackpressure     EventType = "backpressure"
)

// IsTerminal reports whether the event announces a terminal run status.
func (t EventType) IsTerminal() bool {
	switch t {
	case EventCompleted, EventFailed, EventTimedOut, EventDenied:
		return true
	default:
		return false
	}
}

// ApprovalInfo is the redacted approval context on an awaiting_approval
// event.
type ApprovalInfo struct {
	CallID       string `json:"callId"`
	ToolPath     string `json:"toolPath"`
	Title        string `json:"title,omitempty"`
	Details      string `json:"details,omitempty"`
	Link         string `json:"link,omitempty"`
	InputPreview string `json:"inputPreview,omitempty"`
	CodeSnippet  string `json:"codeSnippet,omitempty"`
}

// Event is one entry on a run's totally ordered event stream.
type Event struct {
	Seq   uint64    `json:"seq"`
	RunID string    `json:"runId"`
	Type  EventType `json:"status"`
	At    time.Time `json:"at"`

	Approval *ApprovalInfo `json:"approval,omitempty"`

	Index      int    `json:"index,omitempty"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`

	Value    any    `json:"value,omitempty"`
	Message  string `json:"message,omitempty"`
	CodeRuns int    `json:"codeRuns,omitempty"`
	Error    string `json:"error,omitempty"`
	Reason   string `json:"reason,omitempty"`

	Dropped int `json:"dropped,omitempty"`
}

// ApprovalStatus is the lifecycle of an approval record.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// Approval is a persisted approval prompt: created when a tool call parks
// on required approval, resolved by a reviewer or the run's end.
type Approval struct {
	ID           string         `json:"id"`
	WorkspaceID  string         `json:"workspaceId"`
	RunID        string         `json:"runId"`
	CallID       string         `json:"callId"`
	ToolPath     string         `json:"toolPath"`
	RequesterID  string         `json:"requesterId"`
	InputPreview string         `json:"inputPreview,omitempty"`
	Title        string         `json:"title,omitempty"`
	Details      string         `json:"details,omitempty"`
	Link         string         `json:"link,omitempty"`
	CodeSnippet  string         `json:"codeSnippet,omitempty"`
	Status       ApprovalStatus `json:"status"`
	Reason       string         `json:"reason,omitempty"`
	ReviewerID   string         `json:"reviewerId,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	ResolvedAt   *time.Time     `json:"resolvedAt,omitempty"`
}

// Decision is a reviewer's verdict on an approval.
type Decision string

const (
	Approve Decision = "approve"
	Deny    Decision = "deny"
)
