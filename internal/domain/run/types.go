// Package run contains the domain model for runs: one submission of user
// code with a bounded deadline, yielding a single terminal outcome. The run
// lifecycle service is the only writer of run state; everything else reads.
package run

import (
	"encoding/json"
	"time"
)

// Status is a run's position in the lifecycle state machine.
type Status string

const (
	StatusQueued           Status = "queued"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusTimedOut         Status = "timed_out"
	StatusDenied           Status = "denied"
)

// IsTerminal returns true if the status is one of the four terminal states.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusDenied:
		return true
	default:
		return false
	}
}

// IsValid returns true if the status is known.
func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusAwaitingApproval,
		StatusCompleted, StatusFailed, StatusTimedOut, StatusDenied:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the state machine permits moving from one
// status to another. Terminal states have no outgoing edges; a status never
// transitions to itself.
func CanTransition(from, to Status) bool {
	if from == to || from.IsTerminal() {
		return false
	}
	switch from {
	case StatusQueued:
		// A queued run can be canceled (denied) or fail before starting.
		return to == StatusRunning || to == StatusDenied || to == StatusFailed
	case StatusRunning:
		return to == StatusAwaitingApproval || to.IsTerminal()
	case StatusAwaitingApproval:
		return to == StatusRunning || to.IsTerminal()
	default:
		return false
	}
}

// Kind identifies the runtime backend a run executes on.
type Kind string

const (
	// KindInproc runs the snippet in an embedded JavaScript VM.
	KindInproc Kind = "local-inproc"
	// KindSubprocess hosts the VM in a child Node.js process.
	KindSubprocess Kind = "subprocess"
	// KindRemote ships the snippet to a remote worker host.
	KindRemote Kind = "remote"
)

// IsValid returns true if the runtime kind is known.
func (k Kind) IsValid() bool {
	switch k {
	case KindInproc, KindSubprocess, KindRemote:
		return true
	default:
		return false
	}
}

// Run is the persisted record of one code submission. Mutations flow
// exclusively through the run lifecycle service.
type Run struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	ActorID     string `json:"actorId"`
	// ClientID names the submitting surface ("api", "cli", "mcp").
	ClientID    string `json:"clientId,omitempty"`
	RuntimeKind Kind   `json:"runtimeKind"`
	Code        string `json:"code"`
	TimeoutMs   int64  `json:"timeoutMs"`
	Status      Status `json:"status"`

	// SnapshotVersion pins the tool registry version this run executes
	// against.
	SnapshotVersion string `json:"snapshotVersion,omitempty"`

	// Value is the terminal result for completed runs, JSON-encoded.
	Value json.RawMessage `json:"value,omitempty"`
	// Error is the one-line terminal reason for failed/timed_out/denied runs.
	Error string `json:"error,omitempty"`

	// CodeRuns counts snippet executions (currently always 0 or 1).
	CodeRuns int `json:"codeRuns"`
	// EventSeq is the last event sequence number emitted for this run.
	EventSeq uint64 `json:"eventSeq"`

	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Deadline returns the wall-clock instant the run must be terminal by.
func (r *Run) Deadline() time.Time {
	return r.CreatedAt.Add(time.Duration(r.TimeoutMs) * time.Millisecond)
}

// Receipt records one mediated tool call on a run. Receipts make callback
// retries idempotent: a duplicate callId is answered from the recorded
// envelope without re-invoking the provider.
type Receipt struct {
	CallID     string    `json:"callId"`
	ToolPath   string    `json:"toolPath"`
	Decision   string    `json:"decision"`
	DurationMs int64     `json:"durationMs"`
	At         time.Time `json:"at"`

	// Envelope is the exact response bytes returned for this call.
	// Replays return these bytes verbatim.
	Envelope []byte `json:"-"`
}
