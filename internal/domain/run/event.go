package run

import "time"

// EventType discriminates run events. It is serialized as the "status"
// field on the wire.
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

// ApprovalInfo is the redacted approval context carried on an
// awaiting_approval event so external UIs can render a prompt.
type ApprovalInfo struct {
	CallID       string `json:"callId"`
	ToolPath     string `json:"toolPath"`
	Title        string `json:"title,omitempty"`
	Details      string `json:"details,omitempty"`
	Link         string `json:"link,omitempty"`
	InputPreview string `json:"inputPreview,omitempty"`
	CodeSnippet  string `json:"codeSnippet,omitempty"`
}

// Event is one entry on a run's totally ordered event stream. Only the
// fields relevant to the event type are populated.
type Event struct {
	// Seq is the per-run monotonic sequence number.
	Seq   uint64    `json:"seq"`
	RunID string    `json:"runId"`
	Type  EventType `json:"status"`
	At    time.Time `json:"at"`

	// Approval is set on awaiting_approval events.
	Approval *ApprovalInfo `json:"approval,omitempty"`

	// code_run fields.
	Index      int    `json:"index,omitempty"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`

	// Terminal fields.
	Value    any    `json:"value,omitempty"`
	Message  string `json:"message,omitempty"`
	CodeRuns int    `json:"codeRuns,omitempty"`
	Error    string `json:"error,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// Dropped is set on backpressure events: the number of buffered
	// events discarded to relieve the queue.
	Dropped int `json:"dropped,omitempty"`
}
