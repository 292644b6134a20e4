package outbound

import (
	"context"
	"time"

	"github.com/RhysSullivan/codegate/pkg/wire"
)

// Execution statuses shared by all runtime adapters.
const (
	ExecCompleted = "completed"
	ExecFailed    = "failed"
	ExecTimedOut  = "timed_out"
	ExecDenied    = "denied"
)

// ToolInvoker is the callback a runtime adapter uses to mediate a tools.*
// call. It blocks until the call resolves (including through approval) and
// returns the standard envelope.
type ToolInvoker func(ctx context.Context, callID, toolPath string, input map[string]any) wire.Envelope

// ExecRequest carries one snippet into a runtime adapter.
type ExecRequest struct {
	RunID   string
	Code    string
	Timeout time.Duration

	// Invoke mediates tools.* calls for in-process and subprocess
	// adapters.
	Invoke ToolInvoker

	// CallbackURL and CallbackToken let remote workers reach the gateway's
	// tool-call endpoint. Unused by local adapters.
	CallbackURL   string
	CallbackToken string
}

// ExecResult is the uniform execution outcome every adapter produces.
type ExecResult struct {
	Status     string `json:"status"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Value      any    `json:"value,omitempty"`
	Error      string `json:"error,omitempty"`
	ExitCode   int    `json:"exitCode,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// RuntimeAdapter executes user code on one backend. Execute returns an
// ExecResult even for script failures; an error return means the adapter
// itself could not run the snippet.
type RuntimeAdapter interface {
	Kind() string
	IsAvailable() bool
	Execute(ctx context.Context, req ExecRequest) (*ExecResult, error)
}
