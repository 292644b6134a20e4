package outbound

import (
	"context"
	"fmt"

	"github.com/RhysSullivan/codegate/internal/domain/tool"
)

// InvokeContext carries the per-call identity and header material a
// provider needs. Deadlines and cancellation ride on the context.Context.
type InvokeContext struct {
	WorkspaceID string
	ActorID     string
	RunID       string
	CallID      string
	// Headers is the credential material resolved for this call.
	Headers map[string]string
}

// ProviderResult is the normalized outcome of a provider invocation.
// Provider-level failures (HTTP status >= 400, MCP isError content) are
// still results: IsError marks them, but the body is returned to user code.
type ProviderResult struct {
	// Status is the transport status code when the provider has one
	// (HTTP); zero otherwise.
	Status int `json:"status,omitempty"`
	// Body is the decoded response value.
	Body any `json:"body,omitempty"`
	// IsError marks provider-level failures surfaced as values.
	IsError bool `json:"isError,omitempty"`
}

// InvokeError is a classified provider failure. Kind is one of the stable
// error kinds ("invocation_invalid", "provider_error", "auth_missing").
type InvokeError struct {
	Kind string
	Msg  string
}

func (e *InvokeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// NewInvokeError builds a classified provider failure.
func NewInvokeError(kind, format string, args ...any) *InvokeError {
	return &InvokeError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Provider executes canonical tool calls for one provider kind.
// Implementations must be safe for concurrent use.
type Provider interface {
	Kind() tool.ProviderKind
	Invoke(ctx context.Context, desc *tool.Descriptor, args map[string]any, ic InvokeContext) (*ProviderResult, error)
}
