// Package wire defines the JSON contracts shared by the runtime callback
// endpoint, the runtime adapters, and the subprocess host protocol.
package wire

import "encoding/json"

// Envelope is the result shape returned for every mediated tool call.
// Exactly one of the four forms is produced:
//
//	{"ok":true,"value":...}
//	{"ok":false,"kind":"pending","approvalId":"...","retryAfterMs":1500}
//	{"ok":false,"kind":"denied","error":"..."}
//	{"ok":false,"kind":"failed","error":"..."}
type Envelope struct {
	OK           bool   `json:"ok"`
	Value        any    `json:"value,omitempty"`
	Kind         string `json:"kind,omitempty"`
	Error        string `json:"error,omitempty"`
	ApprovalID   string `json:"approvalId,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// Envelope kinds for the ok=false forms.
const (
	KindPending = "pending"
	KindDenied  = "denied"
	KindFailed  = "failed"
)

// Error kinds carried in envelope error strings and run failure reasons.
// Stable identifiers: user code and clients match on these.
const (
	ErrValidation        = "validation_error"
	ErrUnauthorized      = "unauthorized"
	ErrNotFound          = "not_found"
	ErrPolicyDenied      = "policy_denied"
	ErrApprovalDenied    = "approval_denied"
	ErrAuthMissing       = "auth_missing"
	ErrInvocationInvalid = "invocation_invalid"
	ErrProviderError     = "provider_error"
	ErrRuntimeError      = "runtime_error"
	ErrTimeout           = "timeout"
	ErrInternal          = "internal"
)

// DeniedPrefix is the stable marker prepended to denial errors thrown into
// user code. Runtime adapters match on this prefix to distinguish a mediated
// denial from an ordinary script error.
const DeniedPrefix = "CODEGATE_DENIED:"

// Ok builds the success envelope.
func Ok(value any) Envelope {
	return Envelope{OK: true, Value: value}
}

// Pending builds the envelope returned while a call is parked on an approval.
// The caller is expected to retry the same callId after retryAfterMs.
func Pending(approvalID string, retryAfterMs int64) Envelope {
	return Envelope{OK: false, Kind: KindPending, ApprovalID: approvalID, RetryAfterMs: retryAfterMs}
}

// Denied builds the envelope for a policy or approval denial.
func Denied(msg string) Envelope {
	return Envelope{OK: false, Kind: KindDenied, Error: msg}
}

// Failed builds the envelope for a non-denial failure (missing credentials,
// provider errors, invalid invocations).
func Failed(msg string) Envelope {
	return Envelope{OK: false, Kind: KindFailed, Error: msg}
}

// IsTerminal reports whether the envelope is a final answer for its callId.
// Pending envelopes are not terminal: the same callId will be retried.
func (e Envelope) IsTerminal() bool {
	return e.OK || e.Kind != KindPending
}

// ThrowMessage returns the error text a runtime adapter should throw into
// user code for a non-ok envelope. Denials carry DeniedPrefix so adapters
// and user code can recognize them.
func (e Envelope) ThrowMessage() string {
	if e.Kind == KindDenied {
		return DeniedPrefix + " " + e.Error
	}
	return e.Error
}

// Encode serializes the envelope. Map values are marshaled with sorted keys,
// so encoding the same envelope twice yields identical bytes.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses an envelope from its wire form.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// ToolCallRequest is the body of POST /v1/runtime/tool-call. Remote workers
// and the subprocess host send one per mediated call.
type ToolCallRequest struct {
	RunID    string         `json:"runId"`
	CallID   string         `json:"callId"`
	ToolPath string         `json:"toolPath"`
	Input    map[string]any `json:"input,omitempty"`
}
