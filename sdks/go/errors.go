package codegate

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrNotFound is returned when the requested run or approval does not
	// exist (or is hidden from the caller's workspace).
	ErrNotFound = errors.New("not found")

	// ErrRunDenied is returned by WaitForTerminal when the run ends denied.
	ErrRunDenied = errors.New("run denied")

	// ErrRunTimedOut is returned by WaitForTerminal when the run exceeds
	// its deadline.
	ErrRunTimedOut = errors.New("run timed out")

	// ErrServerUnreachable is returned when the codegate server cannot be
	// contacted.
	ErrServerUnreachable = errors.New("server unreachable")
)

// APIError is a non-2xx response from the gateway, decoded from the
// standard {"error":{"kind":...,"message":...}} shape.
type APIError struct {
	// StatusCode is the HTTP status of the response.
	StatusCode int
	// Kind is the machine-readable error kind ("not_found",
	// "unauthorized", "validation_error", "internal").
	Kind string
	// Message is the human-readable detail.
	Message string
}

// Error returns the error message.
func (e *APIError) Error() string {
	return fmt.Sprintf("codegate: %s (%d): %s", e.Kind, e.StatusCode, e.Message)
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrNotFound).
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Kind == "not_found"
}

// RunDeniedError is returned by WaitForTerminal when a run ends in the
// denied state, which a cancellation produces. Policy and approval
// denials the snippet leaves uncaught end the run failed instead.
type RunDeniedError struct {
	// RunID identifies the denied run.
	RunID string
	// Reason is the one-line terminal reason recorded on the run.
	Reason string
}

// Error returns a human-readable description of the denial.
func (e *RunDeniedError) Error() string {
	return fmt.Sprintf("run %s denied: %s", e.RunID, e.Reason)
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrRunDenied).
func (e *RunDeniedError) Is(target error) bool {
	return target == ErrRunDenied
}

// RunTimedOutError is returned by WaitForTerminal when a run exceeds its
// deadline.
type RunTimedOutError struct {
	// RunID identifies the timed-out run.
	RunID string
}

// Error returns a human-readable description of the timeout.
func (e *RunTimedOutError) Error() string {
	return fmt.Sprintf("run %s timed out", e.RunID)
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrRunTimedOut).
func (e *RunTimedOutError) Is(target error) bool {
	return target == ErrRunTimedOut
}

// ServerUnreachableError is returned when the codegate server cannot be
// contacted.
type ServerUnreachableError struct {
	// Cause is the underlying transport error.
	Cause error
}

// Error returns a human-readable description of the transport failure.
func (e *ServerUnreachableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("server unreachable: %v", e.Cause)
	}
	return "server unreachable"
}

// Unwrap returns the underlying error cause.
func (e *ServerUnreachableError) Unwrap() error {
	return e.Cause
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrServerUnreachable).
func (e *ServerUnreachableError) Is(target error) bool {
	return target == ErrServerUnreachable
}
