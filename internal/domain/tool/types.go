// Package tool contains domain types for the typed tool catalog: descriptors,
// immutable registry snapshots, and approval-mode classification.
package tool

import (
	"encoding/json"

	"github.com/RhysSullivan/codegate/internal/domain/credential"
)

// ApprovalMode is a descriptor's default approval requirement. Policy rules
// can override it in either direction.
type ApprovalMode string

const (
	// ApprovalAuto lets calls proceed without a human decision.
	ApprovalAuto ApprovalMode = "auto"

	// ApprovalRequired parks calls until a reviewer decides.
	ApprovalRequired ApprovalMode = "required"
)

// IsValid returns true if the approval mode is known.
func (m ApprovalMode) IsValid() bool {
	return m == ApprovalAuto || m == ApprovalRequired
}

// ProviderKind identifies which provider executes a descriptor's calls.
type ProviderKind string

const (
	ProviderHTTP    ProviderKind = "http"
	ProviderMCP     ProviderKind = "mcp"
	ProviderGraphQL ProviderKind = "graphql"
	ProviderBuiltin ProviderKind = "builtin"
)

// IsValid returns true if the provider kind is known.
func (k ProviderKind) IsValid() bool {
	switch k {
	case ProviderHTTP, ProviderMCP, ProviderGraphQL, ProviderBuiltin:
		return true
	default:
		return false
	}
}

// Annotations carry optional reviewer-facing metadata surfaced on approval
// prompts.
type Annotations struct {
	Title   string `json:"title,omitempty"`
	Details string `json:"details,omitempty"`
	Link    string `json:"link,omitempty"`
}

// Descriptor is one entry in the tool catalog. Descriptors are immutable
// once published in a snapshot; rebuilds produce new values.
type Descriptor struct {
	// Path is the dotted identifier user code calls, e.g. "calendar.list".
	Path string `json:"path"`

	// Description is an optional human-readable summary.
	Description string `json:"description,omitempty"`

	// Input is the JSON Schema for call arguments. Empty means unvalidated.
	Input json.RawMessage `json:"input,omitempty"`

	// Output is an optional JSON Schema for results.
	Output json.RawMessage `json:"output,omitempty"`

	// Provider selects the execution backend.
	Provider ProviderKind `json:"provider"`

	// Payload is the provider-specific binding (HTTP route template, MCP
	// tool name, GraphQL document). Opaque to everything but the provider.
	Payload json.RawMessage `json:"payload,omitempty"`

	// SourceKey names the tool source this descriptor was compiled from.
	// Credential resolution keys on it.
	SourceKey string `json:"sourceKey"`

	// Approval is the default approval requirement.
	Approval ApprovalMode `json:"approval"`

	// Auth describes the credential the provider call needs, if any.
	Auth *credential.AuthSpec `json:"auth,omitempty"`

	// PreviewKeys name the argument fields joined into the approval
	// prompt's input preview, in order.
	PreviewKeys []string `json:"previewKeys,omitempty"`

	// Annotations are optional reviewer-facing prompt fields.
	Annotations *Annotations `json:"annotations,omitempty"`
}

// Namespace returns the first path segment, e.g. "calendar" for
// "calendar.list".
func (d *Descriptor) Namespace() string {
	return Namespace(d.Path)
}

// Title returns the annotation title when set, falling back to the path.
func (d *Descriptor) Title() string {
	if d.Annotations != nil && d.Annotations.Title != "" {
		return d.Annotations.Title
	}
	return d.Path
}
