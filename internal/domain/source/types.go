// Package source contains the domain types for registered tool sources:
// the origins (OpenAPI manifests, MCP servers, GraphQL endpoints, built-in
// modules) the workspace tool catalog is compiled from.
package source

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Kind identifies the shape of a source and which provider executes its
// tools.
type Kind string

const (
	// KindOpenAPI is a REST API described by a pre-extracted manifest.
	KindOpenAPI Kind = "openapi"
	// KindGraphQL is a GraphQL endpoint with per-tool operation documents.
	KindGraphQL Kind = "graphql"
	// KindMCP is an MCP server reached over streamable HTTP.
	KindMCP Kind = "mcp"
	// KindInternal exposes in-process built-in tools.
	KindInternal Kind = "internal"
)

// IsValid returns true if the source kind is known.
func (k Kind) IsValid() bool {
	switch k {
	case KindOpenAPI, KindGraphQL, KindMCP, KindInternal:
		return true
	default:
		return false
	}
}

// Source is a registered tool origin. The control plane mutates sources;
// the workspace tool builder consumes them.
type Source struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	// Name is the source key: the namespace prefix for its tools and the
	// credential lookup key.
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
	// Endpoint is the base URL (HTTP/GraphQL/MCP kinds).
	Endpoint string `json:"endpoint,omitempty"`
	// Config is the manifest blob: the pre-extracted tool declarations,
	// YAML or JSON. Opaque outside the builder.
	Config []byte `json:"config,omitempty"`
	// Enabled gates the source without deleting it.
	Enabled bool `json:"enabled"`
	// SourceHash is the content hash of the last successful extraction.
	// Builds reuse cached descriptors while it is unchanged.
	SourceHash string    `json:"sourceHash,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ContentHash hashes the fields that affect compiled descriptors. A source
// whose ContentHash matches its stored SourceHash can reuse the cached
// build artifact.
func (s *Source) ContentHash() string {
	h := xxhash.New()
	_, _ = h.WriteString(s.Name)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(string(s.Kind))
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(s.Endpoint)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(s.Config)
	return fmt.Sprintf("%016x", h.Sum64())
}

// Validate checks the fields the builder depends on.
func (s *Source) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("source name is required")
	}
	if !s.Kind.IsValid() {
		return fmt.Errorf("unknown source kind %q", s.Kind)
	}
	if s.WorkspaceID == "" {
		return fmt.Errorf("source workspace is required")
	}
	switch s.Kind {
	case KindOpenAPI, KindGraphQL, KindMCP:
		if s.Endpoint == "" && len(s.Config) == 0 {
			return fmt.Errorf("source %q: endpoint or manifest required", s.Name)
		}
	}
	return nil
}
