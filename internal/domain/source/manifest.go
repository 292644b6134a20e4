package source

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/RhysSullivan/codegate/internal/domain/credential"
	"github.com/RhysSullivan/codegate/internal/domain/tool"
)

// Manifest is the pre-extracted tool declaration blob carried in a source's
// Config. The OpenAPI/GraphQL extraction that produces it happens outside
// the gateway; the builder only normalizes it.
type Manifest struct {
	Tools []ManifestTool `json:"tools" yaml:"tools"`
}

// ManifestTool declares one tool. Exactly one of the provider binding
// blocks (http, graphql, mcp, builtin) should be present; for MCP and
// internal sources the binding may be omitted and is derived from the
// source itself.
type ManifestTool struct {
	// Name is the path suffix under the source namespace. A tool named
	// "list" in source "calendar" becomes "calendar.list". Names may be
	// dotted for deeper namespaces.
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Approval is "auto" or "required". Empty lets the classifier decide.
	Approval string `json:"approval,omitempty" yaml:"approval,omitempty"`

	// Input and Output are JSON Schemas for arguments and results.
	Input  map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	Output map[string]any `json:"output,omitempty" yaml:"output,omitempty"`

	// PreviewKeys name the argument fields joined into approval previews.
	PreviewKeys []string `json:"previewKeys,omitempty" yaml:"preview_keys,omitempty"`

	Title   string `json:"title,omitempty" yaml:"title,omitempty"`
	Details string `json:"details,omitempty" yaml:"details,omitempty"`
	Link    string `json:"link,omitempty" yaml:"link,omitempty"`

	Auth *credential.AuthSpec `json:"auth,omitempty" yaml:"auth,omitempty"`

	HTTP    *tool.HTTPPayload    `json:"http,omitempty" yaml:"http,omitempty"`
	GraphQL *tool.GraphQLPayload `json:"graphql,omitempty" yaml:"graphql,omitempty"`
	MCP     *tool.MCPPayload     `json:"mcp,omitempty" yaml:"mcp,omitempty"`
	Builtin *tool.BuiltinPayload `json:"builtin,omitempty" yaml:"builtin,omitempty"`
}

// ParseManifest decodes a manifest blob. JSON blobs parse as YAML too, so a
// single decoder covers both encodings.
func ParseManifest(blob []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(blob, &m); err != nil {
		return nil, fmt.Errorf("manifest parse: %w", err)
	}
	return &m, nil
}

// Normalize compiles the source's manifest into canonical descriptors.
// Paths are prefixed with the source name; provider bindings default from
// the source kind and endpoint.
func Normalize(src *Source) ([]*tool.Descriptor, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	if len(src.Config) == 0 {
		return nil, nil
	}
	m, err := ParseManifest(src.Config)
	if err != nil {
		return nil, fmt.Errorf("source %q: %w", src.Name, err)
	}

	descriptors := make([]*tool.Descriptor, 0, len(m.Tools))
	for _, mt := range m.Tools {
		d, err := normalizeTool(src, mt)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", src.Name, err)
		}
		descriptors = append(descriptors, d)
	}
	return descriptors, nil
}

func normalizeTool(src *Source, mt ManifestTool) (*tool.Descriptor, error) {
	if mt.Name == "" {
		return nil, fmt.Errorf("tool without a name")
	}
	path := src.Name + "." + mt.Name
	if err := tool.ValidatePath(path); err != nil {
		return nil, err
	}

	kind, payload, err := binding(src, mt)
	if err != nil {
		return nil, fmt.Errorf("tool %q: %w", path, err)
	}

	d := &tool.Descriptor{
		Path:        path,
		Description: mt.Description,
		Provider:    kind,
		Payload:     payload,
		SourceKey:   src.Name,
		Approval:    tool.ApprovalMode(mt.Approval),
		Auth:        mt.Auth,
		PreviewKeys: mt.PreviewKeys,
	}
	if mt.Title != "" || mt.Details != "" || mt.Link != "" {
		d.Annotations = &tool.Annotations{Title: mt.Title, Details: mt.Details, Link: mt.Link}
	}
	if mt.Input != nil {
		d.Input, _ = json.Marshal(mt.Input)
	}
	if mt.Output != nil {
		d.Output, _ = json.Marshal(mt.Output)
	}
	if d.Approval == "" {
		d.Approval = tool.ClassifyApproval(path)
	}
	if !d.Approval.IsValid() {
		return nil, fmt.Errorf("tool %q: invalid approval mode %q", path, d.Approval)
	}
	return d, nil
}

// binding resolves the provider kind and payload for a manifest tool,
// filling endpoint defaults from the source record.
func binding(src *Source, mt ManifestTool) (tool.ProviderKind, json.RawMessage, error) {
	declared := 0
	for _, set := range []bool{mt.HTTP != nil, mt.GraphQL != nil, mt.MCP != nil, mt.Builtin != nil} {
		if set {
			declared++
		}
	}
	if declared > 1 {
		return "", nil, fmt.Errorf("multiple provider bindings declared")
	}

	switch {
	case mt.HTTP != nil:
		p := *mt.HTTP
		if p.BaseURL == "" {
			p.BaseURL = src.Endpoint
		}
		if p.Method == "" || p.PathTemplate == "" {
			return "", nil, fmt.Errorf("http binding requires method and path template")
		}
		raw, err := tool.EncodePayload(p)
		return tool.ProviderHTTP, raw, err

	case mt.GraphQL != nil:
		p := *mt.GraphQL
		if p.Endpoint == "" {
			p.Endpoint = src.Endpoint
		}
		if p.Query == "" {
			return "", nil, fmt.Errorf("graphql binding requires a query document")
		}
		raw, err := tool.EncodePayload(p)
		return tool.ProviderGraphQL, raw, err

	case mt.MCP != nil:
		p := *mt.MCP
		if p.Endpoint == "" {
			p.Endpoint = src.Endpoint
		}
		if p.ToolName == "" {
			p.ToolName = mt.Name
		}
		raw, err := tool.EncodePayload(p)
		return tool.ProviderMCP, raw, err

	case mt.Builtin != nil:
		raw, err := tool.EncodePayload(*mt.Builtin)
		return tool.ProviderBuiltin, raw, err

	default:
		// No explicit binding: derive from the source kind.
		switch src.Kind {
		case KindMCP:
			raw, err := tool.EncodePayload(tool.MCPPayload{Endpoint: src.Endpoint, ToolName: mt.Name})
			return tool.ProviderMCP, raw, err
		case KindInternal:
			raw, err := tool.EncodePayload(tool.BuiltinPayload{})
			return tool.ProviderBuiltin, raw, err
		default:
			return "", nil, fmt.Errorf("no provider binding for source kind %q", src.Kind)
		}
	}
}
