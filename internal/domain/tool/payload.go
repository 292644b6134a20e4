package tool

import (
	"encoding/json"
	"fmt"
)

// ParamLocation says where an HTTP parameter is applied.
type ParamLocation string

const (
	ParamInPath   ParamLocation = "path"
	ParamInQuery  ParamLocation = "query"
	ParamInHeader ParamLocation = "header"
	ParamInCookie ParamLocation = "cookie"
)

// IsValid returns true if the location is known.
func (l ParamLocation) IsValid() bool {
	switch l {
	case ParamInPath, ParamInQuery, ParamInHeader, ParamInCookie:
		return true
	default:
		return false
	}
}

// HTTPParam maps one argument field onto the outgoing request.
type HTTPParam struct {
	Name     string        `json:"name"`
	In       ParamLocation `json:"in"`
	Required bool          `json:"required,omitempty"`
}

// HTTPBody declares the request body contract of an HTTP tool.
type HTTPBody struct {
	Required     bool     `json:"required,omitempty"`
	ContentTypes []string `json:"contentTypes,omitempty"`
}

// HTTPPayload is the provider payload for OpenAPI-derived tools: the route
// template plus the parameter-location table.
type HTTPPayload struct {
	Method string `json:"method"`
	// BaseURL overrides the source endpoint when set.
	BaseURL string `json:"baseUrl,omitempty"`
	// PathTemplate contains {name} placeholders substituted from path
	// parameters, URL-encoded.
	PathTemplate string      `json:"pathTemplate"`
	Params       []HTTPParam `json:"params,omitempty"`
	RequestBody  *HTTPBody   `json:"requestBody,omitempty"`
	// OperationID is the manifest operation this tool was derived from.
	OperationID string `json:"operationId,omitempty"`
}

// GraphQLPayload is the provider payload for GraphQL tools: one operation
// document posted with the call arguments as variables.
type GraphQLPayload struct {
	// Endpoint overrides the source endpoint when set.
	Endpoint string `json:"endpoint,omitempty"`
	Query    string `json:"query"`
	// OperationName selects the operation in multi-operation documents.
	OperationName string `json:"operationName,omitempty"`
}

// MCPPayload is the provider payload for MCP tools.
type MCPPayload struct {
	// Endpoint is the MCP server URL.
	Endpoint string `json:"endpoint"`
	// ToolName is the upstream tool name passed to tools/call.
	ToolName string `json:"toolName"`
}

// BuiltinPayload is the provider payload for in-process tools.
type BuiltinPayload struct {
	// Name keys into the built-in implementation registry. Defaults to
	// the descriptor path.
	Name string `json:"name,omitempty"`
}

// DecodePayload unmarshals a descriptor's provider payload into the typed
// form for its provider kind.
func DecodePayload[T any](d *Descriptor) (*T, error) {
	var payload T
	if len(d.Payload) == 0 {
		return nil, fmt.Errorf("tool %q: missing provider payload", d.Path)
	}
	if err := json.Unmarshal(d.Payload, &payload); err != nil {
		return nil, fmt.Errorf("tool %q: invalid provider payload: %w", d.Path, err)
	}
	return &payload, nil
}

// EncodePayload marshals a typed payload for storage on a descriptor.
func EncodePayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}
