package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/RhysSullivan/codegate/internal/domain/tool"
	"github.com/RhysSullivan/codegate/internal/port/outbound"
	"github.com/RhysSullivan/codegate/pkg/wire"
)

// GraphQLProvider posts one operation document per call with the call
// arguments as variables.
type GraphQLProvider struct {
	client *http.Client
	logger *slog.Logger
}

// NewGraphQLProvider creates the provider. It shares the HTTP provider's
// egress-guarded client.
func NewGraphQLProvider(httpProvider *HTTPProvider, logger *slog.Logger) *GraphQLProvider {
	return &GraphQLProvider{client: httpProvider.client, logger: logger}
}

// Kind returns the provider kind this backend serves.
func (p *GraphQLProvider) Kind() tool.ProviderKind {
	return tool.ProviderGraphQL
}

// graphqlRequest is the standard POST body.
type graphqlRequest struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

// graphqlResponse is the standard response shape.
type graphqlResponse struct {
	Data   any              `json:"data,omitempty"`
	Errors []map[string]any `json:"errors,omitempty"`
}

// Invoke posts the descriptor's operation document. GraphQL errors are
// results, not transport failures: the full {data, errors} object comes
// back with IsError set.
func (p *GraphQLProvider) Invoke(ctx context.Context, desc *tool.Descriptor, args map[string]any, ic outbound.InvokeContext) (*outbound.ProviderResult, error) {
	payload, err := tool.DecodePayload[tool.GraphQLPayload](desc)
	if err != nil {
		return nil, outbound.NewInvokeError(wire.ErrInvocationInvalid, "%v", err)
	}
	if payload.Endpoint == "" {
		return nil, outbound.NewInvokeError(wire.ErrInvocationInvalid, "tool %q has no GraphQL endpoint", desc.Path)
	}
	if payload.Query == "" {
		return nil, outbound.NewInvokeError(wire.ErrInvocationInvalid, "tool %q has no operation document", desc.Path)
	}

	body, err := json.Marshal(graphqlRequest{
		Query:         payload.Query,
		Variables:     args,
		OperationName: payload.OperationName,
	})
	if err != nil {
		return nil, outbound.NewInvokeError(wire.ErrInvocationInvalid, "arguments are not JSON-encodable")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, payload.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, outbound.NewInvokeError(wire.ErrInvocationInvalid, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for name, value := range ic.Headers {
		req.Header.Set(name, value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, outbound.NewInvokeError(wire.ErrProviderError, "request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, outbound.NewInvokeError(wire.ErrProviderError, "read response: %v", err)
	}
	if resp.StatusCode >= 400 {
		return &outbound.ProviderResult{
			Status:  resp.StatusCode,
			Body:    decodeBody(resp.Header.Get("Content-Type"), data),
			IsError: true,
		}, nil
	}

	var gr graphqlResponse
	if err := json.Unmarshal(data, &gr); err != nil {
		return nil, outbound.NewInvokeError(wire.ErrProviderError, "malformed GraphQL response")
	}

	if len(gr.Errors) > 0 {
		return &outbound.ProviderResult{
			Status:  resp.StatusCode,
			Body:    map[string]any{"data": gr.Data, "errors": gr.Errors},
			IsError: true,
		}, nil
	}
	return &outbound.ProviderResult{Status: resp.StatusCode, Body: gr.Data}, nil
}

// operationHeader matches the leading "query Name(...)" / "mutation" /
// "subscription" clause of an operation document.
var operationHeader = regexp.MustCompile(`^\s*(query|mutation|subscription)\b`)

// OperationType derives the root operation type of a document. Documents
// using query shorthand ("{ field }") are queries.
func OperationType(document string) string {
	if m := operationHeader.FindStringSubmatch(document); m != nil {
		return m[1]
	}
	if strings.HasPrefix(strings.TrimSpace(document), "{") {
		return "query"
	}
	return ""
}

// rootFieldPattern captures top-level selection names after the opening
// brace of the operation.
var rootFieldPattern = regexp.MustCompile(`[{,]\s*([A-Za-z_][A-Za-z0-9_]*)\s*[({]`)

// RootFields extracts the root selection names from an operation document.
// Used when deriving tool paths from a GraphQL source.
func RootFields(document string) []string {
	idx := strings.IndexByte(document, '{')
	if idx < 0 {
		return nil
	}
	body := document[idx:]

	depth := 0
	var fields []string
	seen := map[string]bool{}
	for _, m := range rootFieldPattern.FindAllStringSubmatchIndex(body, -1) {
		// Count braces up to the match to keep only depth-1 selections.
		depth = strings.Count(body[:m[0]+1], "{") - strings.Count(body[:m[0]+1], "}")
		if depth != 1 {
			continue
		}
		name := body[m[2]:m[3]]
		if !seen[name] {
			seen[name] = true
			fields = append(fields, name)
		}
	}
	return fields
}

var _ outbound.Provider = (*GraphQLProvider)(nil)
