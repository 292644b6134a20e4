// Package mcpclient manages pooled connections to upstream MCP servers
// over the streamable HTTP transport. It backs both registry builds
// (listing upstream tools) and call-time invocation.
package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/RhysSullivan/codegate/internal/domain/tool"
	"github.com/RhysSullivan/codegate/internal/port/outbound"
	"github.com/RhysSullivan/codegate/internal/service"
	"github.com/RhysSullivan/codegate/pkg/wire"
)

// Manager pools one client session per upstream endpoint. Sessions are
// created lazily, reused across calls, and dropped on failure so the next
// call reconnects.
type Manager struct {
	impl       *mcp.Implementation
	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*mcp.ClientSession
}

// NewManager creates the connection manager. name and version identify the
// gateway in the MCP initialize handshake.
func NewManager(name, version string, logger *slog.Logger) *Manager {
	return &Manager{
		impl:       &mcp.Implementation{Name: name, Version: version},
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
		sessions:   make(map[string]*mcp.ClientSession),
	}
}

// session returns the pooled session for an endpoint, dialing on first use.
func (m *Manager) session(ctx context.Context, endpoint string) (*mcp.ClientSession, error) {
	m.mu.Lock()
	if sess, ok := m.sessions[endpoint]; ok {
		m.mu.Unlock()
		return sess, nil
	}
	m.mu.Unlock()

	client := mcp.NewClient(m.impl, nil)
	transport := &mcp.StreamableClientTransport{
		Endpoint:   endpoint,
		HTTPClient: m.httpClient,
	}
	sess, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to %q: %w", endpoint, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[endpoint]; ok {
		// Lost the race; keep the winner.
		go func() { _ = sess.Close() }()
		return existing, nil
	}
	m.sessions[endpoint] = sess
	m.logger.Info("mcp upstream connected", "endpoint", endpoint)
	return sess, nil
}

// drop forgets a session after a failure so the next call reconnects.
func (m *Manager) drop(endpoint string, sess *mcp.ClientSession) {
	m.mu.Lock()
	if m.sessions[endpoint] == sess {
		delete(m.sessions, endpoint)
	}
	m.mu.Unlock()
	_ = sess.Close()
}

// ListTools enumerates an upstream server's tools for a registry build,
// following list pagination.
func (m *Manager) ListTools(ctx context.Context, endpoint string) ([]service.MCPToolInfo, error) {
	sess, err := m.session(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var out []service.MCPToolInfo
	cursor := ""
	for {
		res, err := sess.ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			m.drop(endpoint, sess)
			return nil, fmt.Errorf("list tools on %q: %w", endpoint, err)
		}
		for _, t := range res.Tools {
			info := service.MCPToolInfo{Name: t.Name, Description: t.Description}
			if t.InputSchema != nil {
				if data, err := json.Marshal(t.InputSchema); err == nil {
					info.InputSchema = data
				}
			}
			out = append(out, info)
		}
		if res.NextCursor == "" {
			return out, nil
		}
		cursor = res.NextCursor
	}
}

// Kind returns the provider kind this backend serves.
func (m *Manager) Kind() tool.ProviderKind {
	return tool.ProviderMCP
}

// Invoke calls the upstream tool and maps the content array onto a single
// value: one text block becomes a string, several become an array, and
// anything richer is returned as raw content.
func (m *Manager) Invoke(ctx context.Context, desc *tool.Descriptor, args map[string]any, ic outbound.InvokeContext) (*outbound.ProviderResult, error) {
	payload, err := tool.DecodePayload[tool.MCPPayload](desc)
	if err != nil {
		return nil, outbound.NewInvokeError(wire.ErrInvocationInvalid, "%v", err)
	}
	if payload.Endpoint == "" || payload.ToolName == "" {
		return nil, outbound.NewInvokeError(wire.ErrInvocationInvalid, "tool %q has an incomplete MCP binding", desc.Path)
	}

	sess, err := m.session(ctx, payload.Endpoint)
	if err != nil {
		return nil, outbound.NewInvokeError(wire.ErrProviderError, "%v", err)
	}

	res, err := sess.CallTool(ctx, &mcp.CallToolParams{
		Name:      payload.ToolName,
		Arguments: args,
	})
	if err != nil {
		m.drop(payload.Endpoint, sess)
		return nil, outbound.NewInvokeError(wire.ErrProviderError, "tools/call %q: %v", payload.ToolName, err)
	}

	return &outbound.ProviderResult{
		Body:    mapContent(res),
		IsError: res.IsError,
	}, nil
}

// mapContent flattens a tool result's content array. Structured content
// wins when the server provides it.
func mapContent(res *mcp.CallToolResult) any {
	if res.StructuredContent != nil {
		return res.StructuredContent
	}

	texts := make([]string, 0, len(res.Content))
	for _, c := range res.Content {
		tc, ok := c.(*mcp.TextContent)
		if !ok {
			// Mixed content: hand back the raw array.
			return res.Content
		}
		texts = append(texts, tc.Text)
	}
	switch len(texts) {
	case 0:
		return nil
	case 1:
		// A single text block that parses as JSON is decoded for user code.
		var v any
		if err := json.Unmarshal([]byte(texts[0]), &v); err == nil {
			return v
		}
		return texts[0]
	default:
		return texts
	}
}

// Close shuts down every pooled session.
func (m *Manager) Close() error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*mcp.ClientSession)
	m.mu.Unlock()

	var err error
	for endpoint, sess := range sessions {
		if cerr := sess.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close session %q: %w", endpoint, cerr)
		}
	}
	return err
}

var (
	_ outbound.Provider     = (*Manager)(nil)
	_ service.MCPToolLister = (*Manager)(nil)
)
