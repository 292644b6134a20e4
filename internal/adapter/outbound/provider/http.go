// Package provider implements the tool invocation backends: HTTP for
// OpenAPI-derived tools, GraphQL, MCP upstreams, and in-process built-ins,
// plus the kind-dispatch registry in front of them.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/RhysSullivan/codegate/internal/domain/tool"
	"github.com/RhysSullivan/codegate/internal/port/outbound"
	"github.com/RhysSullivan/codegate/pkg/wire"
)

// maxResponseBodySize caps upstream response bodies. Prevents OOM from a
// misbehaving upstream sending unbounded responses.
const maxResponseBodySize = 10 * 1024 * 1024 // 10MB

// HTTPOptions configures the HTTP provider.
type HTTPOptions struct {
	// AllowPrivateNetworks permits calls to loopback, RFC1918, and
	// link-local addresses. Off by default; tests and on-prem deployments
	// turn it on.
	AllowPrivateNetworks bool
	// Timeout is the per-request client timeout.
	Timeout time.Duration
}

// HTTPProvider executes OpenAPI-derived tool calls: path template
// substitution, parameter placement, request body assembly, and JSON/text
// response decoding.
type HTTPProvider struct {
	client *http.Client
	logger *slog.Logger
}

// NewHTTPProvider creates the provider with an egress-guarded transport.
func NewHTTPProvider(opts HTTPOptions, logger *slog.Logger) *HTTPProvider {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			if !opts.AllowPrivateNetworks {
				if err := refusePrivateAddress(ctx, address); err != nil {
					return nil, err
				}
			}
			return dialer.DialContext(ctx, network, address)
		},
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     90 * time.Second,
	}

	return &HTTPProvider{
		client: &http.Client{Timeout: timeout, Transport: transport},
		logger: logger,
	}
}

// refusePrivateAddress resolves the dial target and rejects private,
// loopback, and link-local destinations. Resolution happens here, before
// the dial, so a DNS answer pointing inside the perimeter is caught.
func refusePrivateAddress(ctx context.Context, address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", host, err)
	}
	for _, ip := range ips {
		if ip.IP.IsLoopback() || ip.IP.IsPrivate() || ip.IP.IsLinkLocalUnicast() ||
			ip.IP.IsLinkLocalMulticast() || ip.IP.IsUnspecified() {
			return fmt.Errorf("refusing to dial private address %s for host %q", ip.IP, host)
		}
	}
	return nil
}

// Kind returns the provider kind this backend serves.
func (p *HTTPProvider) Kind() tool.ProviderKind {
	return tool.ProviderHTTP
}

// Invoke builds and executes the HTTP request described by the descriptor's
// payload. Status >= 400 is a result, not an error: the body comes back
// with IsError set.
func (p *HTTPProvider) Invoke(ctx context.Context, desc *tool.Descriptor, args map[string]any, ic outbound.InvokeContext) (*outbound.ProviderResult, error) {
	payload, err := tool.DecodePayload[tool.HTTPPayload](desc)
	if err != nil {
		return nil, outbound.NewInvokeError(wire.ErrInvocationInvalid, "%v", err)
	}
	if payload.BaseURL == "" {
		return nil, outbound.NewInvokeError(wire.ErrInvocationInvalid, "tool %q has no base URL", desc.Path)
	}

	path, query, headers, cookies, err := placeParams(payload, args)
	if err != nil {
		return nil, err
	}

	target := strings.TrimSuffix(payload.BaseURL, "/") + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	contentType := ""
	if payload.RequestBody != nil {
		raw, ok := args["body"]
		if !ok {
			if payload.RequestBody.Required {
				return nil, outbound.NewInvokeError(wire.ErrInvocationInvalid, "tool %q requires a request body", desc.Path)
			}
		} else {
			data, merr := json.Marshal(raw)
			if merr != nil {
				return nil, outbound.NewInvokeError(wire.ErrInvocationInvalid, "request body is not JSON-encodable")
			}
			body = bytes.NewReader(data)
			contentType = "application/json"
			if len(payload.RequestBody.ContentTypes) > 0 {
				contentType = payload.RequestBody.ContentTypes[0]
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(payload.Method), target, body)
	if err != nil {
		return nil, outbound.NewInvokeError(wire.ErrInvocationInvalid, "build request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	for name, value := range ic.Headers {
		req.Header.Set(name, value)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	for name, value := range cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
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

	return &outbound.ProviderResult{
		Status:  resp.StatusCode,
		Body:    decodeBody(resp.Header.Get("Content-Type"), data),
		IsError: resp.StatusCode >= 400,
	}, nil
}

// placeParams distributes call arguments to their declared locations. Path
// values are URL-encoded into the template; missing required parameters
// abort the call.
func placeParams(payload *tool.HTTPPayload, args map[string]any) (path string, query url.Values, headers, cookies map[string]string, err error) {
	path = payload.PathTemplate
	query = url.Values{}
	headers = map[string]string{}
	cookies = map[string]string{}

	for _, param := range payload.Params {
		raw, ok := args[param.Name]
		if !ok {
			if param.Required {
				return "", nil, nil, nil, outbound.NewInvokeError(wire.ErrInvocationInvalid,
					"missing required parameter %q", param.Name)
			}
			continue
		}
		value := paramString(raw)

		switch param.In {
		case tool.ParamInPath:
			path = strings.ReplaceAll(path, "{"+param.Name+"}", url.PathEscape(value))
		case tool.ParamInQuery:
			query.Set(param.Name, value)
		case tool.ParamInHeader:
			headers[param.Name] = value
		case tool.ParamInCookie:
			cookies[param.Name] = value
		}
	}

	if idx := strings.IndexByte(path, '{'); idx >= 0 {
		return "", nil, nil, nil, outbound.NewInvokeError(wire.ErrInvocationInvalid,
			"unresolved path parameter in %q", path)
	}
	return path, query, headers, cookies, nil
}

// paramString renders a parameter value for the wire. Strings pass through;
// everything else takes its JSON form.
func paramString(v any) string {
	switch tv := v.(type) {
	case string:
		return tv
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(tv)
	case nil:
		return ""
	default:
		data, err := json.Marshal(tv)
		if err != nil {
			return fmt.Sprintf("%v", tv)
		}
		return string(data)
	}
}

// decodeBody parses JSON responses into structured values; everything else
// is returned as text.
func decodeBody(contentType string, data []byte) any {
	if strings.Contains(contentType, "application/json") && len(data) > 0 {
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			return v
		}
	}
	return string(data)
}

var _ outbound.Provider = (*HTTPProvider)(nil)
