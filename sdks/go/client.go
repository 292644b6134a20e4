package codegate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultServerAddr = "http://127.0.0.1:8311"
	defaultTimeout    = 30 * time.Second
	defaultClientID   = "sdk-go"
)

// Client is the codegate SDK client. It submits runs to a codegate
// gateway, follows their event streams, and resolves approval prompts.
// A Client is safe for concurrent use.
type Client struct {
	serverAddr  string
	apiKey      string
	workspaceID string
	clientID    string
	timeout     time.Duration
	httpClient  *http.Client
}

// NewClient creates a codegate client. Configuration comes from options,
// falling back to CODEGATE_SERVER_ADDR and CODEGATE_API_KEY environment
// variables.
func NewClient(opts ...Option) *Client {
	c := &Client{
		serverAddr: os.Getenv("CODEGATE_SERVER_ADDR"),
		apiKey:     os.Getenv("CODEGATE_API_KEY"),
		clientID:   defaultClientID,
		timeout:    defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.serverAddr == "" {
		c.serverAddr = defaultServerAddr
	}
	c.serverAddr = strings.TrimRight(c.serverAddr, "/")
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	return c
}

// SubmitRun submits a code snippet for execution and returns the queued
// run record. The run executes asynchronously; follow it with StreamEvents
// or WaitForTerminal.
func (c *Client) SubmitRun(ctx context.Context, req SubmitRunRequest) (*Run, error) {
	if req.ClientID == "" {
		req.ClientID = c.clientID
	}
	if req.WorkspaceID == "" {
		req.WorkspaceID = c.workspaceID
	}
	var run Run
	if err := c.do(ctx, http.MethodPost, "/v1/runs", req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun fetches a run by id.
func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns lists runs in the client's workspace, optionally filtered by
// status. An empty status lists all runs.
func (c *Client) ListRuns(ctx context.Context, status RunStatus) ([]*Run, error) {
	path := "/v1/runs" + c.listQuery("status", string(status))
	var resp struct {
		Runs []*Run `json:"runs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// CancelRun cancels a run. Queued and running runs end denied with a
// cancellation reason; cancelling a terminal run is a conflict.
func (c *Client) CancelRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	if err := c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(runID)+"/cancel", nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Events fetches the persisted event history of a run without waiting.
func (c *Client) Events(ctx context.Context, runID string) ([]*Event, error) {
	var resp struct {
		Events []*Event `json:"events"`
	}
	path := "/v1/runs/" + url.PathEscape(runID) + "/events?wait=false"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// StreamEvents follows a run's event stream from afterSeq, invoking fn for
// each event in order. It returns nil after delivering the terminal event,
// fn's error if fn fails, or the context error on cancellation.
func (c *Client) StreamEvents(ctx context.Context, runID string, afterSeq uint64, fn func(*Event) error) error {
	path := fmt.Sprintf("%s/v1/runs/%s/events?afterSeq=%d",
		c.serverAddr, url.PathEscape(runID), afterSeq)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	// Streams are exempt from the request timeout; they run until the
	// terminal event or the context ends.
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ServerUnreachableError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line[len("data: "):]), &ev); err != nil {
			continue
		}
		if err := fn(&ev); err != nil {
			return err
		}
		if ev.Type.IsTerminal() {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ServerUnreachableError{Cause: err}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	// Server closed the stream without a terminal event (run drained).
	return nil
}

// WaitForTerminal follows a run until it reaches a terminal state and
// returns the final record. Denied and timed-out runs are reported as
// typed errors alongside the record.
func (c *Client) WaitForTerminal(ctx context.Context, runID string) (*Run, error) {
	err := c.StreamEvents(ctx, runID, 0, func(*Event) error { return nil })
	if err != nil {
		return nil, err
	}
	run, err := c.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	switch run.Status {
	case RunDenied:
		return run, &RunDeniedError{RunID: run.ID, Reason: run.Error}
	case RunTimedOut:
		return run, &RunTimedOutError{RunID: run.ID}
	}
	return run, nil
}

// ListApprovals lists approval records in the client's workspace,
// optionally filtered by status. An empty status lists all records.
func (c *Client) ListApprovals(ctx context.Context, status ApprovalStatus) ([]*Approval, error) {
	path := "/v1/approvals" + c.listQuery("status", string(status))
	var resp struct {
		Approvals []*Approval `json:"approvals"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Approvals, nil
}

// ResolveApproval records a reviewer decision on a pending approval. Only
// the run's requester may resolve it. The resolved approval and the run's
// current record are returned.
func (c *Client) ResolveApproval(ctx context.Context, approvalID string, decision Decision, reason string) (*Approval, *Run, error) {
	body := map[string]string{"decision": string(decision)}
	if reason != "" {
		body["reason"] = reason
	}
	var resp struct {
		Approval *Approval `json:"approval"`
		Run      *Run      `json:"run"`
	}
	path := "/v1/approvals/" + url.PathEscape(approvalID)
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, nil, err
	}
	return resp.Approval, resp.Run, nil
}

// do issues one JSON request and decodes the response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.serverAddr+path, reader)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ServerUnreachableError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("User-Agent", "codegate-sdk-go")
}

// listQuery builds the query string for list endpoints, carrying the
// default workspace when one is configured.
func (c *Client) listQuery(key, value string) string {
	q := url.Values{}
	if value != "" {
		q.Set(key, value)
	}
	if c.workspaceID != "" {
		q.Set("workspaceId", c.workspaceID)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// decodeAPIError turns a non-2xx response into an *APIError, tolerating
// bodies that are not the standard error shape.
func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Kind: "internal"}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil || len(data) == 0 {
		apiErr.Message = http.StatusText(resp.StatusCode)
		return apiErr
	}
	var body struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Error.Kind == "" {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Kind = body.Error.Kind
	apiErr.Message = body.Error.Message
	if resp.StatusCode == http.StatusTooManyRequests {
		if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s > 0 {
			apiErr.Message = fmt.Sprintf("%s (retry after %ds)", apiErr.Message, s)
		}
	}
	return apiErr
}
