package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/RhysSullivan/codegate/internal/domain/run"
	"github.com/RhysSullivan/codegate/internal/port/outbound"
	"github.com/RhysSullivan/codegate/pkg/wire"
)

// maxWorkerResponseBytes caps the remote worker's response body.
const maxWorkerResponseBytes = 16 * 1024 * 1024

// RemoteRuntime ships snippets to a worker host. The worker executes the
// code in an isolate and mediates every tools.* call through HTTPS POSTs to
// the gateway's callback endpoint, authenticated by the run-scoped token.
type RemoteRuntime struct {
	workerURL string
	client    *http.Client
	logger    *slog.Logger
}

// NewRemoteRuntime creates the adapter. An empty workerURL leaves the
// adapter unavailable.
func NewRemoteRuntime(workerURL string, logger *slog.Logger) *RemoteRuntime {
	return &RemoteRuntime{
		workerURL: workerURL,
		client:    &http.Client{},
		logger:    logger,
	}
}

// Kind returns the runtime kind this adapter serves.
func (a *RemoteRuntime) Kind() string {
	return string(run.KindRemote)
}

// IsAvailable reports whether a worker host is configured.
func (a *RemoteRuntime) IsAvailable() bool {
	return a.workerURL != ""
}

// remoteRunPayload is the body POSTed to the worker host.
type remoteRunPayload struct {
	RunID         string `json:"runId"`
	Code          string `json:"code"`
	TimeoutMs     int64  `json:"timeoutMs"`
	CallbackURL   string `json:"callbackUrl"`
	CallbackToken string `json:"callbackToken"`
}

// Execute posts the run payload and blocks until the worker reports the
// snippet settled. Tool calls never pass through this adapter; the worker
// talks to the callback endpoint directly.
func (a *RemoteRuntime) Execute(ctx context.Context, req outbound.ExecRequest) (*outbound.ExecResult, error) {
	start := time.Now()

	body, err := json.Marshal(remoteRunPayload{
		RunID:         req.RunID,
		Code:          req.Code,
		TimeoutMs:     req.Timeout.Milliseconds(),
		CallbackURL:   req.CallbackURL,
		CallbackToken: req.CallbackToken,
	})
	if err != nil {
		return nil, fmt.Errorf("encode run payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.workerURL+"/v1/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build worker request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return &outbound.ExecResult{
				Status:     outbound.ExecTimedOut,
				Error:      wire.ErrTimeout,
				DurationMs: time.Since(start).Milliseconds(),
			}, nil
		}
		return nil, fmt.Errorf("worker request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxWorkerResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read worker response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("worker returned status %d: %s", resp.StatusCode, string(data))
	}

	var result outbound.ExecResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode worker result: %w", err)
	}
	if result.DurationMs == 0 {
		result.DurationMs = time.Since(start).Milliseconds()
	}
	return &result, nil
}

var _ outbound.RuntimeAdapter = (*RemoteRuntime)(nil)
