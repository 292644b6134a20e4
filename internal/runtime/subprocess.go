package runtime

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/RhysSullivan/codegate/internal/domain/run"
	"github.com/RhysSullivan/codegate/internal/port/outbound"
	"github.com/RhysSullivan/codegate/pkg/wire"
)

//go:embed host.js
var hostScript []byte

// SubprocessRuntime hosts the VM in a child Node.js process. The host
// protocol is newline-delimited JSON-RPC on stdio: one execute request per
// process, tools/invoke requests flowing back.
type SubprocessRuntime struct {
	nodePath string
	logger   *slog.Logger

	hostOnce sync.Once
	hostPath string
	hostErr  error
}

// NewSubprocessRuntime creates the adapter. The Node.js binary is looked
// up once; a missing binary makes the adapter unavailable, not an error.
// An empty nodePath resolves "node" from PATH.
func NewSubprocessRuntime(nodePath string, logger *slog.Logger) *SubprocessRuntime {
	if nodePath == "" {
		nodePath = "node"
	}
	resolved, err := exec.LookPath(nodePath)
	if err != nil {
		resolved = ""
	}
	return &SubprocessRuntime{nodePath: resolved, logger: logger}
}

// Kind returns the runtime kind this adapter serves.
func (a *SubprocessRuntime) Kind() string {
	return string(run.KindSubprocess)
}

// IsAvailable reports whether a Node.js binary was found.
func (a *SubprocessRuntime) IsAvailable() bool {
	return a.nodePath != ""
}

// materializeHost writes the embedded host script to disk once.
func (a *SubprocessRuntime) materializeHost() (string, error) {
	a.hostOnce.Do(func() {
		f, err := os.CreateTemp("", "codegate-host-*.js")
		if err != nil {
			a.hostErr = fmt.Errorf("write host script: %w", err)
			return
		}
		if _, err := f.Write(hostScript); err != nil {
			_ = f.Close()
			a.hostErr = fmt.Errorf("write host script: %w", err)
			return
		}
		if err := f.Close(); err != nil {
			a.hostErr = fmt.Errorf("write host script: %w", err)
			return
		}
		a.hostPath = f.Name()
	})
	return a.hostPath, a.hostErr
}

// Execute spawns the host, sends the execute request, and services
// tools/invoke requests until the snippet settles or ctx expires.
func (a *SubprocessRuntime) Execute(ctx context.Context, req outbound.ExecRequest) (*outbound.ExecResult, error) {
	if a.nodePath == "" {
		return nil, errors.New("node binary not found")
	}
	hostPath, err := a.materializeHost()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, a.nodePath, hostPath)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open host stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open host stdout: %w", err)
	}
	var hostStderr bytes.Buffer
	cmd.Stderr = &hostStderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start host: %w", err)
	}
	defer func() {
		_ = stdin.Close()
		_ = cmd.Wait()
	}()

	executeID := "exec-" + req.RunID
	var writeMu sync.Mutex
	writeFrame := func(msg map[string]any) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_, err = stdin.Write(append(data, '\n'))
		return err
	}

	if err := writeFrame(map[string]any{
		"jsonrpc": "2.0",
		"id":      executeID,
		"method":  wire.MethodExecute,
		"params": wire.ExecuteParams{
			Code:      req.Code,
			TimeoutMs: req.Timeout.Milliseconds(),
		},
	}); err != nil {
		return nil, fmt.Errorf("send execute request: %w", err)
	}

	executeRawID, _ := json.Marshal(executeID)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), wire.MaxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame, err := wire.DecodeFrame(line)
		if err != nil {
			a.logger.Warn("host sent an undecodable frame", "run_id", req.RunID, "error", err)
			continue
		}

		if frame.IsRequest() && frame.Method() == wire.MethodToolInvoke {
			var params wire.ToolInvokeParams
			if err := json.Unmarshal(frame.Request().Params, &params); err != nil {
				continue
			}
			rawID := frame.RawID()
			go func() {
				env := req.Invoke(ctx, params.CallID, params.ToolPath, params.Input)
				result := map[string]any{"ok": env.OK, "value": env.Value}
				if !env.OK {
					result["error"] = env.ThrowMessage()
				}
				if werr := writeFrame(map[string]any{
					"jsonrpc": "2.0",
					"id":      json.RawMessage(rawID),
					"result":  result,
				}); werr != nil {
					a.logger.Warn("tool response write failed", "run_id", req.RunID, "error", werr)
				}
			}()
			continue
		}

		if resp := frame.Response(); resp != nil && bytes.Equal(frame.RawID(), executeRawID) {
			var hostResult wire.ExecuteResult
			if err := json.Unmarshal(resp.Result, &hostResult); err != nil {
				return nil, fmt.Errorf("decode execute result: %w", err)
			}
			return &outbound.ExecResult{
				Status:     hostResult.Status,
				Stdout:     hostResult.Stdout,
				Stderr:     hostResult.Stderr,
				Value:      hostResult.Value,
				Error:      hostResult.Error,
				DurationMs: hostResult.DurationMs,
			}, nil
		}
	}

	// The host exited without answering: deadline kill or crash.
	if ctx.Err() != nil {
		return &outbound.ExecResult{
			Status:     outbound.ExecTimedOut,
			Stderr:     hostStderr.String(),
			Error:      wire.ErrTimeout,
			DurationMs: time.Since(start).Milliseconds(),
		}, nil
	}
	_ = cmd.Wait()
	return &outbound.ExecResult{
		Status:     outbound.ExecFailed,
		Stderr:     hostStderr.String(),
		Error:      wire.ErrRuntimeError + ": host exited before settling",
		ExitCode:   cmd.ProcessState.ExitCode(),
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

var _ outbound.RuntimeAdapter = (*SubprocessRuntime)(nil)
