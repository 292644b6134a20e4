package runtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"
	"github.com/google/uuid"

	"github.com/RhysSullivan/codegate/internal/domain/run"
	"github.com/RhysSullivan/codegate/internal/port/outbound"
	"github.com/RhysSullivan/codegate/pkg/wire"
)

// timeoutInterrupt is the interrupt value used to abort a script at the
// run deadline. Distinguishes deadline aborts from other interrupts.
const timeoutInterrupt = "execution timed out"

// toolsPrelude installs the tools.* surface: a recursive proxy that turns
// chained property access into a mediated call. Every call blocks inside
// __invokeTool until the gateway resolves it, then settles as a promise.
const toolsPrelude = `
function __makeTool(path) {
	const fn = function (input) {
		const env = __invokeTool(path, input === undefined ? {} : input);
		if (env.ok) {
			return Promise.resolve(env.value);
		}
		return Promise.reject(new Error(env.error));
	};
	return new Proxy(fn, {
		get: function (target, prop) {
			if (typeof prop !== "string") { return undefined; }
			return __makeTool(path === "" ? prop : path + "." + prop);
		}
	});
}
const tools = __makeTool("");
`

// capturePrinter collects console output. Log lines go to stdout; warn and
// error lines to stderr.
type capturePrinter struct {
	mu     sync.Mutex
	stdout strings.Builder
	stderr strings.Builder
}

func (p *capturePrinter) Log(s string) {
	p.mu.Lock()
	p.stdout.WriteString(s)
	p.stdout.WriteByte('\n')
	p.mu.Unlock()
}

func (p *capturePrinter) Warn(s string) {
	p.mu.Lock()
	p.stderr.WriteString(s)
	p.stderr.WriteByte('\n')
	p.mu.Unlock()
}

func (p *capturePrinter) Error(s string) {
	p.mu.Lock()
	p.stderr.WriteString(s)
	p.stderr.WriteByte('\n')
	p.mu.Unlock()
}

func (p *capturePrinter) output() (stdout, stderr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdout.String(), p.stderr.String()
}

// InprocRuntime executes snippets in an embedded JavaScript VM with an
// event loop providing setTimeout and promise scheduling. One VM per
// execution; nothing is shared between runs.
type InprocRuntime struct{}

// NewInprocRuntime creates the adapter.
func NewInprocRuntime() *InprocRuntime {
	return &InprocRuntime{}
}

// Kind returns the runtime kind this adapter serves.
func (a *InprocRuntime) Kind() string {
	return string(run.KindInproc)
}

// IsAvailable always holds: the VM is compiled in.
func (a *InprocRuntime) IsAvailable() bool {
	return true
}

// Execute runs the snippet inside an async IIFE and waits for the returned
// promise to settle or the context to expire. Tool calls block the VM; a
// deadline interrupt aborts the script from outside.
func (a *InprocRuntime) Execute(ctx context.Context, req outbound.ExecRequest) (*outbound.ExecResult, error) {
	start := time.Now()

	printer := &capturePrinter{}
	registry := require.NewRegistry()
	registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(printer))
	loop := eventloop.NewEventLoop(eventloop.WithRegistry(registry), eventloop.EnableConsole(false))

	var (
		resMu     sync.Mutex
		value     any
		errMsg    string
		hasError  bool
		scriptErr error
	)

	// The watchdog interrupts the VM when the run deadline lands. A tool
	// call blocked in Go code is released by its own context instead.
	var vmMu sync.Mutex
	var vm *goja.Runtime
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			vmMu.Lock()
			if vm != nil {
				vm.Interrupt(timeoutInterrupt)
			}
			vmMu.Unlock()
		case <-watchdogDone:
		}
	}()

	loop.Run(func(rt *goja.Runtime) {
		vmMu.Lock()
		vm = rt
		vmMu.Unlock()

		console.Enable(rt)
		_ = rt.Set("__invokeTool", func(toolPath string, input map[string]any) map[string]any {
			env := req.Invoke(ctx, uuid.New().String(), toolPath, input)
			if env.OK {
				return map[string]any{"ok": true, "value": env.Value}
			}
			return map[string]any{"ok": false, "error": env.ThrowMessage()}
		})
		_ = rt.Set("__onValue", func(v goja.Value) {
			resMu.Lock()
			if v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
				value = v.Export()
			}
			resMu.Unlock()
		})
		_ = rt.Set("__onError", func(msg string) {
			resMu.Lock()
			hasError = true
			errMsg = msg
			resMu.Unlock()
		})

		script := toolsPrelude + `
(async () => {
` + req.Code + `
})().then(
	function (v) { __onValue(v); },
	function (e) { __onError(e instanceof Error ? e.message : String(e)); }
);
`
		if _, err := rt.RunString(script); err != nil {
			resMu.Lock()
			scriptErr = err
			resMu.Unlock()
		}
	})

	stdout, stderr := printer.output()
	result := &outbound.ExecResult{
		Stdout:     stdout,
		Stderr:     stderr,
		DurationMs: time.Since(start).Milliseconds(),
	}

	resMu.Lock()
	defer resMu.Unlock()

	switch {
	case scriptErr != nil:
		var interrupted *goja.InterruptedError
		if errors.As(scriptErr, &interrupted) {
			result.Status = outbound.ExecTimedOut
			result.Error = wire.ErrTimeout
			return result, nil
		}
		result.Status = outbound.ExecFailed
		result.Error = wire.ErrRuntimeError + ": " + scriptErr.Error()
		return result, nil
	case hasError:
		if strings.HasPrefix(errMsg, wire.DeniedPrefix) {
			result.Status = outbound.ExecDenied
			result.Error = strings.TrimSpace(strings.TrimPrefix(errMsg, wire.DeniedPrefix))
			return result, nil
		}
		result.Status = outbound.ExecFailed
		result.Error = wire.ErrRuntimeError + ": " + errMsg
		return result, nil
	case ctx.Err() != nil:
		result.Status = outbound.ExecTimedOut
		result.Error = wire.ErrTimeout
		return result, nil
	default:
		result.Status = outbound.ExecCompleted
		result.Value = value
		return result, nil
	}
}

var _ outbound.RuntimeAdapter = (*InprocRuntime)(nil)
