package provider

import (
	"context"
	"sync"
	"time"

	"github.com/RhysSullivan/codegate/internal/domain/tool"
	"github.com/RhysSullivan/codegate/internal/port/outbound"
	"github.com/RhysSullivan/codegate/pkg/wire"
)

// BuiltinFunc is one in-process tool implementation.
type BuiltinFunc func(ctx context.Context, args map[string]any, ic outbound.InvokeContext) (any, error)

// BuiltinProvider executes in-process tools registered by name. Built-ins
// cover gateway utilities that need no upstream: sleeping, echoing, and
// whatever the embedding deployment registers.
type BuiltinProvider struct {
	mu    sync.RWMutex
	funcs map[string]BuiltinFunc
}

// NewBuiltinProvider creates the provider with the standard utilities
// registered.
func NewBuiltinProvider() *BuiltinProvider {
	p := &BuiltinProvider{funcs: make(map[string]BuiltinFunc)}
	p.Register("internal.echo", builtinEcho)
	p.Register("internal.sleep", builtinSleep)
	p.Register("internal.time", builtinTime)
	return p
}

// Register adds or replaces a built-in implementation.
func (p *BuiltinProvider) Register(name string, fn BuiltinFunc) {
	p.mu.Lock()
	p.funcs[name] = fn
	p.mu.Unlock()
}

// Kind returns the provider kind this backend serves.
func (p *BuiltinProvider) Kind() tool.ProviderKind {
	return tool.ProviderBuiltin
}

// Invoke runs the registered implementation. The payload's name keys the
// lookup, defaulting to the descriptor path.
func (p *BuiltinProvider) Invoke(ctx context.Context, desc *tool.Descriptor, args map[string]any, ic outbound.InvokeContext) (*outbound.ProviderResult, error) {
	name := desc.Path
	if len(desc.Payload) > 0 {
		payload, err := tool.DecodePayload[tool.BuiltinPayload](desc)
		if err != nil {
			return nil, outbound.NewInvokeError(wire.ErrInvocationInvalid, "%v", err)
		}
		if payload.Name != "" {
			name = payload.Name
		}
	}

	p.mu.RLock()
	fn, ok := p.funcs[name]
	p.mu.RUnlock()
	if !ok {
		return nil, outbound.NewInvokeError(wire.ErrInvocationInvalid, "no built-in implementation named %q", name)
	}

	value, err := fn(ctx, args, ic)
	if err != nil {
		return nil, outbound.NewInvokeError(wire.ErrProviderError, "%v", err)
	}
	return &outbound.ProviderResult{Body: value}, nil
}

// builtinEcho returns its arguments.
func builtinEcho(_ context.Context, args map[string]any, _ outbound.InvokeContext) (any, error) {
	return args, nil
}

// builtinSleep pauses for args.ms milliseconds, bounded by the call context.
func builtinSleep(ctx context.Context, args map[string]any, _ outbound.InvokeContext) (any, error) {
	ms, _ := args["ms"].(float64)
	if ms <= 0 {
		return nil, nil
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// builtinTime reports the gateway clock.
func builtinTime(_ context.Context, _ map[string]any, _ outbound.InvokeContext) (any, error) {
	return map[string]any{"now": time.Now().UTC().Format(time.RFC3339Nano)}, nil
}

var _ outbound.Provider = (*BuiltinProvider)(nil)
