package provider

import (
	"context"

	"github.com/RhysSullivan/codegate/internal/domain/tool"
	"github.com/RhysSullivan/codegate/internal/port/outbound"
	"github.com/RhysSullivan/codegate/pkg/wire"
)

// Registry dispatches canonical tool calls to the backend registered for
// the descriptor's provider kind. It is itself an outbound.Provider, so the
// invocation pipeline holds exactly one handle.
type Registry struct {
	backends map[tool.ProviderKind]outbound.Provider
}

// NewRegistry builds the dispatch table from the given backends.
func NewRegistry(backends ...outbound.Provider) *Registry {
	table := make(map[tool.ProviderKind]outbound.Provider, len(backends))
	for _, b := range backends {
		table[b.Kind()] = b
	}
	return &Registry{backends: table}
}

// Kind returns an empty kind: the registry fronts every backend.
func (r *Registry) Kind() tool.ProviderKind {
	return ""
}

// Invoke routes to the backend for the descriptor's provider kind.
func (r *Registry) Invoke(ctx context.Context, desc *tool.Descriptor, args map[string]any, ic outbound.InvokeContext) (*outbound.ProviderResult, error) {
	backend, ok := r.backends[desc.Provider]
	if !ok {
		return nil, outbound.NewInvokeError(wire.ErrInvocationInvalid, "no provider registered for kind %q", desc.Provider)
	}
	return backend.Invoke(ctx, desc, args, ic)
}

var _ outbound.Provider = (*Registry)(nil)
