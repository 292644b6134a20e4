// Package runtime hosts the execution backends for user snippets: an
// embedded JavaScript VM, a Node.js subprocess host, and a remote worker
// adapter, behind a kind-keyed dispatcher.
package runtime

import (
	"context"
	"fmt"

	"github.com/RhysSullivan/codegate/internal/domain/run"
	"github.com/RhysSullivan/codegate/internal/port/outbound"
	"github.com/RhysSullivan/codegate/internal/service"
)

// Dispatcher routes executions to the adapter registered for a runtime
// kind.
type Dispatcher struct {
	adapters map[string]outbound.RuntimeAdapter
}

// NewDispatcher builds the dispatch table.
func NewDispatcher(adapters ...outbound.RuntimeAdapter) *Dispatcher {
	table := make(map[string]outbound.RuntimeAdapter, len(adapters))
	for _, a := range adapters {
		table[a.Kind()] = a
	}
	return &Dispatcher{adapters: table}
}

// Available reports whether the kind has a usable adapter.
func (d *Dispatcher) Available(kind run.Kind) bool {
	a, ok := d.adapters[string(kind)]
	return ok && a.IsAvailable()
}

// Dispatch executes the request on the adapter for the kind.
func (d *Dispatcher) Dispatch(ctx context.Context, kind run.Kind, req outbound.ExecRequest) (*outbound.ExecResult, error) {
	a, ok := d.adapters[string(kind)]
	if !ok {
		return nil, fmt.Errorf("no runtime adapter for kind %q", kind)
	}
	if !a.IsAvailable() {
		return nil, fmt.Errorf("runtime %q is not available", kind)
	}
	return a.Execute(ctx, req)
}

var _ service.RuntimeDispatcher = (*Dispatcher)(nil)
