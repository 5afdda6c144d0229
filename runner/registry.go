// Package runner executes workflow steps through registered handlers
// and reports every transition to the engine. It is one possible
// producer of step reports; external executors reporting over other
// channels go through the same engine surface.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Handler executes one step. It receives the opaque step spec from the
// plan and returns the result payload recorded on the step.
type Handler func(ctx context.Context, spec []byte) ([]byte, error)

// Registry maps step names to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty step registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a step name, replacing any previous one.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// RegisterTyped registers a handler whose spec is JSON-unmarshaled into
// T before the typed function runs.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterTyped[T any](r *Registry, name string, fn func(ctx context.Context, spec T) ([]byte, error)) {
	r.Register(name, func(ctx context.Context, spec []byte) ([]byte, error) {
		var t T
		if len(spec) > 0 {
			if err := json.Unmarshal(spec, &t); err != nil {
				return nil, fmt.Errorf("unmarshal spec for step %q: %w", name, err)
			}
		}
		return fn(ctx, t)
	})
}

// Get returns the handler for the given step name.
// Returns false if no handler is registered.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns all registered step names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
