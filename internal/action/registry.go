package action

import (
	"context"
	"fmt"
	"sync"
)

// Handler is the interface every action variant implements.
type Handler interface {
	// Type returns the action type this handler is registered under.
	Type() Type
	// Execute runs the action and returns an output describing what changed.
	Execute(ctx context.Context, a Action, env *Env) (interface{}, error)
	// Validate checks the action config at rule-save time.
	Validate(a Action) error
}

// Registry maps action types to their handlers.
// It is safe for concurrent reads; Register should only be called at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Type]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Type]Handler)}
}

// Register adds a handler. Panics on duplicate type to surface misconfiguration early.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Type()]; exists {
		panic(fmt.Sprintf("action registry: duplicate type %q", h.Type()))
	}
	r.handlers[h.Type()] = h
}

// Get returns the handler for the given type.
func (r *Registry) Get(t Type) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	if !ok {
		return nil, fmt.Errorf("unknown action type %q", t)
	}
	return h, nil
}

// Missing returns the members of AllTypes that have no handler.
func (r *Registry) Missing() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Type
	for _, t := range AllTypes {
		if _, ok := r.handlers[t]; !ok {
			out = append(out, t)
		}
	}
	return out
}
