// Package capability maintains the registry of named external actions that
// playbook steps and automated responses dispatch to.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"sentinel-soar/internal/fault"
)

// Action performs one external operation. params comes from the step or
// response definition; vars carries the execution's variable bindings. The
// returned output is stored on the step result and may feed later steps.
type Action func(ctx context.Context, params, vars map[string]any) (any, error)

// Registry maps action type names to their implementations.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]Action),
	}
}

// Register adds an action under its type name. Registering a duplicate name
// is an error so wiring mistakes surface at startup.
func (r *Registry) Register(name string, action Action) error {
	if name == "" {
		return fmt.Errorf("action name is required")
	}
	if action == nil {
		return fmt.Errorf("action %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[name]; exists {
		return fmt.Errorf("action %q already registered", name)
	}
	r.actions[name] = action
	return nil
}

// Has reports whether an action type is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[name]
	return ok
}

// Names returns the registered action type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs the named action. An unknown name, a failed action, and a
// deadline expiry all come back as capability errors so callers can treat
// dispatch failures uniformly.
func (r *Registry) Invoke(ctx context.Context, name string, params, vars map[string]any) (any, error) {
	r.mu.RLock()
	action, ok := r.actions[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fault.NewCapability(name, fmt.Errorf("not registered"))
	}

	out, err := action(ctx, params, vars)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fault.NewTimeout(name, err)
		}
		return nil, fault.NewCapability(name, err)
	}
	return out, nil
}
