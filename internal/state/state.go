// Package state tracks the named conditions currently asserted on a
// watched root, such as an in-progress rebase announced by a tool.
package state

import "sync"

// Registry is the lock-protected set of asserted state names for one root.
type Registry struct {
	mu    sync.RWMutex
	names map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		names: make(map[string]struct{}),
	}
}

// Enter asserts a state. It reports whether the state was newly asserted.
func (r *Registry) Enter(name string) bool {
	if r == nil || name == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.names[name]; ok {
		return false
	}
	r.names[name] = struct{}{}
	return true
}

// Leave clears a state. It reports whether the state was asserted.
func (r *Registry) Leave(name string) bool {
	if r == nil || name == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.names[name]; !ok {
		return false
	}
	delete(r.names, name)
	return true
}

// IsAsserted reports whether name is currently asserted.
func (r *Registry) IsAsserted(name string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.names[name]
	return ok
}

// Snapshot returns a point-in-time copy of the asserted set. The read lock
// is held only for the copy, never across policy evaluation or queries.
func (r *Registry) Snapshot() map[string]struct{} {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.names) == 0 {
		return nil
	}
	snapshot := make(map[string]struct{}, len(r.names))
	for name := range r.names {
		snapshot[name] = struct{}{}
	}
	return snapshot
}

// List returns the asserted names in unspecified order.
func (r *Registry) List() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.names))
	for name := range r.names {
		names = append(names, name)
	}
	return names
}
