package sync

import (
	"sort"
	stdsync "sync"
)

// Registry maps operation types to the handler that applies them remotely.
// Registration normally happens once at startup, but the lock keeps late
// registration safe alongside an active run.
type Registry struct {
	mu       stdsync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to an operation type, replacing any previous
// binding for the same type.
func (r *Registry) Register(opType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[opType] = h
}

// Lookup returns the handler for an operation type. The second return is
// false when no handler is registered; the engine turns that into a
// terminal failure without consuming a retry.
func (r *Registry) Lookup(opType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[opType]

	return h, ok
}

// Types returns the registered operation types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}

	sort.Strings(types)

	return types
}
