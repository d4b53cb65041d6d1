// Package delivery routes agent outcomes to external chat targets.
package delivery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Handler delivers a message to a target identified by sessionKey.
type Handler func(ctx context.Context, sessionKey, message string) error

// Registry routes messages to the appropriate delivery handler based on
// session key prefix (e.g. "telegram:"). The longest matching prefix wins.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for session keys starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Prefixes returns the registered prefixes in sorted order.
func (r *Registry) Prefixes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for p := range r.handlers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Deliver finds the handler matching the session key prefix and calls it.
// Returns an error if no handler is registered for the prefix.
func (r *Registry) Deliver(ctx context.Context, sessionKey, message string) error {
	r.mu.RLock()
	var best string
	var handler Handler
	for prefix, h := range r.handlers {
		if strings.HasPrefix(sessionKey, prefix) && len(prefix) >= len(best) {
			best, handler = prefix, h
		}
	}
	r.mu.RUnlock()
	if handler == nil {
		return fmt.Errorf("no delivery handler for session key: %s", sessionKey)
	}
	return handler(ctx, sessionKey, message)
}
