// Package capability holds the registry of callable operations a node
// offers, and the built-in set every node ships with.
package capability

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/BSVanon/ClawSats-sub000/pkg/types"
	"github.com/BSVanon/ClawSats-sub000/pkg/wallet"
)

// Handler executes a capability. It receives the parsed params object and
// the node's wallet handle, and returns a JSON-serializable result.
// Capability-specific param validation lives inside the handler; the
// dispatcher does not parse param schemas.
type Handler func(ctx context.Context, params map[string]any, w wallet.Gateway) (any, error)

// Registration pairs a capability descriptor with its handler.
type Registration struct {
	Capability types.Capability
	Handler    Handler
}

// Registry is the in-memory map of capability name to handler, price, and
// tags. Names are case-sensitive unique. Handlers are registered before the
// HTTP server accepts traffic and live for the process lifetime.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Registration
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Registration)}
}

// Register adds a capability. Duplicate names and negative prices are
// configuration errors.
func (r *Registry) Register(reg Registration) error {
	if reg.Capability.Name == "" {
		return fmt.Errorf("capability name cannot be empty")
	}
	if reg.Capability.PriceSats < 0 {
		return fmt.Errorf("capability %s has negative price %d", reg.Capability.Name, reg.Capability.PriceSats)
	}
	if reg.Handler == nil {
		return fmt.Errorf("capability %s has no handler", reg.Capability.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[reg.Capability.Name]; exists {
		return fmt.Errorf("capability %s already registered", reg.Capability.Name)
	}
	r.caps[reg.Capability.Name] = reg
	return nil
}

// Get looks up a capability by name.
func (r *Registry) Get(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.caps[name]
	return reg, ok
}

// List returns every capability descriptor, ordered by name.
func (r *Registry) List() []types.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Capability, 0, len(r.caps))
	for _, reg := range r.caps {
		out = append(out, reg.Capability)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the sorted capability names.
func (r *Registry) Names() []string {
	caps := r.List()
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = c.Name
	}
	return out
}

// Search matches capabilities whose name, description, or tags contain the
// query (case-insensitive).
func (r *Registry) Search(query string) []types.Capability {
	query = strings.ToLower(query)
	var out []types.Capability
	for _, c := range r.List() {
		if query == "" ||
			strings.Contains(strings.ToLower(c.Name), query) ||
			strings.Contains(strings.ToLower(c.Description), query) ||
			tagsContain(c.Tags, query) {
			out = append(out, c)
		}
	}
	return out
}

// Size returns the number of registered capabilities.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.caps)
}

func tagsContain(tags []string, query string) bool {
	for _, t := range tags {
		if strings.Contains(strings.ToLower(t), query) {
			return true
		}
	}
	return false
}
