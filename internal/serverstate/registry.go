package serverstate

import (
	"sort"
	"sync"
)

// Element is one component's contribution to the /api/state document.
type Element struct {
	ID   string
	Data func() any
}

// Registry collects state elements from the running components.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Element
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Element)}
}

// Add registers e, replacing any element with the same id.
func (r *Registry) Add(e Element) {
	r.mu.Lock()
	r.entries[e.ID] = e
	r.mu.Unlock()
}

// Elements returns the registered elements sorted by id.
func (r *Registry) Elements() []Element {
	r.mu.RLock()
	res := make([]Element, 0, len(r.entries))
	for _, e := range r.entries {
		res = append(res, e)
	}
	r.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Snapshot evaluates every element.
func (r *Registry) Snapshot() map[string]any {
	out := map[string]any{}
	for _, e := range r.Elements() {
		if e.Data != nil {
			out[e.ID] = e.Data()
		}
	}
	return out
}
