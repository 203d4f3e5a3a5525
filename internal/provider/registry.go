package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Binding is everything a turn needs to know about a model selector.
type Binding struct {
	Selector     string
	DisplayName  string
	ModelID      string
	Provider     Provider
	ToolSet      string
	SystemPrompt string

	// Catalog metadata shown to clients.
	Description       string
	ContextWindow     int
	InputCostPerMTok  float64
	OutputCostPerMTok float64
}

// Resolver maps model selectors to bindings.
type Resolver interface {
	Resolve(selector string) (Binding, error)
}

type Registry struct {
	mu       sync.RWMutex
	bindings map[string]Binding
}

func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]Binding)}
}

func (r *Registry) Bind(b Binding) {
	r.mu.Lock()
	r.bindings[b.Selector] = b
	r.mu.Unlock()
}

func (r *Registry) Resolve(selector string) (Binding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[selector]
	if !ok {
		return Binding{}, fmt.Errorf("%w: %q", ErrUnknownModel, selector)
	}
	return b, nil
}

// List returns the bindings ordered by selector.
func (r *Registry) List() []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Selector < out[j].Selector })
	return out
}
