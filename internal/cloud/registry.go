package cloud

import (
	"fmt"
	"sort"

	"github.com/safeops-dev/safeops/internal/core"
)

// Registry dispatches a provider to its adapter.
type Registry struct {
	adapters map[core.Provider]Adapter
}

// NewRegistry registers each adapter under its own provider.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[core.Provider]Adapter)}
	for _, a := range adapters {
		r.adapters[a.Provider()] = a
	}
	return r
}

// Get returns the adapter for p.
func (r *Registry) Get(p core.Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, p)
	}
	return a, nil
}

// All returns every registered adapter ordered by provider name.
func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider() < out[j].Provider() })
	return out
}

// Resolve returns the adapters an intent for p should touch: every adapter
// for multi, none for none, and the single matching adapter otherwise.
func (r *Registry) Resolve(p core.Provider) ([]Adapter, error) {
	switch p {
	case core.ProviderMulti:
		return r.All(), nil
	case core.ProviderNone, "":
		return nil, nil
	}
	a, err := r.Get(p)
	if err != nil {
		return nil, err
	}
	return []Adapter{a}, nil
}
