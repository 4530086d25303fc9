package circuit

import (
	"sort"
	"sync"
)

// Registry hands out one breaker per dependency name. Breakers are never
// shared between names.
type Registry struct {
	mu        sync.Mutex
	defaults  Config
	overrides map[string]Config
	opts      []Option
	breakers  map[string]*Breaker
}

// NewRegistry creates a registry. overrides may be nil.
func NewRegistry(defaults Config, overrides map[string]Config, opts ...Option) *Registry {
	return &Registry{
		defaults:  defaults,
		overrides: overrides,
		opts:      opts,
		breakers:  make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg := r.defaults
	if o, ok := r.overrides[name]; ok {
		if o.FailureThreshold > 0 {
			cfg.FailureThreshold = o.FailureThreshold
		}
		if o.RecoveryTimeout > 0 {
			cfg.RecoveryTimeout = o.RecoveryTimeout
		}
	}
	b := New(name, cfg, r.opts...)
	r.breakers[name] = b
	return b
}

// Snapshots reports every breaker, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AnyOpen reports whether at least one breaker is not Closed.
func (r *Registry) AnyOpen() bool {
	for _, s := range r.Snapshots() {
		if s.State != Closed.String() {
			return true
		}
	}
	return false
}
