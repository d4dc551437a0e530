package circuitbreaker

import (
	"sort"
	"sync"
)

// Registry hands out one breaker per operation name, created lazily. The
// first configuration seen for a name wins; later calls with the same name
// return the existing breaker untouched.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for cfg.Name, creating it on first use.
func (r *Registry) Get(cfg Config) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[cfg.Name]; ok {
		return cb
	}
	cb := New(cfg)
	r.breakers[cfg.Name] = cb
	return cb
}

// Reset forces the named breaker closed. Unknown names are ignored.
func (r *Registry) Reset(name string) {
	r.mu.Lock()
	cb, ok := r.breakers[name]
	r.mu.Unlock()
	if ok {
		cb.Reset()
	}
}

// ResetAll forces every registered breaker closed.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()
	for _, cb := range breakers {
		cb.Reset()
	}
}

// Names lists the registered breaker names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
