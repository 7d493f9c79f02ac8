package callback

import (
	"sync"
	"sync/atomic"

	"github.com/flowpbx/mediabot/internal/callleg"
)

// Registry tracks live call legs by call leg id. The id doubles as the
// workflow app state, so callbacks are routed by looking it up here.
type Registry struct {
	mu      sync.Mutex
	legs    map[string]*callleg.Controller
	created atomic.Uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{legs: make(map[string]*callleg.Controller)}
}

// Add registers a controller under its call leg id.
func (r *Registry) Add(c *callleg.Controller) {
	r.mu.Lock()
	r.legs[c.CallLegID()] = c
	r.mu.Unlock()
	r.created.Add(1)
}

// Get returns the controller for legID.
func (r *Registry) Get(legID string) (*callleg.Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.legs[legID]
	return c, ok
}

// Remove drops legID and reports whether it was present.
func (r *Registry) Remove(legID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.legs[legID]
	delete(r.legs, legID)
	return ok
}

// ActiveCount returns the number of registered legs.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.legs)
}

// CreatedTotal returns how many legs were ever registered.
func (r *Registry) CreatedTotal() uint64 {
	return r.created.Load()
}

// Shutdown cancels every leg's watchdog and empties the registry.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.legs {
		c.Watchdog().Cancel()
		delete(r.legs, id)
	}
}
