package supervision

import (
	"sort"
	"sync"

	"github.com/MrCodeEU/examguard/pkg/logging"
)

// Factory builds the controller for an identity.
type Factory func(identity string) *Controller

// Registry keeps one Controller per identity.
type Registry struct {
	mu          sync.Mutex
	factory     Factory
	onEvict     func(identity string)
	controllers map[string]*Controller
}

// NewRegistry creates an empty registry.
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory:     factory,
		controllers: make(map[string]*Controller),
	}
}

// Get returns the controller for identity, if one exists.
func (r *Registry) Get(identity string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.controllers[identity]
	return c, ok
}

// GetOrCreate returns the controller for identity, creating it on first use.
func (r *Registry) GetOrCreate(identity string) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.controllers[identity]; ok {
		return c
	}
	c := r.factory(identity)
	r.controllers[identity] = c
	return c
}

// OnEvict registers fn to run, under the registry lock, whenever Evict
// drops a controller. Per-identity resources released there cannot race
// with a factory call for the same identity.
func (r *Registry) OnEvict(fn func(identity string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvict = fn
}

// Evict forgets c if it is still the controller registered for identity
// and has no running session. It reports whether c was dropped.
func (r *Registry) Evict(identity string, c *Controller) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.controllers[identity] != c || !c.retire() {
		return false
	}
	delete(r.controllers, identity)
	if r.onEvict != nil {
		r.onEvict(identity)
	}
	logging.ForIdentity("supervision", identity).Debug("Idle controller evicted")
	return true
}

// Remove closes and forgets the controller for identity.
func (r *Registry) Remove(identity string) {
	r.mu.Lock()
	c, ok := r.controllers[identity]
	delete(r.controllers, identity)
	r.mu.Unlock()

	if ok {
		if err := c.Close(); err != nil {
			logging.ForIdentity("supervision", identity).WithError(err).Warn("Failed to close controller")
		}
	}
}

// Identities lists identities with a controller, sorted.
func (r *Registry) Identities() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.controllers))
	for id := range r.controllers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseAll closes every controller. Used on shutdown.
func (r *Registry) CloseAll() {
	for _, id := range r.Identities() {
		r.Remove(id)
	}
}
