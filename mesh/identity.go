package mesh

import (
	"fmt"
	"sync"

	"github.com/dws-network/dws-core/internal/idhash"
)

// ServiceID derives the stable identity id for a namespace/name pair:
// the first 18 hex characters of keccak256("namespace/name"), per base
// spec §4.6 and grounded on the teacher's keccak derivation
// (internal/idhash, itself adapted from pkg/crypto/keccak.go).
func ServiceID(namespace, name string) string {
	digest := idhash.Keccak256Hex([]byte(namespace + "/" + name))
	if len(digest) > 18 {
		digest = digest[:18]
	}
	return digest
}

// Registry holds registered ServiceIdentity values, keyed by id.
type Registry struct {
	mu       sync.RWMutex
	services map[string]ServiceIdentity
}

// NewRegistry creates an empty identity registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]ServiceIdentity)}
}

// Register adds or replaces a service identity, deriving its id from
// namespace+name if ID is unset.
func (r *Registry) Register(identity ServiceIdentity) (ServiceIdentity, error) {
	if identity.Name == "" || identity.Namespace == "" {
		return ServiceIdentity{}, fmt.Errorf("mesh: service identity requires name and namespace")
	}
	if identity.ID == "" {
		identity.ID = ServiceID(identity.Namespace, identity.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[identity.ID] = identity
	return identity, nil
}

// Deregister removes a registered service identity.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, id)
}

// Discover looks up a service by namespace+name.
func (r *Registry) Discover(namespace, name string) (ServiceIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	identity, ok := r.services[ServiceID(namespace, name)]
	return identity, ok
}

// Get looks up a service identity by id.
func (r *Registry) Get(id string) (ServiceIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	identity, ok := r.services[id]
	return identity, ok
}

// List returns every registered service identity matching selector (a
// zero-value Selector matches everything).
func (r *Registry) List(selector Selector) []ServiceIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceIdentity, 0, len(r.services))
	for _, identity := range r.services {
		if selector.Matches(identity) {
			out = append(out, identity)
		}
	}
	return out
}
