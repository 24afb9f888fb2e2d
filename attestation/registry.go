package attestation

import (
	"sort"
	"sync"

	"github.com/ruteri/enclave-trust-broker/interfaces"
)

// Registry is the in-memory attestation store. Entries are immutable once
// stored and are lost on restart.
type Registry struct {
	mu           sync.RWMutex
	attestations map[string]*interfaces.Attestation
}

func NewRegistry() *Registry {
	return &Registry{attestations: make(map[string]*interfaces.Attestation)}
}

// Put stores att. A second Put with the same id is ignored.
func (r *Registry) Put(att *interfaces.Attestation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.attestations[att.ID]; exists {
		return
	}
	stored := *att
	r.attestations[att.ID] = &stored
}

// Get returns a copy of the attestation with id.
func (r *Registry) Get(id string) (*interfaces.Attestation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	att, ok := r.attestations[id]
	if !ok {
		return nil, interfaces.ErrAttestationNotFound
	}
	out := *att
	return &out, nil
}

// List returns all attestations ordered by timestamp.
func (r *Registry) List() []*interfaces.Attestation {
	r.mu.RLock()
	out := make([]*interfaces.Attestation, 0, len(r.attestations))
	for _, att := range r.attestations {
		cp := *att
		out = append(out, &cp)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Len returns the number of stored attestations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.attestations)
}
