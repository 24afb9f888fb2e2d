package ledger

import (
	"context"
	"sync"

	"github.com/ruteri/enclave-trust-broker/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockPublisher mocks interfaces.Publisher.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, att *interfaces.Attestation) (*interfaces.Publication, error) {
	args := m.Called(ctx, att)
	pub, _ := args.Get(0).(*interfaces.Publication)
	return pub, args.Error(1)
}

// MemoryPublisher keeps publications in memory. It stands in for a ledger in
// simulated deployments.
type MemoryPublisher struct {
	mu           sync.RWMutex
	publications map[string]*interfaces.Publication
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{publications: make(map[string]*interfaces.Publication)}
}

func (m *MemoryPublisher) Publish(_ context.Context, att *interfaces.Attestation) (*interfaces.Publication, error) {
	pub, err := publicationFor(att)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.publications[att.ID] = pub
	return pub, nil
}

// Lookup returns the publication recorded for an attestation id.
func (m *MemoryPublisher) Lookup(attestationID string) (*interfaces.Publication, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pub, ok := m.publications[attestationID]
	return pub, ok
}

// Len returns the number of recorded publications.
func (m *MemoryPublisher) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.publications)
}
