package memory

import (
	"context"
	"sync"

	"github.com/artpar/paywall/ports"
)

// ConfirmationStore is an in-memory implementation of ports.ConfirmationStore.
// Suitable for single-instance deployments and testing.
type ConfirmationStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewConfirmationStore creates a new in-memory confirmation store.
func NewConfirmationStore() *ConfirmationStore {
	return &ConfirmationStore{seen: make(map[string]struct{})}
}

// MarkProcessed returns true the first time an id is marked.
func (s *ConfirmationStore) MarkProcessed(ctx context.Context, confirmationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[confirmationID]; ok {
		return false, nil
	}
	s.seen[confirmationID] = struct{}{}
	return true, nil
}

// Release forgets an id.
func (s *ConfirmationStore) Release(ctx context.Context, confirmationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, confirmationID)
	return nil
}

// Ensure interface compliance.
var _ ports.ConfirmationStore = (*ConfirmationStore)(nil)
