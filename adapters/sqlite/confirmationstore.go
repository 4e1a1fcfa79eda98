package sqlite

import (
	"context"
	"fmt"

	"github.com/artpar/paywall/adapters/clock"
	"github.com/artpar/paywall/ports"
)

// ConfirmationStore implements ports.ConfirmationStore using SQLite.
// The primary key makes the first insert win under concurrent delivery.
type ConfirmationStore struct {
	db    *DB
	clock ports.Clock
}

// NewConfirmationStore creates a new SQLite confirmation store. processed_at
// is stamped from clk; nil uses the wall clock.
func NewConfirmationStore(db *DB, clk ports.Clock) *ConfirmationStore {
	return &ConfirmationStore{db: db, clock: clock.Or(clk)}
}

// MarkProcessed returns true when this call inserted the id.
func (s *ConfirmationStore) MarkProcessed(ctx context.Context, confirmationID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO payment_confirmations (id, processed_at) VALUES (?, ?)",
		confirmationID, s.clock.Now().UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("mark confirmation processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release forgets an id.
func (s *ConfirmationStore) Release(ctx context.Context, confirmationID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM payment_confirmations WHERE id = ?", confirmationID); err != nil {
		return fmt.Errorf("release confirmation: %w", err)
	}
	return nil
}

// Ensure interface compliance.
var _ ports.ConfirmationStore = (*ConfirmationStore)(nil)
