package memory

import (
	"context"
	"sync"

	"github.com/artpar/paywall/domain/conversion"
	"github.com/artpar/paywall/ports"
	"github.com/shopspring/decimal"
)

// ConversionStore is an in-memory implementation of ports.ConversionStore.
type ConversionStore struct {
	mu       sync.Mutex
	counters map[string]map[string]conversion.Counters // experiment -> variant -> counters
}

// NewConversionStore creates a new in-memory conversion store.
func NewConversionStore() *ConversionStore {
	return &ConversionStore{
		counters: make(map[string]map[string]conversion.Counters),
	}
}

// Increment adds delta to the (experiment, variant) counters.
func (s *ConversionStore) Increment(ctx context.Context, experimentKey, variantID string, delta conversion.Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	variants, ok := s.counters[experimentKey]
	if !ok {
		variants = make(map[string]conversion.Counters)
		s.counters[experimentKey] = variants
	}
	c, ok := variants[variantID]
	if !ok {
		c = conversion.Counters{ExperimentKey: experimentKey, VariantID: variantID, Revenue: decimal.Zero}
	}
	variants[variantID] = c.Add(delta)
	return nil
}

// List returns every variant row for the experiment.
func (s *ConversionStore) List(ctx context.Context, experimentKey string) ([]conversion.Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]conversion.Counters, 0, len(s.counters[experimentKey]))
	for _, c := range s.counters[experimentKey] {
		out = append(out, c)
	}
	return out, nil
}

// Ensure interface compliance.
var _ ports.ConversionStore = (*ConversionStore)(nil)
