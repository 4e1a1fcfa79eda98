// Package idgen generates ledger event and offer identifiers.
package idgen

import (
	"strconv"
	"sync/atomic"

	"github.com/artpar/paywall/ports"
	"github.com/google/uuid"
)

// Prefixes keep ids recognisable in logs and payment metadata.
const (
	EventPrefix = "evt_"
	OfferPrefix = "offer_"
)

// UUID generates random v4 UUIDs behind an optional prefix.
type UUID struct {
	Prefix string
}

// New returns Prefix followed by a new UUID.
func (g UUID) New() string {
	return g.Prefix + uuid.NewString()
}

// Sequential generates prefix1, prefix2, ... for deterministic tests.
type Sequential struct {
	prefix string
	n      atomic.Uint64
}

// NewSequential creates a sequential generator.
func NewSequential(prefix string) *Sequential {
	return &Sequential{prefix: prefix}
}

// New returns the next id.
func (s *Sequential) New() string {
	return s.prefix + strconv.FormatUint(s.n.Add(1), 10)
}

var (
	_ ports.IDGenerator = UUID{}
	_ ports.IDGenerator = (*Sequential)(nil)
)
