// Package usage provides usage event types and windowed aggregation.
// All functions are pure - no side effects.
package usage

import (
	"math"
	"time"

	"github.com/artpar/paywall/domain/fault"
)

// Kind classifies a ledger entry.
type Kind string

const (
	KindConsumption Kind = "consumption" // Work that consumed units
	KindReset       Kind = "reset"       // Purchase that starts a new effective window
	KindGrant       Kind = "grant"       // Purchase that raises the limit inside the window
)

// Units is the consumption of one operation, split by direction.
type Units struct {
	Input  int64
	Output int64
}

// Total returns input plus output units, clamped at math.MaxInt64.
func (u Units) Total() int64 {
	return SaturatingAdd(u.Input, u.Output)
}

// SaturatingAdd adds two non-negative unit counts, clamping at math.MaxInt64
// so an oversized ledger reads as over any limit instead of wrapping.
func SaturatingAdd(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

// Event represents a single ledger entry (immutable value type).
// Consumption events are emitted only after the work they describe completed.
type Event struct {
	ID            string
	SubjectID     string
	ResourceClass string // e.g. model id
	Kind          Kind
	Units         Units
	CostEstimate  float64 // USD, informational
	Timestamp     time.Time
	Metadata      map[string]string
}

// EffectiveKind returns the event kind, defaulting to consumption.
func (e Event) EffectiveKind() Kind {
	if e.Kind == "" {
		return KindConsumption
	}
	return e.Kind
}

// Validate checks the event shape.
func (e Event) Validate() error {
	if e.SubjectID == "" {
		return &fault.ValidationError{Code: fault.CodeMissingUserID, Field: "subject_id", Message: "subject id is required"}
	}
	if e.Units.Input < 0 || e.Units.Output < 0 {
		return fault.Invalid("units", "units consumed must not be negative")
	}
	if e.Units.Input > math.MaxInt64-e.Units.Output {
		return fault.Invalid("units", "units consumed overflow")
	}
	if e.CostEstimate < 0 {
		return fault.Invalid("cost_estimate", "cost estimate must not be negative")
	}
	switch e.EffectiveKind() {
	case KindConsumption, KindReset, KindGrant:
	default:
		return fault.Invalid("kind", "unknown event kind "+string(e.Kind))
	}
	return nil
}

// NewConsumption creates a consumption event for completed work.
func NewConsumption(id, subjectID, resourceClass string, units Units, costEstimate float64, timestamp time.Time) Event {
	return Event{
		ID:            id,
		SubjectID:     subjectID,
		ResourceClass: resourceClass,
		Kind:          KindConsumption,
		Units:         units,
		CostEstimate:  costEstimate,
		Timestamp:     timestamp,
	}
}

// NewReset creates a reset event fed back after a confirmed purchase.
func NewReset(id, subjectID, reference string, timestamp time.Time) Event {
	return Event{
		ID:        id,
		SubjectID: subjectID,
		Kind:      KindReset,
		Timestamp: timestamp,
		Metadata:  map[string]string{"confirmation_id": reference},
	}
}

// NewGrant creates a quota-increase event of the given size.
func NewGrant(id, subjectID, reference string, units int64, timestamp time.Time) Event {
	return Event{
		ID:        id,
		SubjectID: subjectID,
		Kind:      KindGrant,
		Units:     Units{Input: units},
		Timestamp: timestamp,
		Metadata:  map[string]string{"confirmation_id": reference},
	}
}

// Usage is the aggregate of one subject's ledger over a window (value type).
type Usage struct {
	SubjectID    string
	WindowStart  time.Time
	WindowEnd    time.Time
	UnitsUsed    int64
	InputUnits   int64
	OutputUnits  int64
	EventCount   int64
	GrantedUnits int64
	CostEstimate float64
}
