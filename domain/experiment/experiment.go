// Package experiment defines pricing experiments and the deterministic
// assignment of subjects to variants. Assignment keeps no state: the same
// subject, key and variant set always produce the same variant.
package experiment

import (
	"errors"
	"fmt"

	"github.com/artpar/paywall/domain/fault"
	"github.com/shopspring/decimal"
)

// ControlID is the id of the baseline variant every experiment must carry.
const ControlID = "control"

// ErrNoVariants is returned when assigning against an empty variant set.
var ErrNoVariants = errors.New("experiment has no variants")

// Variant is one pricing treatment within an experiment.
type Variant struct {
	ID         string
	Multiplier decimal.Decimal
	Label      string
}

// Experiment groups the variants offered for one product type.
type Experiment struct {
	Key         string
	ProductType string
	Variants    []Variant
}

// Validate checks the structural invariants of an experiment:
// a non-empty variant list, unique ids, positive multipliers and exactly one
// control variant with multiplier 1.0.
func (e Experiment) Validate() error {
	if e.Key == "" {
		return &fault.ConfigError{Subject: "experiment", Reason: "key is required"}
	}
	if len(e.Variants) == 0 {
		return &fault.ConfigError{Subject: e.Key, Reason: "variant list is empty"}
	}

	seen := make(map[string]bool, len(e.Variants))
	controls := 0
	for _, v := range e.Variants {
		if v.ID == "" {
			return &fault.ConfigError{Subject: e.Key, Reason: "variant id is required"}
		}
		if seen[v.ID] {
			return &fault.ConfigError{Subject: e.Key, Reason: fmt.Sprintf("duplicate variant %q", v.ID)}
		}
		seen[v.ID] = true

		if !v.Multiplier.IsPositive() {
			return &fault.ConfigError{Subject: e.Key, Reason: fmt.Sprintf("variant %q multiplier must be positive", v.ID)}
		}
		if v.ID == ControlID {
			controls++
			if !v.Multiplier.Equal(decimal.NewFromInt(1)) {
				return &fault.ConfigError{Subject: e.Key, Reason: "control multiplier must be 1.0"}
			}
		}
	}
	if controls != 1 {
		return &fault.ConfigError{Subject: e.Key, Reason: "exactly one control variant is required"}
	}
	return nil
}

// Variant returns the variant with the given id.
func (e Experiment) Variant(id string) (Variant, bool) {
	for _, v := range e.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// Assign returns the subject's variant for this experiment.
func (e Experiment) Assign(subjectID string) (Variant, error) {
	return Assign(subjectID, e.Key, e.Variants)
}

// Assign deterministically maps (subjectID, experimentKey) onto one of variants.
// The variant order is part of the configuration: reordering moves subjects.
func Assign(subjectID, experimentKey string, variants []Variant) (Variant, error) {
	if len(variants) == 0 {
		return Variant{}, ErrNoVariants
	}
	return variants[Bucket(subjectID, experimentKey, len(variants))], nil
}
