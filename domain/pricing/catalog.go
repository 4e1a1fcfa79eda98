// Package pricing maps (product type, variant) to a concrete price and keeps
// the whitelist used to reject client-supplied amounts.
// A Catalog is immutable after New and safe for concurrent use.
package pricing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/artpar/paywall/domain/experiment"
	"github.com/artpar/paywall/domain/fault"
	"github.com/shopspring/decimal"
)

// Effect is what a confirmed purchase does to the subject's quota.
type Effect string

const (
	EffectReset Effect = "reset" // Start a new effective window
	EffectGrant Effect = "grant" // Add GrantUnits to the limit inside the window
)

// Product is a purchasable upgrade.
type Product struct {
	Type        string
	BasePrice   decimal.Decimal
	Currency    string
	Message     string
	Description string
	Effect      Effect
	GrantUnits  int64
}

// Catalog holds validated products and their pricing experiments.
type Catalog struct {
	products    map[string]Product
	experiments map[string]experiment.Experiment // keyed by product type
	byKey       map[string]experiment.Experiment // keyed by experiment key
}

// New validates products and experiments and builds a catalog.
// A malformed experiment is a startup error: the catalog refuses to serve.
func New(products []Product, experiments []experiment.Experiment) (*Catalog, error) {
	c := &Catalog{
		products:    make(map[string]Product, len(products)),
		experiments: make(map[string]experiment.Experiment, len(experiments)),
		byKey:       make(map[string]experiment.Experiment, len(experiments)),
	}

	for _, p := range products {
		if err := validateProduct(p); err != nil {
			return nil, err
		}
		if _, dup := c.products[p.Type]; dup {
			return nil, &fault.ConfigError{Subject: p.Type, Reason: "duplicate product type"}
		}
		p.Currency = strings.ToUpper(p.Currency)
		if p.Effect == "" {
			p.Effect = EffectReset
		}
		c.products[p.Type] = p
	}

	for _, e := range experiments {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if _, ok := c.products[e.ProductType]; !ok {
			return nil, &fault.ConfigError{Subject: e.Key, Reason: fmt.Sprintf("unknown product type %q", e.ProductType)}
		}
		if _, dup := c.experiments[e.ProductType]; dup {
			return nil, &fault.ConfigError{Subject: e.Key, Reason: "product already has an experiment"}
		}
		if _, dup := c.byKey[e.Key]; dup {
			return nil, &fault.ConfigError{Subject: e.Key, Reason: "duplicate experiment key"}
		}
		c.experiments[e.ProductType] = e
		c.byKey[e.Key] = e
	}

	// Every product needs an experiment, even if it only has a control.
	for t := range c.products {
		if _, ok := c.experiments[t]; !ok {
			return nil, &fault.ConfigError{Subject: t, Reason: "product has no experiment"}
		}
	}

	return c, nil
}

func validateProduct(p Product) error {
	if p.Type == "" {
		return &fault.ConfigError{Subject: "product", Reason: "type is required"}
	}
	if !p.BasePrice.IsPositive() {
		return &fault.ConfigError{Subject: p.Type, Reason: "base price must be positive"}
	}
	if _, ok := MinorUnit(p.Currency); !ok {
		return &fault.ConfigError{Subject: p.Type, Reason: fmt.Sprintf("unsupported currency %q", p.Currency)}
	}
	switch p.Effect {
	case "", EffectReset:
	case EffectGrant:
		if p.GrantUnits <= 0 {
			return &fault.ConfigError{Subject: p.Type, Reason: "grant units must be positive"}
		}
	default:
		return &fault.ConfigError{Subject: p.Type, Reason: fmt.Sprintf("unknown effect %q", p.Effect)}
	}
	return nil
}

// Product returns the product for a type.
func (c *Catalog) Product(productType string) (Product, bool) {
	p, ok := c.products[productType]
	return p, ok
}

// Products returns the product types in lexical order.
func (c *Catalog) Products() []string {
	types := make([]string, 0, len(c.products))
	for t := range c.products {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Experiment returns the experiment attached to a product type.
func (c *Catalog) Experiment(productType string) (experiment.Experiment, bool) {
	e, ok := c.experiments[productType]
	return e, ok
}

// ExperimentByKey returns an experiment by its key.
func (c *Catalog) ExperimentByKey(key string) (experiment.Experiment, bool) {
	e, ok := c.byKey[key]
	return e, ok
}

// Multiplier returns the multiplier of a variant in an experiment.
func (c *Catalog) Multiplier(experimentKey, variantID string) (decimal.Decimal, bool) {
	e, ok := c.byKey[experimentKey]
	if !ok {
		return decimal.Zero, false
	}
	v, ok := e.Variant(variantID)
	if !ok {
		return decimal.Zero, false
	}
	return v.Multiplier, true
}

// PriceFor returns base price × multiplier rounded half-up to the minor unit.
func (c *Catalog) PriceFor(productType string, v experiment.Variant) (Money, error) {
	p, ok := c.products[productType]
	if !ok {
		return Money{}, &fault.ValidationError{
			Code:    fault.CodeInvalidProductType,
			Field:   "product_type",
			Message: fmt.Sprintf("unknown product type %q", productType),
		}
	}
	return Money{
		Amount:   RoundHalfUp(p.BasePrice.Mul(v.Multiplier), p.Currency),
		Currency: p.Currency,
	}, nil
}

// PriceForVariant looks up a registered variant by id and prices it.
func (c *Catalog) PriceForVariant(productType, variantID string) (Money, experiment.Variant, error) {
	e, ok := c.experiments[productType]
	if !ok {
		return Money{}, experiment.Variant{}, &fault.ValidationError{
			Code:    fault.CodeInvalidProductType,
			Field:   "product_type",
			Message: fmt.Sprintf("unknown product type %q", productType),
		}
	}
	v, ok := e.Variant(variantID)
	if !ok {
		return Money{}, experiment.Variant{}, &fault.ValidationError{
			Code:    fault.CodeUnknownVariant,
			Field:   "variant_id",
			Message: fmt.Sprintf("unknown variant %q for %s", variantID, productType),
		}
	}
	m, err := c.PriceFor(productType, v)
	return m, v, err
}

// Validate reports whether amount is a catalog price for productType.
// With a variant id only that variant's price is accepted; without one any
// registered variant's price is accepted.
func (c *Catalog) Validate(productType string, amount decimal.Decimal, variantID string) bool {
	e, ok := c.experiments[productType]
	if !ok {
		return false
	}
	for _, v := range e.Variants {
		if variantID != "" && v.ID != variantID {
			continue
		}
		m, err := c.PriceFor(productType, v)
		if err == nil && m.Amount.Equal(amount) {
			return true
		}
	}
	return false
}
