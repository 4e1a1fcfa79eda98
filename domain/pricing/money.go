package pricing

import (
	"strings"

	"github.com/shopspring/decimal"
)

// minorUnits lists the supported currencies and their decimal places.
var minorUnits = map[string]int32{
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"CAD": 2,
	"AUD": 2,
	"JPY": 0,
	"KRW": 0,
}

// MinorUnit returns the number of decimal places of a currency.
func MinorUnit(currency string) (int32, bool) {
	places, ok := minorUnits[strings.ToUpper(currency)]
	return places, ok
}

// Money is an amount in a currency (value type).
type Money struct {
	Amount   decimal.Decimal
	Currency string
}

// String formats the amount with the currency's minor unit.
func (m Money) String() string {
	return m.Fixed() + " " + m.Currency
}

// Fixed formats the amount alone with the currency's minor unit.
func (m Money) Fixed() string {
	places, ok := MinorUnit(m.Currency)
	if !ok {
		places = 2
	}
	return m.Amount.StringFixed(places)
}

// Float returns the amount as a float for JSON contracts that require a number.
func (m Money) Float() float64 {
	f, _ := m.Amount.Float64()
	return f
}

// MinorAmount returns the amount in the currency's minor unit (e.g. cents).
func (m Money) MinorAmount() int64 {
	places, ok := MinorUnit(m.Currency)
	if !ok {
		places = 2
	}
	return m.Amount.Shift(places).Round(0).IntPart()
}

// RoundHalfUp rounds a non-negative amount to the currency's minor unit.
// decimal.Round rounds half away from zero, which is half-up for prices.
func RoundHalfUp(amount decimal.Decimal, currency string) decimal.Decimal {
	places, ok := MinorUnit(currency)
	if !ok {
		places = 2
	}
	return amount.Round(places)
}
