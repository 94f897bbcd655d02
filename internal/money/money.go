// Package money implements fixed-point arithmetic in the smallest unit of
// a currency (cents for fiat, millisats for bitcoin), avoiding floating
// point drift in billing calculations.
package money

import "fmt"

// Amount is a quantity of currency expressed in its smallest unit.
type Amount struct {
	Units    int64
	Currency string
}

// New builds an Amount from a whole+fractional smallest-unit count.
func New(units int64, currency string) Amount {
	return Amount{Units: units, Currency: currency}
}

// FromDecimal converts a major-unit decimal amount (e.g. 12.34 USD) to its
// smallest-unit representation, given how many smallest units make up one
// major unit (100 for cents, 1000 for millisats-per-sat... callers pass the
// scale appropriate to their currency).
func FromDecimal(major float64, scale int64, currency string) Amount {
	return Amount{Units: int64(major*float64(scale) + 0.5), Currency: currency}
}

// Add returns a+b. Panics if currencies differ, mirroring the teacher's
// fail-fast style for programmer errors rather than silently corrupting a
// ledger.
func (a Amount) Add(b Amount) Amount {
	a.mustMatch(b)
	return Amount{Units: a.Units + b.Units, Currency: a.Currency}
}

// Sub returns a-b.
func (a Amount) Sub(b Amount) Amount {
	a.mustMatch(b)
	return Amount{Units: a.Units - b.Units, Currency: a.Currency}
}

// MulRate scales the amount by a rate (e.g. a tax percentage as 0.075),
// rounding half away from zero.
func (a Amount) MulRate(rate float64) Amount {
	scaled := float64(a.Units) * rate
	if scaled >= 0 {
		scaled += 0.5
	} else {
		scaled -= 0.5
	}
	return Amount{Units: int64(scaled), Currency: a.Currency}
}

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool { return a.Units == 0 }

// IsNegative reports whether the amount is below zero.
func (a Amount) IsNegative() bool { return a.Units < 0 }

func (a Amount) mustMatch(b Amount) {
	if a.Currency != b.Currency {
		panic(fmt.Sprintf("money: currency mismatch %s vs %s", a.Currency, b.Currency))
	}
}

func (a Amount) String() string {
	return fmt.Sprintf("%d %s", a.Units, a.Currency)
}

// decimalScale is the number of smallest units per major unit, per
// supported currency (spec.md §4.3: "EUR/USD/GBP/CAD/CHF/AUD = 2, JPY = 0,
// BTC = millisats"). BTC's major unit here is treated as one bitcoin, with
// 1e11 millisats per BTC, though in practice VPS pricing always deals in
// millisats directly.
var decimalScale = map[string]int64{
	"EUR": 100,
	"USD": 100,
	"GBP": 100,
	"CAD": 100,
	"CHF": 100,
	"AUD": 100,
	"JPY": 1,
	"BTC": 100_000_000_000,
}

// Scale returns the smallest-units-per-major-unit for currency, defaulting
// to 100 (two decimal places) for any currency not explicitly listed.
func Scale(currency string) int64 {
	if s, ok := decimalScale[currency]; ok {
		return s
	}
	return 100
}
