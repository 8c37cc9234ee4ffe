// Package money implements fixed-point monetary amounts in minor units.
// All billing arithmetic goes through this type; two amounts may only be
// combined when their currencies match, and cross-currency movement
// requires an explicit Convert with a rate from the exchange rate cache.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrCurrencyMismatch = errors.New("currency_mismatch")
	ErrUnknownCurrency  = errors.New("unknown_currency")
	ErrInvalidRatio     = errors.New("invalid_ratio")
)

// minorUnits maps supported ISO-4217 codes to their minor-unit exponent.
// Unknown currencies fail closed rather than defaulting to two decimals.
var minorUnits = map[string]int32{
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"CAD": 2,
	"AUD": 2,
	"SGD": 2,
	"NGN": 2,
	"ZAR": 2,
	"KES": 2,
	"GHS": 2,
	"INR": 2,
	"JPY": 0,
}

type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// New validates the currency and returns a Money in minor units.
func New(amount int64, currency string) (Money, error) {
	code, err := NormalizeCurrency(currency)
	if err != nil {
		return Money{}, err
	}
	return Money{Amount: amount, Currency: code}, nil
}

// MustNew is for constants and tests with known-good currencies.
func MustNew(amount int64, currency string) Money {
	m, err := New(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

func NormalizeCurrency(currency string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(currency))
	if _, ok := minorUnits[code]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCurrency, currency)
	}
	return code, nil
}

// Exponent returns the minor-unit exponent for a supported currency.
func Exponent(currency string) (int32, error) {
	code, err := NormalizeCurrency(currency)
	if err != nil {
		return 0, err
	}
	return minorUnits[code], nil
}

func (m Money) IsZero() bool     { return m.Amount == 0 }
func (m Money) IsNegative() bool { return m.Amount < 0 }

func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, ErrCurrencyMismatch
	}
	return Money{Amount: m.Amount + other.Amount, Currency: m.Currency}, nil
}

func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, ErrCurrencyMismatch
	}
	return Money{Amount: m.Amount - other.Amount, Currency: m.Currency}, nil
}

func (m Money) Neg() Money {
	return Money{Amount: -m.Amount, Currency: m.Currency}
}

func (m Money) Abs() Money {
	if m.Amount < 0 {
		return m.Neg()
	}
	return m
}

// MulRatio multiplies by num/den in exact decimal arithmetic and rounds
// half-up once at the end. Intermediate results are never rounded.
func (m Money) MulRatio(num, den int64) (Money, error) {
	if den == 0 {
		return Money{}, ErrInvalidRatio
	}
	value := decimal.NewFromInt(m.Amount).
		Mul(decimal.NewFromInt(num)).
		Div(decimal.NewFromInt(den))
	return Money{Amount: roundHalfUp(value), Currency: m.Currency}, nil
}

// MulDecimal multiplies by an arbitrary decimal factor, rounding half-up
// once at the end.
func (m Money) MulDecimal(factor decimal.Decimal) Money {
	value := decimal.NewFromInt(m.Amount).Mul(factor)
	return Money{Amount: roundHalfUp(value), Currency: m.Currency}
}

// Convert produces the amount in the target currency at the given rate.
// The rate is expressed in major units (1 from = rate to); minor-unit
// exponents of both currencies are accounted for.
func (m Money) Convert(target string, rate decimal.Decimal) (Money, error) {
	targetCode, err := NormalizeCurrency(target)
	if err != nil {
		return Money{}, err
	}
	fromExp, err := Exponent(m.Currency)
	if err != nil {
		return Money{}, err
	}
	toExp := minorUnits[targetCode]

	major := decimal.NewFromInt(m.Amount).Shift(-fromExp)
	converted := major.Mul(rate).Shift(toExp)
	return Money{Amount: roundHalfUp(converted), Currency: targetCode}, nil
}

// String renders the amount in major units, e.g. "USD 12.50".
func (m Money) String() string {
	exp, err := Exponent(m.Currency)
	if err != nil {
		return fmt.Sprintf("%s %d", m.Currency, m.Amount)
	}
	return fmt.Sprintf("%s %s", m.Currency, decimal.NewFromInt(m.Amount).Shift(-exp).StringFixed(exp))
}

// roundHalfUp rounds half away from zero to an integer number of minor
// units. This is the engine-wide rounding policy: applied exactly once
// per derived amount, never per intermediate step.
func roundHalfUp(value decimal.Decimal) int64 {
	return value.Round(0).IntPart()
}
