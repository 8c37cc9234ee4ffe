package money

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestAddRejectsMixedCurrencies(t *testing.T) {
	usd := MustNew(1000, "USD")
	eur := MustNew(1000, "EUR")

	_, err := usd.Add(eur)
	require.ErrorIs(t, err, ErrCurrencyMismatch)

	_, err = usd.Sub(eur)
	require.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestNewRejectsUnknownCurrency(t *testing.T) {
	_, err := New(100, "XTS")
	require.ErrorIs(t, err, ErrUnknownCurrency)
}

func TestMulRatioRoundsOnceHalfUp(t *testing.T) {
	// 999 * 15 / 30 = 499.5 -> 500 minor units
	m := MustNew(999, "USD")
	got, err := m.MulRatio(15, 30)
	require.NoError(t, err)
	require.Equal(t, int64(500), got.Amount)

	// 2999 * 15 / 30 = 1499.5 -> 1500
	m = MustNew(2999, "USD")
	got, err = m.MulRatio(15, 30)
	require.NoError(t, err)
	require.Equal(t, int64(1500), got.Amount)

	_, err = m.MulRatio(1, 0)
	require.ErrorIs(t, err, ErrInvalidRatio)
}

func TestMulRatioNegativeRoundsAwayFromZero(t *testing.T) {
	m := MustNew(-999, "USD")
	got, err := m.MulRatio(15, 30)
	require.NoError(t, err)
	require.Equal(t, int64(-500), got.Amount)
}

func TestConvertAccountsForExponents(t *testing.T) {
	// 10.00 USD at 150.25 JPY/USD -> 1503 JPY (zero-decimal currency)
	usd := MustNew(1000, "USD")
	rate := decimal.RequireFromString("150.25")
	jpy, err := usd.Convert("JPY", rate)
	require.NoError(t, err)
	require.Equal(t, int64(1503), jpy.Amount)
	require.Equal(t, "JPY", jpy.Currency)

	// 10.00 USD at 0.92 EUR/USD -> 9.20 EUR
	eur, err := usd.Convert("EUR", decimal.RequireFromString("0.92"))
	require.NoError(t, err)
	require.Equal(t, int64(920), eur.Amount)
}

func TestConvertUnknownTarget(t *testing.T) {
	usd := MustNew(1000, "USD")
	_, err := usd.Convert("ABC", decimal.NewFromInt(1))
	require.True(t, errors.Is(err, ErrUnknownCurrency))
}

func TestString(t *testing.T) {
	require.Equal(t, "USD 12.50", MustNew(1250, "USD").String())
	require.Equal(t, "JPY 1503", MustNew(1503, "JPY").String())
}
