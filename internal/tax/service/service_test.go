package service

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/ledgerline/internal/money"
	taxdomain "github.com/smallbiznis/ledgerline/internal/tax/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newCalculator(t *testing.T) taxdomain.Calculator {
	t.Helper()
	return NewService(Params{
		Log:   zap.NewNop(),
		Rates: NewStaticRateProvider(),
	})
}

func TestCalculateStandardVAT(t *testing.T) {
	calc := newCalculator(t)

	result, err := calc.Calculate(taxdomain.CalculateRequest{
		Amount:       money.MustNew(10000, "EUR"),
		Country:      "DE",
		CustomerType: taxdomain.CustomerTypeIndividual,
	})
	require.NoError(t, err)
	require.False(t, result.ReverseCharge)
	require.Equal(t, int64(1900), result.TaxAmount.Amount)
	require.Equal(t, "VAT", result.TaxName)
	require.True(t, result.TaxRate.Equal(decimal.RequireFromString("0.19")))
}

func TestCalculateReverseCharge(t *testing.T) {
	calc := newCalculator(t)

	result, err := calc.Calculate(taxdomain.CalculateRequest{
		Amount:       money.MustNew(10000, "EUR"),
		Country:      "DE",
		CustomerType: taxdomain.CustomerTypeBusiness,
		TaxID:        "DE123456789",
	})
	require.NoError(t, err)
	require.True(t, result.ReverseCharge)
	require.Equal(t, int64(0), result.TaxAmount.Amount)
	// Rate and name still reported for disclosure.
	require.Equal(t, "VAT", result.TaxName)
	require.True(t, result.TaxRate.Equal(decimal.RequireFromString("0.19")))
}

func TestReverseChargeRequiresValidTaxID(t *testing.T) {
	calc := newCalculator(t)

	result, err := calc.Calculate(taxdomain.CalculateRequest{
		Amount:       money.MustNew(10000, "EUR"),
		Country:      "DE",
		CustomerType: taxdomain.CustomerTypeBusiness,
		TaxID:        "DE12345", // too short
	})
	require.NoError(t, err)
	require.False(t, result.ReverseCharge)
	require.Equal(t, int64(1900), result.TaxAmount.Amount)
}

func TestReverseChargeNotForIndividuals(t *testing.T) {
	calc := newCalculator(t)

	result, err := calc.Calculate(taxdomain.CalculateRequest{
		Amount:       money.MustNew(10000, "EUR"),
		Country:      "FR",
		CustomerType: taxdomain.CustomerTypeIndividual,
		TaxID:        "FRAA123456789",
	})
	require.NoError(t, err)
	require.False(t, result.ReverseCharge)
}

func TestReverseChargeNotInIneligibleJurisdiction(t *testing.T) {
	calc := newCalculator(t)

	// AU GST is not a reverse-charge regime in the rate table.
	result, err := calc.Calculate(taxdomain.CalculateRequest{
		Amount:       money.MustNew(10000, "AUD"),
		Country:      "AU",
		CustomerType: taxdomain.CustomerTypeBusiness,
		TaxID:        "AU12345678901",
	})
	require.NoError(t, err)
	require.False(t, result.ReverseCharge)
	require.Equal(t, int64(1000), result.TaxAmount.Amount)
}

func TestMissingRateFailsClosed(t *testing.T) {
	calc := newCalculator(t)

	_, err := calc.Calculate(taxdomain.CalculateRequest{
		Amount:       money.MustNew(10000, "USD"),
		Country:      "US",
		State:        "ZZ",
		CustomerType: taxdomain.CustomerTypeIndividual,
	})
	require.ErrorIs(t, err, taxdomain.ErrRateNotFound)
}

func TestUSSalesTaxByState(t *testing.T) {
	calc := newCalculator(t)

	result, err := calc.Calculate(taxdomain.CalculateRequest{
		Amount:       money.MustNew(10000, "USD"),
		Country:      "US",
		State:        "CA",
		CustomerType: taxdomain.CustomerTypeIndividual,
		On:           time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Equal(t, int64(725), result.TaxAmount.Amount)
}

func TestValidTaxIDFormats(t *testing.T) {
	cases := []struct {
		country string
		taxID   string
		valid   bool
	}{
		{"DE", "DE123456789", true},
		{"DE", "123456789", true}, // prefix added automatically
		{"DE", "DE1234", false},
		{"NL", "NL123456789B01", true},
		{"NL", "NL123456789", false},
		{"GB", "GB123456789", true},
		{"GB", "GB123456789012", true},
		{"AT", "ATU12345678", true},
		{"AT", "12345678", false}, // missing the U block
		{"XX", "XX12345", false},
		{"DE", "", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.valid, ValidTaxID(tc.country, tc.taxID), "%s %s", tc.country, tc.taxID)
	}
}
