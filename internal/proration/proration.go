// Package proration computes the credit/charge pair for a mid-period
// plan change.
//
// Rounding policy: each derived amount is computed in decimal and
// rounded half away from zero exactly once at the end. Credits round in
// the customer's favor ($4.995 becomes $5.00); the net is taken from
// the rounded credit and charge so the three published amounts always
// reconcile.
package proration

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/ledgerline/internal/money"
)

var (
	ErrInvalidPeriod    = errors.New("invalid_period")
	ErrCurrencyMismatch = money.ErrCurrencyMismatch
)

type Result struct {
	Credit money.Money
	Charge money.Money
	// Net is Charge minus Credit; negative means the customer is owed.
	Net money.Money
}

// Calculate prorates a plan change at changeDate within
// [periodStart, periodEnd]. A change on the period's last day has zero
// remaining days and yields zero amounts. Day counts use whole UTC
// days.
func Calculate(oldPrice, newPrice money.Money, periodStart, periodEnd, changeDate time.Time) (Result, error) {
	if oldPrice.Currency != newPrice.Currency {
		return Result{}, ErrCurrencyMismatch
	}

	periodStart = periodStart.UTC().Truncate(24 * time.Hour)
	periodEnd = periodEnd.UTC().Truncate(24 * time.Hour)
	changeDate = changeDate.UTC().Truncate(24 * time.Hour)

	daysInPeriod := int64(periodEnd.Sub(periodStart).Hours() / 24)
	if daysInPeriod <= 0 {
		return Result{}, ErrInvalidPeriod
	}
	if changeDate.Before(periodStart) || changeDate.After(periodEnd) {
		return Result{}, ErrInvalidPeriod
	}
	daysRemaining := int64(periodEnd.Sub(changeDate).Hours() / 24)

	ratio := decimal.NewFromInt(daysRemaining).Div(decimal.NewFromInt(daysInPeriod))

	credit := oldPrice.MulDecimal(ratio)
	charge := newPrice.MulDecimal(ratio)
	net, err := charge.Sub(credit)
	if err != nil {
		return Result{}, err
	}

	return Result{Credit: credit, Charge: charge, Net: net}, nil
}
