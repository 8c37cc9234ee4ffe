// Package domain defines tax calculation contracts.
//
// Rates are data, not code: the engine depends on a RateProvider that
// resolves (country, state, date) to a rate, and never calls out to a
// network service on the invoice hot path.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/ledgerline/internal/money"
)

type CustomerType string

const (
	CustomerTypeIndividual CustomerType = "individual"
	CustomerTypeBusiness   CustomerType = "business"
)

// Rate is the resolved tax policy for a jurisdiction on a given date.
type Rate struct {
	Rate                  decimal.Decimal
	Name                  string
	ReverseChargeEligible bool
}

// RateProvider resolves the applicable rate for a jurisdiction.
// Implementations are static/config data loaded once at startup.
type RateProvider interface {
	Resolve(country, state string, on time.Time) (Rate, error)
}

type CalculateRequest struct {
	Amount       money.Money
	Country      string
	State        string
	CustomerType CustomerType
	TaxID        string
	On           time.Time
}

type CalculateResult struct {
	TaxAmount money.Money
	TaxRate   decimal.Decimal
	TaxName   string
	// ReverseCharge is true when the buyer self-accounts for the tax;
	// TaxAmount is zero but the rate and name are still reported for
	// invoice disclosure.
	ReverseCharge bool
}

type Calculator interface {
	Calculate(req CalculateRequest) (CalculateResult, error)
}
