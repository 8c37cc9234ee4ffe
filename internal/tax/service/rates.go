package service

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	taxdomain "github.com/smallbiznis/ledgerline/internal/tax/domain"
)

type rateKey struct {
	Country string
	State   string
}

// StaticRateProvider serves rates from an in-memory table loaded once.
type StaticRateProvider struct {
	rates map[rateKey]taxdomain.Rate
}

// NewStaticRateProvider returns the default rate table. Deployments
// with bespoke tax requirements swap in their own RateProvider.
func NewStaticRateProvider() *StaticRateProvider {
	p := &StaticRateProvider{rates: map[rateKey]taxdomain.Rate{}}

	vat := func(country string, pct string) {
		p.add(country, "", taxdomain.Rate{
			Rate:                  decimal.RequireFromString(pct),
			Name:                  "VAT",
			ReverseChargeEligible: true,
		})
	}
	vat("DE", "0.19")
	vat("FR", "0.20")
	vat("NL", "0.21")
	vat("IE", "0.23")
	vat("ES", "0.21")
	vat("IT", "0.22")
	vat("BE", "0.21")
	vat("AT", "0.20")
	vat("PL", "0.23")
	vat("SE", "0.25")

	p.add("GB", "", taxdomain.Rate{Rate: decimal.RequireFromString("0.20"), Name: "VAT", ReverseChargeEligible: true})
	p.add("AU", "", taxdomain.Rate{Rate: decimal.RequireFromString("0.10"), Name: "GST"})
	p.add("SG", "", taxdomain.Rate{Rate: decimal.RequireFromString("0.09"), Name: "GST"})
	p.add("JP", "", taxdomain.Rate{Rate: decimal.RequireFromString("0.10"), Name: "JCT"})
	p.add("NG", "", taxdomain.Rate{Rate: decimal.RequireFromString("0.075"), Name: "VAT"})
	p.add("KE", "", taxdomain.Rate{Rate: decimal.RequireFromString("0.16"), Name: "VAT"})
	p.add("ZA", "", taxdomain.Rate{Rate: decimal.RequireFromString("0.15"), Name: "VAT"})
	p.add("IN", "", taxdomain.Rate{Rate: decimal.RequireFromString("0.18"), Name: "GST"})

	// US sales tax is state-scoped; a missing state entry fails closed.
	p.add("US", "CA", taxdomain.Rate{Rate: decimal.RequireFromString("0.0725"), Name: "Sales Tax"})
	p.add("US", "NY", taxdomain.Rate{Rate: decimal.RequireFromString("0.04"), Name: "Sales Tax"})
	p.add("US", "TX", taxdomain.Rate{Rate: decimal.RequireFromString("0.0625"), Name: "Sales Tax"})
	p.add("US", "WA", taxdomain.Rate{Rate: decimal.RequireFromString("0.065"), Name: "Sales Tax"})
	p.add("US", "FL", taxdomain.Rate{Rate: decimal.RequireFromString("0.06"), Name: "Sales Tax"})
	p.add("US", "OR", taxdomain.Rate{Rate: decimal.Zero, Name: "No Sales Tax"})
	p.add("US", "MT", taxdomain.Rate{Rate: decimal.Zero, Name: "No Sales Tax"})

	p.add("CA", "ON", taxdomain.Rate{Rate: decimal.RequireFromString("0.13"), Name: "HST"})
	p.add("CA", "BC", taxdomain.Rate{Rate: decimal.RequireFromString("0.12"), Name: "GST+PST"})
	p.add("CA", "QC", taxdomain.Rate{Rate: decimal.RequireFromString("0.14975"), Name: "GST+QST"})

	return p
}

func (p *StaticRateProvider) add(country, state string, rate taxdomain.Rate) {
	p.rates[rateKey{Country: country, State: state}] = rate
}

func (p *StaticRateProvider) Resolve(country, state string, on time.Time) (taxdomain.Rate, error) {
	if rate, ok := p.rates[rateKey{Country: country, State: state}]; ok {
		return rate, nil
	}
	if state != "" {
		return taxdomain.Rate{}, fmt.Errorf("%w: %s-%s", taxdomain.ErrRateNotFound, country, state)
	}
	return taxdomain.Rate{}, fmt.Errorf("%w: %s", taxdomain.ErrRateNotFound, country)
}
