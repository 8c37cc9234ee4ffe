package service

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

// StaticRateSource serves a fixed quote table. Deployments talking to a
// live feed replace it with their own RateSource at wiring time; the
// refresh and lookup paths are identical either way.
type StaticRateSource struct {
	quotes map[string]decimal.Decimal
}

func NewStaticRateSource() *StaticRateSource {
	q := func(pct string) decimal.Decimal { return decimal.RequireFromString(pct) }
	return &StaticRateSource{
		// Quoted from USD.
		quotes: map[string]decimal.Decimal{
			"EUR": q("0.92"),
			"GBP": q("0.79"),
			"CAD": q("1.36"),
			"AUD": q("1.52"),
			"SGD": q("1.34"),
			"JPY": q("150.25"),
			"NGN": q("1540.00"),
			"ZAR": q("18.10"),
			"KES": q("129.50"),
			"GHS": q("15.60"),
			"INR": q("83.90"),
		},
	}
}

func (s *StaticRateSource) Fetch(_ context.Context, base string, symbols []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, symbol := range symbols {
		symbol = strings.ToUpper(symbol)
		if symbol == base {
			continue
		}
		if rate, ok := s.quotes[symbol]; ok {
			out[symbol] = rate
		}
	}
	return out, nil
}
