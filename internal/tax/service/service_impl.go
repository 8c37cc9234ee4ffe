package service

import (
	"strings"
	"time"

	"github.com/smallbiznis/ledgerline/internal/money"
	taxdomain "github.com/smallbiznis/ledgerline/internal/tax/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log   *zap.Logger
	Rates taxdomain.RateProvider
}

type Service struct {
	log   *zap.Logger
	rates taxdomain.RateProvider
}

func NewService(p Params) taxdomain.Calculator {
	return &Service{
		log:   p.Log.Named("tax.service"),
		rates: p.Rates,
	}
}

func (s *Service) Calculate(req taxdomain.CalculateRequest) (taxdomain.CalculateResult, error) {
	country := strings.ToUpper(strings.TrimSpace(req.Country))
	if len(country) != 2 {
		return taxdomain.CalculateResult{}, taxdomain.ErrInvalidCountry
	}
	switch req.CustomerType {
	case taxdomain.CustomerTypeIndividual, taxdomain.CustomerTypeBusiness:
	default:
		return taxdomain.CalculateResult{}, taxdomain.ErrInvalidCustomer
	}

	on := req.On
	if on.IsZero() {
		on = time.Now().UTC()
	}

	rate, err := s.rates.Resolve(country, strings.ToUpper(strings.TrimSpace(req.State)), on)
	if err != nil {
		// Fail closed: no guessed default rate, the invoice is not created.
		return taxdomain.CalculateResult{}, err
	}

	if rate.ReverseChargeEligible &&
		req.CustomerType == taxdomain.CustomerTypeBusiness &&
		ValidTaxID(country, req.TaxID) {
		return taxdomain.CalculateResult{
			TaxAmount:     money.Money{Amount: 0, Currency: req.Amount.Currency},
			TaxRate:       rate.Rate,
			TaxName:       rate.Name,
			ReverseCharge: true,
		}, nil
	}

	taxAmount := req.Amount.MulDecimal(rate.Rate)
	return taxdomain.CalculateResult{
		TaxAmount:     taxAmount,
		TaxRate:       rate.Rate,
		TaxName:       rate.Name,
		ReverseCharge: false,
	}, nil
}
