package domain

import "errors"

var (
	ErrRateNotFound    = errors.New("tax_rate_not_found")
	ErrInvalidCountry  = errors.New("invalid_country")
	ErrInvalidTaxID    = errors.New("invalid_tax_id")
	ErrInvalidCustomer = errors.New("invalid_customer_type")
)
