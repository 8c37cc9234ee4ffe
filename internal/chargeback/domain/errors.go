package domain

import "errors"

var (
	ErrChargebackNotFound = errors.New("chargeback_not_found")
	ErrInvalidResolution  = errors.New("invalid_resolution")
	ErrAlreadyResolved    = errors.New("chargeback_already_resolved")
	ErrNotOpen            = errors.New("chargeback_not_open")
)
