package domain

import "errors"

var (
	ErrRateUnavailable = errors.New("rate_unavailable")
	ErrSourceFailed    = errors.New("rate_source_failed")
)
