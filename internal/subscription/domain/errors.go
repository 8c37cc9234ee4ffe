package domain

import "errors"

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvalidTransition    = errors.New("invalid_subscription_transition")
	ErrNotActive            = errors.New("subscription_not_active")
	ErrSamePlan             = errors.New("same_plan")
	ErrNoInvoiceForCredit   = errors.New("no_invoice_for_credit")
)
