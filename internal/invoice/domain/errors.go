package domain

import "errors"

var (
	ErrInvoiceNotFound   = errors.New("invoice_not_found")
	ErrInvalidLineItems  = errors.New("invalid_line_items")
	ErrInvalidTransition = errors.New("invalid_invoice_transition")
	ErrPaymentConflict   = errors.New("payment_conflict")
	ErrInvalidAmount     = errors.New("invalid_amount")
)
