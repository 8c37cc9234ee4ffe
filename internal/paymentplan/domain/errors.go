package domain

import "errors"

var (
	ErrPlanNotFound        = errors.New("payment_plan_not_found")
	ErrPlanExists          = errors.New("payment_plan_exists")
	ErrTotalBelowMinimum   = errors.New("total_below_plan_minimum")
	ErrInvalidInstallments = errors.New("invalid_installment_count")
	ErrInvalidDownPayment  = errors.New("invalid_down_payment")
	ErrPlanNotActive       = errors.New("payment_plan_not_active")
	ErrDownPaymentDeclined = errors.New("down_payment_declined")
	ErrMissingBillingInfo  = errors.New("missing_billing_info")
)
