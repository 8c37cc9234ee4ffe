package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	chargebackdomain "github.com/smallbiznis/ledgerline/internal/chargeback/domain"
	dunningdomain "github.com/smallbiznis/ledgerline/internal/dunning/domain"
	exchangeratedomain "github.com/smallbiznis/ledgerline/internal/exchangerate/domain"
	invoicedomain "github.com/smallbiznis/ledgerline/internal/invoice/domain"
	"github.com/smallbiznis/ledgerline/internal/money"
	paymentdomain "github.com/smallbiznis/ledgerline/internal/payment/domain"
	plandomain "github.com/smallbiznis/ledgerline/internal/paymentplan/domain"
	"github.com/smallbiznis/ledgerline/internal/proration"
	subscriptiondomain "github.com/smallbiznis/ledgerline/internal/subscription/domain"
	taxdomain "github.com/smallbiznis/ledgerline/internal/tax/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	switch {
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case errors.Is(err, paymentdomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "signature verification failed",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, paymentdomain.ErrTransient),
		errors.Is(err, exchangeratedomain.ErrSourceFailed):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "upstream temporarily unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, money.ErrCurrencyMismatch),
		errors.Is(err, money.ErrUnknownCurrency),
		errors.Is(err, invoicedomain.ErrInvalidLineItems),
		errors.Is(err, invoicedomain.ErrInvalidAmount),
		errors.Is(err, plandomain.ErrInvalidInstallments),
		errors.Is(err, plandomain.ErrTotalBelowMinimum),
		errors.Is(err, plandomain.ErrInvalidDownPayment),
		errors.Is(err, plandomain.ErrMissingBillingInfo),
		errors.Is(err, chargebackdomain.ErrInvalidResolution),
		errors.Is(err, subscriptiondomain.ErrSamePlan),
		errors.Is(err, proration.ErrInvalidPeriod),
		errors.Is(err, taxdomain.ErrRateNotFound),
		errors.Is(err, paymentdomain.ErrInvalidPayload),
		errors.Is(err, paymentdomain.ErrInvalidEvent),
		errors.Is(err, paymentdomain.ErrInvalidProvider):
		return true
	}
	return false
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, invoicedomain.ErrPaymentConflict),
		errors.Is(err, invoicedomain.ErrInvalidTransition),
		errors.Is(err, subscriptiondomain.ErrInvalidTransition),
		errors.Is(err, subscriptiondomain.ErrNotActive),
		errors.Is(err, subscriptiondomain.ErrNoInvoiceForCredit),
		errors.Is(err, plandomain.ErrPlanExists),
		errors.Is(err, plandomain.ErrPlanNotActive),
		errors.Is(err, plandomain.ErrDownPaymentDeclined),
		errors.Is(err, chargebackdomain.ErrAlreadyResolved),
		errors.Is(err, chargebackdomain.ErrNotOpen):
		return true
	}
	return false
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, invoicedomain.ErrInvoiceNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, dunningdomain.ErrProcessNotFound),
		errors.Is(err, chargebackdomain.ErrChargebackNotFound),
		errors.Is(err, plandomain.ErrPlanNotFound),
		errors.Is(err, paymentdomain.ErrProviderNotFound),
		errors.Is(err, exchangeratedomain.ErrRateUnavailable):
		return true
	}
	return false
}
