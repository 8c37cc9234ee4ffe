// Package banktransfer is the manual-settlement provider. Charges
// never succeed inline; funds arrive out of band and the matching
// webhook (or an operator) marks the invoice paid.
package banktransfer

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/smallbiznis/ledgerline/internal/money"
	paymentdomain "github.com/smallbiznis/ledgerline/internal/payment/domain"
)

type Adapter struct{}

func NewAdapter() *Adapter { return &Adapter{} }

func (a *Adapter) Provider() string { return "bank_transfer" }

// Charge records the attempt and declines: a transfer cannot be pulled
// from the payer. Dunning treats this as a hard failure and keeps the
// notify schedule running.
func (a *Adapter) Charge(_ context.Context, _ string, _ money.Money) (paymentdomain.ChargeResult, error) {
	return paymentdomain.ChargeResult{
		Success:       false,
		FailureReason: "awaiting_bank_transfer",
	}, nil
}

// Refund issues a manual refund instruction; the reference identifies
// it to operations.
func (a *Adapter) Refund(_ context.Context, _ string, _ money.Money) (paymentdomain.RefundResult, error) {
	return paymentdomain.RefundResult{
		Success:          true,
		ProviderRefundID: "manual-" + uuid.NewString(),
	}, nil
}

// Verify accepts nothing: bank transfer has no webhook transport, so
// any delivery claiming this provider is rejected at the boundary.
func (a *Adapter) Verify(_ context.Context, _ []byte, _ http.Header) error {
	return paymentdomain.ErrInvalidSignature
}

func (a *Adapter) Parse(_ context.Context, _ []byte) (*paymentdomain.Event, error) {
	return nil, paymentdomain.ErrEventIgnored
}
