// Package stripe implements the Stripe provider adapter: webhook
// signature verification and parsing plus off-session charging through
// the official client.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/ledgerline/internal/money"
	paymentdomain "github.com/smallbiznis/ledgerline/internal/payment/domain"
	stripeapi "github.com/stripe/stripe-go/v82"
	stripeclient "github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

type Config struct {
	APIKey        string
	WebhookSecret string
}

type Adapter struct {
	api           *stripeclient.API
	webhookSecret string
}

func NewAdapter(cfg Config) *Adapter {
	api := &stripeclient.API{}
	api.Init(cfg.APIKey, nil)
	return &Adapter{
		api:           api,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
	}
}

func (a *Adapter) Provider() string { return "stripe" }

func (a *Adapter) Charge(ctx context.Context, paymentMethodID string, amount money.Money) (paymentdomain.ChargeResult, error) {
	params := &stripeapi.PaymentIntentParams{
		Amount:        stripeapi.Int64(amount.Amount),
		Currency:      stripeapi.String(strings.ToLower(amount.Currency)),
		PaymentMethod: stripeapi.String(paymentMethodID),
		Confirm:       stripeapi.Bool(true),
		OffSession:    stripeapi.Bool(true),
	}
	params.Context = ctx

	intent, err := a.api.PaymentIntents.New(params)
	if err != nil {
		return a.chargeError(err)
	}
	if intent.Status != stripeapi.PaymentIntentStatusSucceeded {
		return paymentdomain.ChargeResult{
			Success:           false,
			ProviderPaymentID: intent.ID,
			FailureReason:     string(intent.Status),
		}, nil
	}
	return paymentdomain.ChargeResult{
		Success:           true,
		ProviderPaymentID: intent.ID,
	}, nil
}

func (a *Adapter) Refund(ctx context.Context, providerPaymentID string, amount money.Money) (paymentdomain.RefundResult, error) {
	params := &stripeapi.RefundParams{
		PaymentIntent: stripeapi.String(providerPaymentID),
		Amount:        stripeapi.Int64(amount.Amount),
	}
	params.Context = ctx

	ref, err := a.api.Refunds.New(params)
	if err != nil {
		var stripeErr *stripeapi.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode < 500 {
			return paymentdomain.RefundResult{}, err
		}
		return paymentdomain.RefundResult{}, fmt.Errorf("%w: %v", paymentdomain.ErrTransient, err)
	}
	return paymentdomain.RefundResult{
		Success:          ref.Status == stripeapi.RefundStatusSucceeded || ref.Status == stripeapi.RefundStatusPending,
		ProviderRefundID: ref.ID,
	}, nil
}

// chargeError sorts provider errors: card declines are business
// outcomes, 5xx and transport faults are transient, the rest are hard
// failures.
func (a *Adapter) chargeError(err error) (paymentdomain.ChargeResult, error) {
	var stripeErr *stripeapi.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Type == stripeapi.ErrorTypeCard {
			reason := string(stripeErr.Code)
			if reason == "" {
				reason = "card_declined"
			}
			return paymentdomain.ChargeResult{Success: false, FailureReason: reason}, nil
		}
		if stripeErr.HTTPStatusCode >= 500 {
			return paymentdomain.ChargeResult{}, fmt.Errorf("%w: %v", paymentdomain.ErrTransient, err)
		}
		return paymentdomain.ChargeResult{}, err
	}
	return paymentdomain.ChargeResult{}, fmt.Errorf("%w: %v", paymentdomain.ErrTransient, err)
}

// Verify authenticates a delivery with Stripe's own verifier, which
// checks the v1 HMAC and rejects timestamps outside the replay
// tolerance window.
func (a *Adapter) Verify(_ context.Context, payload []byte, headers http.Header) error {
	if a.webhookSecret == "" {
		return paymentdomain.ErrInvalidSignature
	}
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	if err := webhook.ValidatePayloadWithTolerance(payload, sigHeader, a.webhookSecret, webhook.DefaultTolerance); err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

func (a *Adapter) Parse(_ context.Context, payload []byte) (*paymentdomain.Event, error) {
	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "invoice.payment_succeeded":
		return a.parseInvoiceEvent(event, payload, paymentdomain.EventTypePaymentSucceeded)
	case "invoice.payment_failed":
		return a.parseInvoiceEvent(event, payload, paymentdomain.EventTypePaymentFailed)
	case "charge.refunded":
		return a.parseChargeRefunded(event, payload)
	case "charge.dispute.created":
		return a.parseDispute(event, payload, paymentdomain.EventTypeChargebackOpened)
	case "charge.dispute.updated":
		return a.parseDispute(event, payload, paymentdomain.EventTypeChargebackUpdated)
	case "charge.dispute.closed":
		return a.parseDispute(event, payload, paymentdomain.EventTypeChargebackResolved)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

type webhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type invoiceObject struct {
	ID            string            `json:"id"`
	AmountPaid    int64             `json:"amount_paid"`
	AmountDue     int64             `json:"amount_due"`
	Currency      string            `json:"currency"`
	Subscription  string            `json:"subscription"`
	PaymentIntent string            `json:"payment_intent"`
	Created       int64             `json:"created"`
	Metadata      map[string]string `json:"metadata"`
}

type chargeObject struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	Created        int64             `json:"created"`
	Metadata       map[string]string `json:"metadata"`
}

type disputeObject struct {
	ID              string `json:"id"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	Reason          string `json:"reason"`
	Status          string `json:"status"`
	Charge          string `json:"charge"`
	Created         int64  `json:"created"`
	EvidenceDetails struct {
		DueBy int64 `json:"due_by"`
	} `json:"evidence_details"`
	Metadata map[string]string `json:"metadata"`
}

func (a *Adapter) parseInvoiceEvent(event webhookEvent, payload []byte, eventType string) (*paymentdomain.Event, error) {
	var inv invoiceObject
	if err := json.Unmarshal(event.Data.Object, &inv); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(inv.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	amount := inv.AmountPaid
	if eventType == paymentdomain.EventTypePaymentFailed {
		amount = inv.AmountDue
	}
	return &paymentdomain.Event{
		Provider:               "stripe",
		ProviderEventID:        event.ID,
		Type:                   eventType,
		ProviderPaymentID:      inv.PaymentIntent,
		InvoiceNumber:          strings.TrimSpace(inv.Metadata["invoice_number"]),
		ProviderSubscriptionID: strings.TrimSpace(inv.Subscription),
		Amount:                 amount,
		Currency:               strings.ToUpper(strings.TrimSpace(inv.Currency)),
		OccurredAt:             timestamp(inv.Created, event.Created),
		RawPayload:             payload,
	}, nil
}

func (a *Adapter) parseChargeRefunded(event webhookEvent, payload []byte) (*paymentdomain.Event, error) {
	var charge chargeObject
	if err := json.Unmarshal(event.Data.Object, &charge); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(charge.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	amount := charge.AmountRefunded
	if amount <= 0 {
		amount = charge.Amount
	}
	return &paymentdomain.Event{
		Provider:          "stripe",
		ProviderEventID:   event.ID,
		Type:              paymentdomain.EventTypeRefunded,
		ProviderPaymentID: charge.ID,
		InvoiceNumber:     strings.TrimSpace(charge.Metadata["invoice_number"]),
		Amount:            amount,
		Currency:          strings.ToUpper(strings.TrimSpace(charge.Currency)),
		OccurredAt:        timestamp(charge.Created, event.Created),
		RawPayload:        payload,
	}, nil
}

func (a *Adapter) parseDispute(event webhookEvent, payload []byte, eventType string) (*paymentdomain.Event, error) {
	var dispute disputeObject
	if err := json.Unmarshal(event.Data.Object, &dispute); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(dispute.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	out := &paymentdomain.Event{
		Provider:             "stripe",
		ProviderEventID:      event.ID,
		Type:                 eventType,
		ProviderPaymentID:    strings.TrimSpace(dispute.Charge),
		ProviderChargebackID: dispute.ID,
		InvoiceNumber:        strings.TrimSpace(dispute.Metadata["invoice_number"]),
		Amount:               dispute.Amount,
		Currency:             strings.ToUpper(strings.TrimSpace(dispute.Currency)),
		Reason:               strings.TrimSpace(dispute.Reason),
		OccurredAt:           timestamp(dispute.Created, event.Created),
		RawPayload:           payload,
	}
	if dispute.EvidenceDetails.DueBy > 0 {
		due := time.Unix(dispute.EvidenceDetails.DueBy, 0).UTC()
		out.EvidenceDueAt = &due
	}
	if eventType == paymentdomain.EventTypeChargebackResolved {
		out.Resolution = strings.TrimSpace(dispute.Status)
	}
	return out, nil
}

func timestamp(primary, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}
