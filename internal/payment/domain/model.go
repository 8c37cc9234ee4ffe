// Package domain defines the payment gateway contract, the canonical
// webhook event, and the processed-event dedup record.
package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/smallbiznis/ledgerline/internal/money"
	"gorm.io/gorm"
)

// ProcessedEvent is the idempotency gate for webhook-driven mutations.
// Write-once: the composite key makes the second insert of the same
// delivery a no-op.
type ProcessedEvent struct {
	Provider        string    `gorm:"primaryKey;type:text"`
	ProviderEventID string    `gorm:"primaryKey;type:text"`
	EventType       string    `gorm:"type:text;not null"`
	ProcessedAt     time.Time `gorm:"not null"`
}

func (ProcessedEvent) TableName() string { return "processed_events" }

const (
	EventTypePaymentSucceeded   = "payment_succeeded"
	EventTypePaymentFailed      = "payment_failed"
	EventTypeRefunded           = "refunded"
	EventTypeChargebackOpened   = "chargeback_opened"
	EventTypeChargebackUpdated  = "chargeback_updated"
	EventTypeChargebackResolved = "chargeback_resolved"
)

// Event is the canonical event adapters parse provider payloads into.
type Event struct {
	Provider        string
	ProviderEventID string
	Type            string

	ProviderPaymentID string
	// InvoiceNumber carries the provider-side reference back to our
	// ledger; adapters read it from payload metadata.
	InvoiceNumber          string
	ProviderSubscriptionID string

	Amount   int64
	Currency string

	// Chargeback fields, set on the chargeback_* event types.
	ProviderChargebackID string
	Reason               string
	EvidenceDueAt        *time.Time
	// Resolution is won, lost or warning_closed on chargeback_resolved.
	Resolution string

	OccurredAt time.Time
	RawPayload []byte
}

type ChargeResult struct {
	Success           bool
	ProviderPaymentID string
	FailureReason     string
}

type RefundResult struct {
	Success          bool
	ProviderRefundID string
}

// Gateway is the outbound charging contract. Transport faults surface
// as errors wrapping ErrTransient; a decline is a successful call with
// Success false and a reason.
type Gateway interface {
	Charge(ctx context.Context, paymentMethodID string, amount money.Money) (ChargeResult, error)
	Refund(ctx context.Context, providerPaymentID string, amount money.Money) (RefundResult, error)
}

// WebhookAdapter verifies and parses one provider's deliveries.
type WebhookAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*Event, error)
}

// ProviderAdapter is one provider's full surface: outbound charging
// plus inbound webhook handling, dispatched on the provider tag.
type ProviderAdapter interface {
	Provider() string
	Gateway
	WebhookAdapter
}

// DedupStore records processed events. RecordIfNew runs in the
// caller's transaction so a failed dispatch rolls the dedup row back
// and provider redelivery retries cleanly.
type DedupStore interface {
	RecordIfNew(ctx context.Context, tx *gorm.DB, provider, providerEventID, eventType string) (bool, error)
	Seen(ctx context.Context, provider, providerEventID string) (bool, error)
}
