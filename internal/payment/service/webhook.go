package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	chargebackdomain "github.com/smallbiznis/ledgerline/internal/chargeback/domain"
	"github.com/smallbiznis/ledgerline/internal/clock"
	dunningdomain "github.com/smallbiznis/ledgerline/internal/dunning/domain"
	invoicedomain "github.com/smallbiznis/ledgerline/internal/invoice/domain"
	"github.com/smallbiznis/ledgerline/internal/money"
	"github.com/smallbiznis/ledgerline/internal/observability/metrics"
	"github.com/smallbiznis/ledgerline/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/ledgerline/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/ledgerline/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type WebhookParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock

	Adapters *adapters.Registry
	Dedup    paymentdomain.DedupStore

	InvoiceSvc      invoicedomain.Service
	SubscriptionSvc subscriptiondomain.Service
	DunningSvc      dunningdomain.Service
	ChargebackSvc   chargebackdomain.Service
}

// WebhookService turns verified provider deliveries into ledger
// mutations. Everything after signature verification runs in one
// transaction gated by the dedup insert, so a redelivered event either
// replays as a no-op or retries cleanly after a rollback.
type WebhookService struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock

	adapters *adapters.Registry
	dedup    paymentdomain.DedupStore

	invoiceSvc      invoicedomain.Service
	subscriptionSvc subscriptiondomain.Service
	dunningSvc      dunningdomain.Service
	chargebackSvc   chargebackdomain.Service
}

func NewWebhookService(p WebhookParam) *WebhookService {
	return &WebhookService{
		db:    p.DB,
		log:   p.Log.Named("payment.webhook"),
		clock: p.Clock,

		adapters: p.Adapters,
		dedup:    p.Dedup,

		invoiceSvc:      p.InvoiceSvc,
		subscriptionSvc: p.SubscriptionSvc,
		dunningSvc:      p.DunningSvc,
		chargebackSvc:   p.ChargebackSvc,
	}
}

// HandleDelivery verifies, parses and applies one webhook delivery.
// A nil return means the delivery is durably handled and the provider
// should get a 2xx, including duplicates and ignored event types.
func (s *WebhookService) HandleDelivery(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	adapter, err := s.adapters.Adapter(provider)
	if err != nil {
		return err
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		metrics.IncWebhookEvent(provider, "unknown", "signature_rejected")
		return err
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			metrics.IncWebhookEvent(provider, "unknown", "ignored")
			return nil
		}
		metrics.IncWebhookEvent(provider, "unknown", "parse_rejected")
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh, err := s.dedup.RecordIfNew(ctx, tx, event.Provider, event.ProviderEventID, event.Type)
		if err != nil {
			return err
		}
		if !fresh {
			metrics.IncWebhookEvent(provider, event.Type, "duplicate")
			s.log.Info("duplicate webhook delivery",
				zap.String("provider", event.Provider),
				zap.String("provider_event_id", event.ProviderEventID),
			)
			return nil
		}
		return s.dispatch(ctx, tx, event)
	})
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			metrics.IncWebhookEvent(provider, event.Type, "ignored")
			return nil
		}
		metrics.IncWebhookEvent(provider, event.Type, "error")
		return err
	}
	metrics.IncWebhookEvent(provider, event.Type, "processed")
	return nil
}

func (s *WebhookService) dispatch(ctx context.Context, tx *gorm.DB, event *paymentdomain.Event) error {
	switch event.Type {
	case paymentdomain.EventTypePaymentSucceeded:
		return s.handlePaymentSucceeded(ctx, tx, event)
	case paymentdomain.EventTypePaymentFailed:
		return s.handlePaymentFailed(ctx, tx, event)
	case paymentdomain.EventTypeRefunded:
		return s.handleRefunded(ctx, tx, event)
	case paymentdomain.EventTypeChargebackOpened:
		return s.handleChargebackOpened(ctx, tx, event)
	case paymentdomain.EventTypeChargebackUpdated:
		return s.handleChargebackUpdated(ctx, tx, event)
	case paymentdomain.EventTypeChargebackResolved:
		_, err := s.chargebackSvc.ResolveInTx(ctx, tx, event.Provider, event.ProviderChargebackID,
			chargebackdomain.Resolution(event.Resolution))
		return err
	default:
		return fmt.Errorf("%w: %s", paymentdomain.ErrEventIgnored, event.Type)
	}
}

func (s *WebhookService) handlePaymentSucceeded(ctx context.Context, tx *gorm.DB, event *paymentdomain.Event) error {
	inv, err := s.resolveInvoice(ctx, event)
	if err != nil {
		return err
	}

	amount := inv.Due()
	if event.Amount > 0 {
		amount, err = money.New(event.Amount, event.Currency)
		if err != nil {
			return err
		}
	}

	var providerPaymentID *string
	if event.ProviderPaymentID != "" {
		providerPaymentID = &event.ProviderPaymentID
	}
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.clock.Now().UTC()
	}

	if _, err := s.invoiceSvc.MarkPaidInTx(ctx, tx, inv.ID, amount, occurredAt, providerPaymentID); err != nil {
		return err
	}
	return s.dunningSvc.ResolveForInvoice(ctx, tx, inv.ID)
}

func (s *WebhookService) handlePaymentFailed(ctx context.Context, tx *gorm.DB, event *paymentdomain.Event) error {
	inv, err := s.resolveInvoice(ctx, event)
	if err != nil {
		return err
	}
	if inv.Status != invoicedomain.InvoiceStatusIssued {
		// Already settled or voided; nothing to collect.
		return nil
	}
	if inv.SubscriptionID == nil {
		s.log.Warn("payment failed for invoice without subscription",
			zap.String("invoice_number", inv.InvoiceNumber),
		)
		return nil
	}
	_, err = s.dunningSvc.StartInTx(ctx, tx, *inv.SubscriptionID, inv.ID)
	return err
}

func (s *WebhookService) handleRefunded(ctx context.Context, tx *gorm.DB, event *paymentdomain.Event) error {
	inv, err := s.resolveInvoice(ctx, event)
	if err != nil {
		return err
	}

	amount := money.Money{Amount: inv.AmountPaid, Currency: inv.Currency}
	if event.Amount > 0 {
		amount, err = money.New(event.Amount, event.Currency)
		if err != nil {
			return err
		}
	}

	var refundID *string
	if event.ProviderPaymentID != "" {
		refundID = &event.ProviderPaymentID
	}
	_, _, err = s.invoiceSvc.ApplyRefundInTx(ctx, tx, inv.ID, amount, "provider refund", refundID)
	return err
}

func (s *WebhookService) handleChargebackOpened(ctx context.Context, tx *gorm.DB, event *paymentdomain.Event) error {
	inv, err := s.resolveInvoice(ctx, event)
	if err != nil {
		return err
	}
	_, err = s.chargebackSvc.OpenInTx(ctx, tx, chargebackdomain.OpenRequest{
		OrgID:                inv.OrgID,
		InvoiceID:            inv.ID,
		Provider:             event.Provider,
		ProviderChargebackID: event.ProviderChargebackID,
		Amount:               event.Amount,
		Currency:             event.Currency,
		Reason:               event.Reason,
		EvidenceDueAt:        event.EvidenceDueAt,
	})
	return err
}

func (s *WebhookService) handleChargebackUpdated(ctx context.Context, tx *gorm.DB, event *paymentdomain.Event) error {
	inv, err := s.resolveInvoice(ctx, event)
	if err != nil {
		return err
	}
	_, err = s.chargebackSvc.UpdateInTx(ctx, tx, chargebackdomain.OpenRequest{
		OrgID:                inv.OrgID,
		InvoiceID:            inv.ID,
		Provider:             event.Provider,
		ProviderChargebackID: event.ProviderChargebackID,
		Amount:               event.Amount,
		Currency:             event.Currency,
		Reason:               event.Reason,
		EvidenceDueAt:        event.EvidenceDueAt,
	})
	return err
}

// resolveInvoice maps a provider event back to our ledger: invoice
// number when the provider echoes our metadata, then the provider
// subscription reference, then the payment reference (how dispute
// events, which carry no metadata, find the paid invoice).
func (s *WebhookService) resolveInvoice(ctx context.Context, event *paymentdomain.Event) (invoicedomain.Invoice, error) {
	if event.InvoiceNumber != "" {
		return s.invoiceSvc.GetByNumber(ctx, event.InvoiceNumber)
	}
	if event.ProviderSubscriptionID != "" {
		sub, err := s.subscriptionSvc.GetByProviderRef(ctx, event.Provider, event.ProviderSubscriptionID)
		if err != nil {
			return invoicedomain.Invoice{}, err
		}
		var inv invoicedomain.Invoice
		err = s.db.WithContext(ctx).
			Where("subscription_id = ?", sub.ID).
			Order("created_at DESC").
			First(&inv).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
			}
			return invoicedomain.Invoice{}, err
		}
		return inv, nil
	}
	if event.ProviderPaymentID != "" {
		var inv invoicedomain.Invoice
		err := s.db.WithContext(ctx).
			Where("provider_payment_id = ?", event.ProviderPaymentID).
			First(&inv).Error
		if err == nil {
			return inv, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return invoicedomain.Invoice{}, err
		}
	}
	return invoicedomain.Invoice{}, fmt.Errorf("%w: no invoice reference", paymentdomain.ErrInvalidEvent)
}
