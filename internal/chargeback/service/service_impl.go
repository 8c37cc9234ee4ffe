package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	chargebackdomain "github.com/smallbiznis/ledgerline/internal/chargeback/domain"
	"github.com/smallbiznis/ledgerline/internal/clock"
	emaildomain "github.com/smallbiznis/ledgerline/internal/email/domain"
	invoicedomain "github.com/smallbiznis/ledgerline/internal/invoice/domain"
	"github.com/smallbiznis/ledgerline/internal/money"
	"github.com/smallbiznis/ledgerline/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/ledgerline/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock

	InvoiceSvc      invoicedomain.Service
	SubscriptionSvc subscriptiondomain.Service
	EmailProvider   emaildomain.Provider
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	invoiceSvc      invoicedomain.Service
	subscriptionSvc subscriptiondomain.Service
	emailProvider   emaildomain.Provider
}

func NewService(p ServiceParam) chargebackdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("chargeback.service"),
		genID: p.GenID,
		clock: p.Clock,

		invoiceSvc:      p.InvoiceSvc,
		subscriptionSvc: p.SubscriptionSvc,
		emailProvider:   p.EmailProvider,
	}
}

func (s *Service) Open(ctx context.Context, req chargebackdomain.OpenRequest) (chargebackdomain.Chargeback, error) {
	var cb chargebackdomain.Chargeback
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		cb, err = s.OpenInTx(ctx, tx, req)
		return err
	})
	return cb, err
}

func (s *Service) OpenInTx(ctx context.Context, tx *gorm.DB, req chargebackdomain.OpenRequest) (chargebackdomain.Chargeback, error) {
	inv, _, err := s.invoiceSvc.Get(ctx, req.InvoiceID)
	if err != nil {
		return chargebackdomain.Chargeback{}, err
	}

	now := s.clock.Now().UTC()
	cb := chargebackdomain.Chargeback{
		ID:    s.genID.Generate(),
		OrgID: inv.OrgID,

		InvoiceID:            inv.ID,
		Provider:             req.Provider,
		ProviderChargebackID: req.ProviderChargebackID,

		Amount:   req.Amount,
		Currency: req.Currency,
		Reason:   req.Reason,

		Status:        chargebackdomain.StatusOpen,
		EvidenceDueAt: req.EvidenceDueAt,

		CreatedAt: now,
		UpdatedAt: now,
	}
	if cb.Amount == 0 {
		cb.Amount = inv.AmountPaid
		cb.Currency = inv.Currency
	}

	result := tx.WithContext(ctx).Exec(
		`INSERT INTO chargebacks
		 (id, org_id, invoice_id, provider, provider_chargeback_id, amount, currency,
		  reason, status, resolution, evidence_due_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, ?)
		 ON CONFLICT (provider_chargeback_id) DO NOTHING`,
		cb.ID, cb.OrgID, cb.InvoiceID, cb.Provider, cb.ProviderChargebackID,
		cb.Amount, cb.Currency, cb.Reason, cb.Status, cb.EvidenceDueAt,
		cb.CreatedAt, cb.UpdatedAt,
	)
	if result.Error != nil {
		return chargebackdomain.Chargeback{}, result.Error
	}
	if result.RowsAffected == 0 {
		// Replayed dispute notification; hand back the original.
		var existing chargebackdomain.Chargeback
		err := tx.WithContext(ctx).
			Where("provider_chargeback_id = ?", req.ProviderChargebackID).
			First(&existing).Error
		if err != nil {
			return chargebackdomain.Chargeback{}, err
		}
		return existing, nil
	}

	s.log.Info("chargeback opened",
		zap.Int64("invoice_id", int64(cb.InvoiceID)),
		zap.String("provider", cb.Provider),
		zap.String("provider_chargeback_id", cb.ProviderChargebackID),
		zap.String("reason", cb.Reason),
	)
	s.sendAlert(ctx, inv, cb)
	return cb, nil
}

// UpdateInTx syncs provider-side dispute changes onto an unresolved
// dispute. A missed create delivery is healed by opening the dispute
// from the update payload.
func (s *Service) UpdateInTx(ctx context.Context, tx *gorm.DB, req chargebackdomain.OpenRequest) (chargebackdomain.Chargeback, error) {
	cb, err := s.OpenInTx(ctx, tx, req)
	if err != nil {
		return chargebackdomain.Chargeback{}, err
	}
	if cb.Status == chargebackdomain.StatusResolved {
		return cb, nil
	}

	updates := map[string]any{}
	if req.EvidenceDueAt != nil && (cb.EvidenceDueAt == nil || !cb.EvidenceDueAt.Equal(*req.EvidenceDueAt)) {
		updates["evidence_due_at"] = req.EvidenceDueAt.UTC()
	}
	if req.Reason != "" && req.Reason != cb.Reason {
		updates["reason"] = req.Reason
	}
	if len(updates) == 0 {
		return cb, nil
	}

	now := s.clock.Now().UTC()
	updates["updated_at"] = now
	err = tx.WithContext(ctx).Model(&chargebackdomain.Chargeback{}).
		Where("id = ?", cb.ID).
		Updates(updates).Error
	if err != nil {
		return chargebackdomain.Chargeback{}, err
	}
	if req.EvidenceDueAt != nil {
		due := req.EvidenceDueAt.UTC()
		cb.EvidenceDueAt = &due
	}
	if req.Reason != "" {
		cb.Reason = req.Reason
	}
	cb.UpdatedAt = now
	return cb, nil
}

// sendAlert notifies the customer that their payment is being
// disputed; delivery failure is logged, never fatal to the open.
func (s *Service) sendAlert(ctx context.Context, inv invoicedomain.Invoice, cb chargebackdomain.Chargeback) {
	if inv.SubscriptionID == nil {
		return
	}
	sub, err := s.subscriptionSvc.Get(ctx, *inv.SubscriptionID)
	if err != nil || sub.CustomerEmail == "" {
		return
	}

	msg := emaildomain.Message{
		To:      sub.CustomerEmail,
		Subject: fmt.Sprintf("Payment disputed for invoice %s", inv.InvoiceNumber),
		TextBody: fmt.Sprintf(
			"A dispute was opened against your payment for invoice %s. If you did not initiate this, no action is needed; otherwise please contact support.",
			inv.InvoiceNumber,
		),
	}
	if err := s.emailProvider.Send(ctx, msg); err != nil {
		s.log.Warn("chargeback alert failed",
			zap.String("provider_chargeback_id", cb.ProviderChargebackID),
			zap.Error(err),
		)
	}
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (chargebackdomain.Chargeback, error) {
	var cb chargebackdomain.Chargeback
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&cb).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return chargebackdomain.Chargeback{}, chargebackdomain.ErrChargebackNotFound
		}
		return chargebackdomain.Chargeback{}, err
	}
	return cb, nil
}

func (s *Service) GetByProviderRef(ctx context.Context, provider, providerChargebackID string) (chargebackdomain.Chargeback, error) {
	var cb chargebackdomain.Chargeback
	err := s.db.WithContext(ctx).
		Where("provider = ? AND provider_chargeback_id = ?", provider, providerChargebackID).
		First(&cb).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return chargebackdomain.Chargeback{}, chargebackdomain.ErrChargebackNotFound
		}
		return chargebackdomain.Chargeback{}, err
	}
	return cb, nil
}

func (s *Service) ListForInvoice(ctx context.Context, invoiceID snowflake.ID) ([]chargebackdomain.Chargeback, error) {
	var cbs []chargebackdomain.Chargeback
	err := s.db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("created_at ASC").
		Find(&cbs).Error
	return cbs, err
}

func (s *Service) SubmitEvidence(ctx context.Context, id snowflake.ID) (chargebackdomain.Chargeback, error) {
	var cb chargebackdomain.Chargeback
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.loadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if locked.Status != chargebackdomain.StatusOpen {
			return fmt.Errorf("%w: status %s", chargebackdomain.ErrNotOpen, locked.Status)
		}

		now := s.clock.Now().UTC()
		err = tx.WithContext(ctx).Model(&chargebackdomain.Chargeback{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"status":                chargebackdomain.StatusUnderReview,
				"evidence_submitted_at": now,
				"updated_at":            now,
			}).Error
		if err != nil {
			return err
		}
		locked.Status = chargebackdomain.StatusUnderReview
		locked.EvidenceSubmittedAt = &now
		locked.UpdatedAt = now
		cb = *locked
		return nil
	})
	return cb, err
}

func (s *Service) Resolve(ctx context.Context, id snowflake.ID, resolution chargebackdomain.Resolution) (chargebackdomain.Chargeback, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return chargebackdomain.Chargeback{}, err
	}
	var cb chargebackdomain.Chargeback
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		cb, err = s.ResolveInTx(ctx, tx, existing.Provider, existing.ProviderChargebackID, resolution)
		return err
	})
	return cb, err
}

// ResolveInTx closes the dispute in the caller's transaction. A lost
// resolution also refunds the invoice; either both rows land or
// neither does.
func (s *Service) ResolveInTx(ctx context.Context, tx *gorm.DB, provider, providerChargebackID string, resolution chargebackdomain.Resolution) (chargebackdomain.Chargeback, error) {
	if !resolution.Valid() {
		return chargebackdomain.Chargeback{}, fmt.Errorf("%w: %q", chargebackdomain.ErrInvalidResolution, resolution)
	}

	var cb chargebackdomain.Chargeback
	err := tx.WithContext(ctx).Raw(
		`SELECT *
		 FROM chargebacks
		 WHERE provider = ? AND provider_chargeback_id = ?
		 FOR UPDATE`,
		provider, providerChargebackID,
	).Scan(&cb).Error
	if err != nil {
		return chargebackdomain.Chargeback{}, err
	}
	if cb.ID == 0 {
		return chargebackdomain.Chargeback{}, chargebackdomain.ErrChargebackNotFound
	}
	if cb.Status == chargebackdomain.StatusResolved {
		// Replayed resolution with the same outcome is a no-op.
		if cb.Resolution == resolution {
			return cb, nil
		}
		return chargebackdomain.Chargeback{}, fmt.Errorf("%w: already %s", chargebackdomain.ErrAlreadyResolved, cb.Resolution)
	}

	now := s.clock.Now().UTC()
	err = tx.WithContext(ctx).Model(&chargebackdomain.Chargeback{}).
		Where("id = ?", cb.ID).
		Updates(map[string]any{
			"status":      chargebackdomain.StatusResolved,
			"resolution":  resolution,
			"resolved_at": now,
			"updated_at":  now,
		}).Error
	if err != nil {
		return chargebackdomain.Chargeback{}, err
	}

	if resolution == chargebackdomain.ResolutionLost {
		amount, err := money.New(cb.Amount, cb.Currency)
		if err != nil {
			return chargebackdomain.Chargeback{}, err
		}
		reason := fmt.Sprintf("chargeback %s lost", cb.ProviderChargebackID)
		if _, _, err := s.invoiceSvc.ApplyRefundInTx(ctx, tx, cb.InvoiceID, amount, reason, &cb.ProviderChargebackID); err != nil {
			return chargebackdomain.Chargeback{}, err
		}
	}

	cb.Status = chargebackdomain.StatusResolved
	cb.Resolution = resolution
	cb.ResolvedAt = &now
	cb.UpdatedAt = now

	metrics.IncChargebackResolution(string(resolution))
	s.log.Info("chargeback resolved",
		zap.Int64("invoice_id", int64(cb.InvoiceID)),
		zap.String("provider_chargeback_id", cb.ProviderChargebackID),
		zap.String("resolution", string(resolution)),
	)
	return cb, nil
}

func (s *Service) loadForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*chargebackdomain.Chargeback, error) {
	var cb chargebackdomain.Chargeback
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM chargebacks WHERE id = ? FOR UPDATE`, id,
	).Scan(&cb).Error
	if err != nil {
		return nil, err
	}
	if cb.ID == 0 {
		return nil, chargebackdomain.ErrChargebackNotFound
	}
	return &cb, nil
}
