package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/ledgerline/internal/audit/domain"
	"github.com/smallbiznis/ledgerline/internal/clock"
	invoicedomain "github.com/smallbiznis/ledgerline/internal/invoice/domain"
	"github.com/smallbiznis/ledgerline/internal/money"
	"github.com/smallbiznis/ledgerline/internal/proration"
	subscriptiondomain "github.com/smallbiznis/ledgerline/internal/subscription/domain"
	"github.com/smallbiznis/ledgerline/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	InvoiceSvc invoicedomain.Service
	AuditSvc   auditdomain.Service
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	invoiceSvc invoicedomain.Service
	auditSvc   auditdomain.Service

	subrepo repository.Repository[subscriptiondomain.Subscription]
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("subscription.service"),
		genID: p.GenID,
		clock: p.Clock,

		invoiceSvc: p.InvoiceSvc,
		auditSvc:   p.AuditSvc,

		subrepo: repository.ProvideStore[subscriptiondomain.Subscription](p.DB),
	}
}

var validTransitions = map[subscriptiondomain.Status][]subscriptiondomain.Status{
	subscriptiondomain.StatusActive:  {subscriptiondomain.StatusPastDue, subscriptiondomain.StatusCancelled, subscriptiondomain.StatusExpired},
	subscriptiondomain.StatusPastDue: {subscriptiondomain.StatusActive, subscriptiondomain.StatusCancelled, subscriptiondomain.StatusExpired},
}

func canTransition(from, to subscriptiondomain.Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateRequest) (subscriptiondomain.Subscription, error) {
	currency, err := money.NormalizeCurrency(req.PlanPrice.Currency)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	now := s.clock.Now().UTC()
	periodStart := req.PeriodStart
	if periodStart.IsZero() {
		periodStart = now
	}
	periodEnd := req.PeriodEnd
	if periodEnd.IsZero() {
		periodEnd = periodStart.AddDate(0, 1, 0)
	}
	if !periodEnd.After(periodStart) {
		return subscriptiondomain.Subscription{}, proration.ErrInvalidPeriod
	}

	sub := subscriptiondomain.Subscription{
		ID:    s.genID.Generate(),
		OrgID: req.OrgID,

		PlanCode:  req.PlanCode,
		PlanPrice: req.PlanPrice.Amount,
		Currency:  currency,

		Status:             subscriptiondomain.StatusActive,
		CurrentPeriodStart: periodStart.UTC(),
		CurrentPeriodEnd:   periodEnd.UTC(),

		Provider:               req.Provider,
		ProviderSubscriptionID: req.ProviderSubscriptionID,
		PaymentMethodID:        req.PaymentMethodID,
		CustomerEmail:          req.CustomerEmail,

		Country:      req.Country,
		State:        req.State,
		CustomerType: req.CustomerType,
		TaxID:        req.TaxID,

		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.subrepo.Create(ctx, &sub); err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	s.emitAudit(ctx, sub, "subscription.created")
	return sub, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (subscriptiondomain.Subscription, error) {
	sub, err := s.subrepo.FindOne(ctx, &subscriptiondomain.Subscription{ID: id})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if sub == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return *sub, nil
}

func (s *Service) GetByProviderRef(ctx context.Context, provider, providerSubscriptionID string) (subscriptiondomain.Subscription, error) {
	sub, err := s.subrepo.FindOne(ctx, &subscriptiondomain.Subscription{
		Provider:               provider,
		ProviderSubscriptionID: providerSubscriptionID,
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if sub == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return *sub, nil
}

func (s *Service) ChangePlan(ctx context.Context, id snowflake.ID, newPlanCode string, newPrice money.Money, changeDate time.Time) (subscriptiondomain.ChangePlanResult, error) {
	var result subscriptiondomain.ChangePlanResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.loadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if sub.Status != subscriptiondomain.StatusActive {
			return fmt.Errorf("%w: status %s", subscriptiondomain.ErrNotActive, sub.Status)
		}
		if sub.PlanCode == newPlanCode {
			return subscriptiondomain.ErrSamePlan
		}
		if newPrice.Currency != sub.Currency {
			return money.ErrCurrencyMismatch
		}

		prorated, err := proration.Calculate(
			sub.Price(), newPrice,
			sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
			changeDate,
		)
		if err != nil {
			return err
		}

		now := s.clock.Now().UTC()
		err = tx.WithContext(ctx).Model(&subscriptiondomain.Subscription{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"plan_code":  newPlanCode,
				"plan_price": newPrice.Amount,
				"updated_at": now,
			}).Error
		if err != nil {
			return err
		}
		sub.PlanCode = newPlanCode
		sub.PlanPrice = newPrice.Amount
		result = subscriptiondomain.ChangePlanResult{Subscription: *sub, Proration: prorated}

		switch {
		case prorated.Net.Amount > 0:
			inv, err := s.invoiceSvc.CreateInTx(ctx, tx, invoicedomain.CreateInvoiceRequest{
				OrgID:          sub.OrgID,
				SubscriptionID: &sub.ID,
				Currency:       sub.Currency,
				LineItems: []invoicedomain.LineItemInput{{
					Description: fmt.Sprintf("Plan change to %s (prorated)", newPlanCode),
					Quantity:    1,
					UnitPrice:   prorated.Net,
				}},
				Country:      sub.Country,
				State:        sub.State,
				CustomerType: sub.CustomerType,
				TaxID:        sub.TaxID,
			})
			if err != nil {
				return err
			}
			result.AdjustmentInvoice = &inv

		case prorated.Net.Amount < 0:
			latestID, err := s.latestInvoiceID(ctx, tx, sub.ID)
			if err != nil {
				return err
			}
			if latestID == 0 {
				return subscriptiondomain.ErrNoInvoiceForCredit
			}
			note, err := s.invoiceSvc.IssueCreditNoteInTx(ctx, tx, latestID, prorated.Net.Abs(),
				fmt.Sprintf("Plan change to %s (prorated credit)", newPlanCode))
			if err != nil {
				return err
			}
			result.CreditNote = &note
		}
		return nil
	})
	if err != nil {
		return subscriptiondomain.ChangePlanResult{}, err
	}

	s.emitAudit(ctx, result.Subscription, "subscription.plan_changed")
	s.log.Info("plan changed",
		zap.Int64("subscription_id", int64(id)),
		zap.String("plan_code", newPlanCode),
		zap.Int64("net", result.Proration.Net.Amount),
	)
	return result, nil
}

func (s *Service) Transition(ctx context.Context, id snowflake.ID, to subscriptiondomain.Status) (subscriptiondomain.Subscription, error) {
	var result subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.loadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if sub.Status == to {
			result = *sub
			return nil
		}
		if !canTransition(sub.Status, to) {
			return fmt.Errorf("%w: %s to %s", subscriptiondomain.ErrInvalidTransition, sub.Status, to)
		}
		if err := s.applyTransition(ctx, tx, sub, to); err != nil {
			return err
		}
		result = *sub
		return nil
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	s.emitAudit(ctx, result, "subscription."+string(result.Status))
	return result, nil
}

// TransitionInTx applies a guarded status change within the caller's
// transaction. Same-status is a no-op so replays stay idempotent.
func (s *Service) TransitionInTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, to subscriptiondomain.Status) error {
	sub, err := s.loadForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if sub.Status == to {
		return nil
	}
	if !canTransition(sub.Status, to) {
		return fmt.Errorf("%w: %s to %s", subscriptiondomain.ErrInvalidTransition, sub.Status, to)
	}
	return s.applyTransition(ctx, tx, sub, to)
}

func (s *Service) CancelInTx(ctx context.Context, tx *gorm.DB, id snowflake.ID) error {
	return s.TransitionInTx(ctx, tx, id, subscriptiondomain.StatusCancelled)
}

func (s *Service) applyTransition(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, to subscriptiondomain.Status) error {
	now := s.clock.Now().UTC()
	updates := map[string]any{
		"status":     to,
		"updated_at": now,
	}
	if to == subscriptiondomain.StatusCancelled {
		updates["cancelled_at"] = now
	}
	err := tx.WithContext(ctx).Model(&subscriptiondomain.Subscription{}).
		Where("id = ?", sub.ID).
		Updates(updates).Error
	if err != nil {
		return err
	}
	sub.Status = to
	if to == subscriptiondomain.StatusCancelled {
		sub.CancelledAt = &now
	}
	return nil
}

func (s *Service) loadForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := tx.WithContext(ctx).Raw(
		`SELECT *
		 FROM subscriptions
		 WHERE id = ?
		 FOR UPDATE`,
		id,
	).Scan(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return &sub, nil
}

func (s *Service) latestInvoiceID(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID) (snowflake.ID, error) {
	var id snowflake.ID
	err := tx.WithContext(ctx).Raw(
		`SELECT id
		 FROM invoices
		 WHERE subscription_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		subscriptionID,
	).Scan(&id).Error
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Service) emitAudit(ctx context.Context, sub subscriptiondomain.Subscription, action string) {
	targetID := sub.ID.String()
	err := s.auditSvc.AuditLog(ctx, &sub.OrgID, "", nil, action, "subscription", &targetID, map[string]any{
		"plan_code": sub.PlanCode,
		"status":    string(sub.Status),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("audit emit failed", zap.String("action", action), zap.Error(err))
	}
}
