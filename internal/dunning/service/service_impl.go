package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ledgerline/internal/clock"
	"github.com/smallbiznis/ledgerline/internal/config"
	dunningdomain "github.com/smallbiznis/ledgerline/internal/dunning/domain"
	emaildomain "github.com/smallbiznis/ledgerline/internal/email/domain"
	invoicedomain "github.com/smallbiznis/ledgerline/internal/invoice/domain"
	"github.com/smallbiznis/ledgerline/internal/observability/metrics"
	"github.com/smallbiznis/ledgerline/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/ledgerline/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/ledgerline/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Config config.Config

	Schedule dunningdomain.Schedule

	InvoiceSvc      invoicedomain.Service
	SubscriptionSvc subscriptiondomain.Service
	EmailProvider   emaildomain.Provider
	Adapters        *adapters.Registry
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	schedule          dunningdomain.Schedule
	maxTransientFails int

	invoiceSvc      invoicedomain.Service
	subscriptionSvc subscriptiondomain.Service
	emailProvider   emaildomain.Provider
	adapters        *adapters.Registry
}

func NewService(p ServiceParam) (dunningdomain.Service, error) {
	schedule := p.Schedule
	if len(schedule) == 0 {
		schedule = dunningdomain.DefaultSchedule()
	}
	if schedule[len(schedule)-1].Action != dunningdomain.ActionCancel {
		return nil, dunningdomain.ErrInvalidSchedule
	}
	for i := 1; i < len(schedule); i++ {
		if schedule[i].Day <= schedule[i-1].Day {
			return nil, dunningdomain.ErrInvalidSchedule
		}
	}

	return &Service{
		db:    p.DB,
		log:   p.Log.Named("dunning.service"),
		genID: p.GenID,
		clock: p.Clock,

		schedule:          schedule,
		maxTransientFails: p.Config.Billing.DunningMaxTransientFails,

		invoiceSvc:      p.InvoiceSvc,
		subscriptionSvc: p.SubscriptionSvc,
		emailProvider:   p.EmailProvider,
		adapters:        p.Adapters,
	}, nil
}

func (s *Service) Start(ctx context.Context, subscriptionID, invoiceID snowflake.ID) (dunningdomain.Process, error) {
	var process dunningdomain.Process
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		process, err = s.StartInTx(ctx, tx, subscriptionID, invoiceID)
		return err
	})
	return process, err
}

func (s *Service) StartInTx(ctx context.Context, tx *gorm.DB, subscriptionID, invoiceID snowflake.ID) (dunningdomain.Process, error) {
	sub, err := s.subscriptionSvc.Get(ctx, subscriptionID)
	if err != nil {
		return dunningdomain.Process{}, err
	}

	now := s.clock.Now().UTC()
	process := dunningdomain.Process{
		ID:             s.genID.Generate(),
		OrgID:          sub.OrgID,
		SubscriptionID: subscriptionID,
		InvoiceID:      invoiceID,

		Status:       dunningdomain.StatusActive,
		StartedAt:    now,
		NextActionAt: now.AddDate(0, 0, s.schedule[0].Day),

		CreatedAt: now,
		UpdatedAt: now,
	}

	result := tx.WithContext(ctx).Exec(
		`INSERT INTO dunning_processes
		 (id, org_id, subscription_id, invoice_id, status, retry_count, schedule_position,
		  transient_fail_count, started_at, next_action_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, 0, 0, ?, ?, ?, ?)
		 ON CONFLICT (subscription_id, invoice_id) DO NOTHING`,
		process.ID, process.OrgID, process.SubscriptionID, process.InvoiceID,
		process.Status, process.StartedAt, process.NextActionAt,
		process.CreatedAt, process.UpdatedAt,
	)
	if result.Error != nil {
		return dunningdomain.Process{}, result.Error
	}
	if result.RowsAffected == 0 {
		// Lost the race or already started; return the winner.
		var existing dunningdomain.Process
		err := tx.WithContext(ctx).
			Where("subscription_id = ? AND invoice_id = ?", subscriptionID, invoiceID).
			First(&existing).Error
		if err != nil {
			return dunningdomain.Process{}, err
		}
		return existing, nil
	}
	if err := s.subscriptionSvc.TransitionInTx(ctx, tx, subscriptionID, subscriptiondomain.StatusPastDue); err != nil {
		return dunningdomain.Process{}, err
	}
	metrics.IncDunningTransition(string(dunningdomain.StatusActive))

	s.log.Info("dunning process started",
		zap.Int64("subscription_id", int64(subscriptionID)),
		zap.Int64("invoice_id", int64(invoiceID)),
		zap.Time("next_action_at", process.NextActionAt),
	)
	return process, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (dunningdomain.Process, error) {
	var process dunningdomain.Process
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&process).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dunningdomain.Process{}, dunningdomain.ErrProcessNotFound
		}
		return dunningdomain.Process{}, err
	}
	return process, nil
}

func (s *Service) ActiveForSubscription(ctx context.Context, subscriptionID snowflake.ID) (*dunningdomain.Process, error) {
	var process dunningdomain.Process
	err := s.db.WithContext(ctx).
		Where("subscription_id = ? AND status = ?", subscriptionID, dunningdomain.StatusActive).
		First(&process).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &process, nil
}

// Tick claims and advances due processes one at a time; each process
// commits on its own so a failure in one never poisons the rest.
func (s *Service) Tick(ctx context.Context) (int, error) {
	processed := 0
	for {
		advanced, err := s.tickOne(ctx)
		if err != nil {
			return processed, err
		}
		if !advanced {
			return processed, nil
		}
		processed++
	}
}

func (s *Service) tickOne(ctx context.Context) (bool, error) {
	var claimed bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now().UTC()

		var process dunningdomain.Process
		err := tx.WithContext(ctx).Raw(
			`SELECT *
			 FROM dunning_processes
			 WHERE status = ? AND next_action_at <= ?
			 ORDER BY next_action_at ASC
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED`,
			dunningdomain.StatusActive, now,
		).Scan(&process).Error
		if err != nil {
			return err
		}
		if process.ID == 0 {
			return nil
		}
		claimed = true
		return s.executeStep(ctx, tx, &process, now)
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

func (s *Service) executeStep(ctx context.Context, tx *gorm.DB, process *dunningdomain.Process, now time.Time) error {
	if process.SchedulePosition >= len(s.schedule) {
		// Defensive bound; the cancel step should have terminated it.
		return s.exhaust(ctx, tx, process, now)
	}
	step := s.schedule[process.SchedulePosition]

	switch step.Action {
	case dunningdomain.ActionRetry:
		return s.executeRetry(ctx, tx, process, now)
	case dunningdomain.ActionNotify:
		sub, err := s.subscriptionSvc.Get(ctx, process.SubscriptionID)
		if err != nil {
			return err
		}
		s.sendNotice(ctx, sub, step.Severity)
		return s.advance(ctx, tx, process, now, false)
	case dunningdomain.ActionCancel:
		return s.exhaust(ctx, tx, process, now)
	default:
		return fmt.Errorf("%w: action %q", dunningdomain.ErrInvalidSchedule, step.Action)
	}
}

func (s *Service) executeRetry(ctx context.Context, tx *gorm.DB, process *dunningdomain.Process, now time.Time) error {
	sub, err := s.subscriptionSvc.Get(ctx, process.SubscriptionID)
	if err != nil {
		return err
	}
	inv, _, err := s.invoiceSvc.Get(ctx, process.InvoiceID)
	if err != nil {
		return err
	}
	if inv.Status == invoicedomain.InvoiceStatusPaid {
		// Paid out of band since the last tick.
		return s.recover(ctx, tx, process, now)
	}

	gateway, err := s.adapters.Gateway(sub.Provider)
	if err != nil {
		return err
	}

	result, err := gateway.Charge(ctx, sub.PaymentMethodID, inv.Due())
	if err != nil {
		if errors.Is(err, paymentdomain.ErrTransient) {
			metrics.IncGatewayCharge(sub.Provider, "transient_error")
			return s.recordTransientFailure(ctx, tx, process, sub, now)
		}
		return err
	}

	if !result.Success {
		metrics.IncGatewayCharge(sub.Provider, "declined")
		s.log.Info("dunning retry declined",
			zap.Int64("subscription_id", int64(sub.ID)),
			zap.String("reason", result.FailureReason),
			zap.Int("retry_count", process.RetryCount+1),
		)
		return s.advance(ctx, tx, process, now, true)
	}

	metrics.IncGatewayCharge(sub.Provider, "success")
	var providerPaymentID *string
	if result.ProviderPaymentID != "" {
		providerPaymentID = &result.ProviderPaymentID
	}
	if _, err := s.invoiceSvc.MarkPaidInTx(ctx, tx, inv.ID, inv.Due(), now, providerPaymentID); err != nil {
		return err
	}
	return s.recover(ctx, tx, process, now)
}

// recordTransientFailure repeats the same step on the next tick until
// the bound is hit, then escalates straight to the final notice so a
// flaky gateway cannot stall the process forever.
func (s *Service) recordTransientFailure(ctx context.Context, tx *gorm.DB, process *dunningdomain.Process, sub subscriptiondomain.Subscription, now time.Time) error {
	fails := process.TransientFailCount + 1
	if fails < s.maxTransientFails {
		return tx.WithContext(ctx).Model(&dunningdomain.Process{}).
			Where("id = ?", process.ID).
			Updates(map[string]any{
				"transient_fail_count": fails,
				"updated_at":           now,
			}).Error
	}

	s.sendNotice(ctx, sub, dunningdomain.SeverityFinal)
	cancelPos := len(s.schedule) - 1
	s.log.Warn("dunning escalated early after repeated gateway faults",
		zap.Int64("subscription_id", int64(process.SubscriptionID)),
		zap.Int("transient_fails", fails),
	)
	return tx.WithContext(ctx).Model(&dunningdomain.Process{}).
		Where("id = ?", process.ID).
		Updates(map[string]any{
			"transient_fail_count": 0,
			"schedule_position":    cancelPos,
			"next_action_at":       now.AddDate(0, 0, 1),
			"updated_at":           now,
		}).Error
}

// advance moves to the next schedule step. Timing stays anchored to
// StartedAt so a late tick does not stretch the whole schedule.
func (s *Service) advance(ctx context.Context, tx *gorm.DB, process *dunningdomain.Process, now time.Time, countRetry bool) error {
	nextPos := process.SchedulePosition + 1
	if nextPos >= len(s.schedule) {
		nextPos = len(s.schedule) - 1
	}
	updates := map[string]any{
		"schedule_position":    nextPos,
		"next_action_at":       process.StartedAt.AddDate(0, 0, s.schedule[nextPos].Day),
		"transient_fail_count": 0,
		"updated_at":           now,
	}
	if countRetry {
		updates["retry_count"] = process.RetryCount + 1
	}
	return tx.WithContext(ctx).Model(&dunningdomain.Process{}).
		Where("id = ?", process.ID).
		Updates(updates).Error
}

func (s *Service) recover(ctx context.Context, tx *gorm.DB, process *dunningdomain.Process, now time.Time) error {
	err := tx.WithContext(ctx).Model(&dunningdomain.Process{}).
		Where("id = ?", process.ID).
		Updates(map[string]any{
			"status":       dunningdomain.StatusRecovered,
			"completed_at": now,
			"updated_at":   now,
		}).Error
	if err != nil {
		return err
	}
	if err := s.subscriptionSvc.TransitionInTx(ctx, tx, process.SubscriptionID, subscriptiondomain.StatusActive); err != nil {
		return err
	}
	metrics.IncDunningTransition(string(dunningdomain.StatusRecovered))
	s.log.Info("dunning process recovered",
		zap.Int64("subscription_id", int64(process.SubscriptionID)),
		zap.Int64("invoice_id", int64(process.InvoiceID)),
	)
	return nil
}

func (s *Service) exhaust(ctx context.Context, tx *gorm.DB, process *dunningdomain.Process, now time.Time) error {
	err := tx.WithContext(ctx).Model(&dunningdomain.Process{}).
		Where("id = ?", process.ID).
		Updates(map[string]any{
			"status":       dunningdomain.StatusExhausted,
			"completed_at": now,
			"updated_at":   now,
		}).Error
	if err != nil {
		return err
	}
	if err := s.subscriptionSvc.CancelInTx(ctx, tx, process.SubscriptionID); err != nil {
		return err
	}
	metrics.IncDunningTransition(string(dunningdomain.StatusExhausted))
	s.log.Info("dunning process exhausted, subscription cancelled",
		zap.Int64("subscription_id", int64(process.SubscriptionID)),
		zap.Int64("invoice_id", int64(process.InvoiceID)),
	)
	return nil
}

// ResolveForInvoice marks the invoice's active process recovered in the
// caller's transaction; used when payment lands via webhook instead of
// a dunning retry.
func (s *Service) ResolveForInvoice(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) error {
	var process dunningdomain.Process
	err := tx.WithContext(ctx).Raw(
		`SELECT *
		 FROM dunning_processes
		 WHERE invoice_id = ? AND status = ?
		 FOR UPDATE`,
		invoiceID, dunningdomain.StatusActive,
	).Scan(&process).Error
	if err != nil {
		return err
	}
	if process.ID == 0 {
		return nil
	}
	return s.recover(ctx, tx, &process, s.clock.Now().UTC())
}

func (s *Service) sendNotice(ctx context.Context, sub subscriptiondomain.Subscription, severity dunningdomain.Severity) {
	if sub.CustomerEmail == "" {
		return
	}

	var subject string
	switch severity {
	case dunningdomain.SeverityUrgent:
		subject = "Urgent: your payment is still failing"
	case dunningdomain.SeverityFinal:
		subject = "Final notice: subscription will be cancelled"
	default:
		subject = "We could not process your payment"
	}

	msg := emaildomain.Message{
		To:      sub.CustomerEmail,
		Subject: subject,
		TextBody: fmt.Sprintf(
			"We were unable to collect payment for your %s subscription. Please update your payment method to keep your service active.",
			sub.PlanCode,
		),
	}
	if err := s.emailProvider.Send(ctx, msg); err != nil {
		s.log.Warn("dunning notice failed",
			zap.String("severity", string(severity)),
			zap.Error(err),
		)
	}
}
