package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/ledgerline/internal/clock"
	"github.com/smallbiznis/ledgerline/internal/config"
	invoicedomain "github.com/smallbiznis/ledgerline/internal/invoice/domain"
	"github.com/smallbiznis/ledgerline/internal/money"
	"github.com/smallbiznis/ledgerline/internal/observability/metrics"
	"github.com/smallbiznis/ledgerline/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/ledgerline/internal/payment/domain"
	plandomain "github.com/smallbiznis/ledgerline/internal/paymentplan/domain"
	subscriptiondomain "github.com/smallbiznis/ledgerline/internal/subscription/domain"
	"github.com/smallbiznis/ledgerline/pkg/db"
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

	InvoiceSvc      invoicedomain.Service
	SubscriptionSvc subscriptiondomain.Service
	Adapters        *adapters.Registry
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	minTotal        int64
	maxInstallments int
	maxRetries      int

	invoiceSvc      invoicedomain.Service
	subscriptionSvc subscriptiondomain.Service
	adapters        *adapters.Registry
}

func NewService(p ServiceParam) plandomain.Service {
	maxInstallments := p.Config.Billing.PaymentPlanMaxInstallment
	if maxInstallments <= 0 || maxInstallments > plandomain.MaxInstallments {
		maxInstallments = plandomain.MaxInstallments
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("paymentplan.service"),
		genID: p.GenID,
		clock: p.Clock,

		minTotal:        p.Config.Billing.PaymentPlanMinTotal,
		maxInstallments: maxInstallments,
		maxRetries:      p.Config.Billing.InstallmentMaxRetries,

		invoiceSvc:      p.InvoiceSvc,
		subscriptionSvc: p.SubscriptionSvc,
		adapters:        p.Adapters,
	}
}

func (s *Service) Create(ctx context.Context, req plandomain.CreateRequest) (plandomain.Plan, []plandomain.Installment, error) {
	inv, _, err := s.invoiceSvc.Get(ctx, req.InvoiceID)
	if err != nil {
		return plandomain.Plan{}, nil, err
	}
	if inv.Status != invoicedomain.InvoiceStatusIssued {
		return plandomain.Plan{}, nil, fmt.Errorf("%w: invoice is %s", plandomain.ErrPlanNotActive, inv.Status)
	}

	total := inv.AmountDue
	if total < s.minTotal {
		return plandomain.Plan{}, nil, fmt.Errorf("%w: %d below %d", plandomain.ErrTotalBelowMinimum, total, s.minTotal)
	}
	if req.NumInstallments < plandomain.MinInstallments || req.NumInstallments > s.maxInstallments {
		return plandomain.Plan{}, nil, fmt.Errorf("%w: %d", plandomain.ErrInvalidInstallments, req.NumInstallments)
	}
	if req.DownPaymentPercent.IsNegative() || req.DownPaymentPercent.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return plandomain.Plan{}, nil, fmt.Errorf("%w: percent %s", plandomain.ErrInvalidDownPayment, req.DownPaymentPercent)
	}

	provider, paymentMethodID := req.Provider, req.PaymentMethodID
	if provider == "" && inv.SubscriptionID != nil {
		sub, err := s.subscriptionSvc.Get(ctx, *inv.SubscriptionID)
		if err != nil {
			return plandomain.Plan{}, nil, err
		}
		provider, paymentMethodID = sub.Provider, sub.PaymentMethodID
	}
	if provider == "" || paymentMethodID == "" {
		return plandomain.Plan{}, nil, plandomain.ErrMissingBillingInfo
	}
	gateway, err := s.adapters.Gateway(provider)
	if err != nil {
		return plandomain.Plan{}, nil, err
	}

	totalMoney := money.Money{Amount: total, Currency: inv.Currency}
	down := totalMoney.MulDecimal(req.DownPaymentPercent).Amount
	remaining := total - down
	// Every installment must carry at least one minor unit.
	if remaining < int64(req.NumInstallments) {
		return plandomain.Plan{}, nil, fmt.Errorf("%w: nothing left to schedule", plandomain.ErrInvalidDownPayment)
	}
	per := remaining / int64(req.NumInstallments)
	last := remaining - per*int64(req.NumInstallments-1)

	// The plan row is persisted as pending before the gateway capture
	// so a crash after a successful charge still leaves its record,
	// and a retry resumes instead of charging twice.
	now := s.clock.Now().UTC()
	plan := plandomain.Plan{
		ID:        s.genID.Generate(),
		OrgID:     inv.OrgID,
		InvoiceID: inv.ID,

		Provider:        provider,
		PaymentMethodID: paymentMethodID,

		Currency:          inv.Currency,
		TotalAmount:       total,
		DownPaymentAmount: down,
		NumInstallments:   req.NumInstallments,

		Status:    plandomain.PlanStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&plan).Error; err != nil {
		if !db.IsDuplicateKeyErr(err) {
			return plandomain.Plan{}, nil, err
		}
		existing, _, lookupErr := s.GetByInvoice(ctx, inv.ID)
		if lookupErr != nil {
			return plandomain.Plan{}, nil, lookupErr
		}
		if existing.Status != plandomain.PlanStatusPending {
			return plandomain.Plan{}, nil, plandomain.ErrPlanExists
		}
		// Leftover from an interrupted attempt. Resume it on its own
		// stored terms; the down payment may already be captured.
		plan = existing
		down = plan.DownPaymentAmount
		remaining = plan.TotalAmount - down
		per = remaining / int64(plan.NumInstallments)
		last = remaining - per*int64(plan.NumInstallments-1)
		if plan.Provider != provider {
			gateway, err = s.adapters.Gateway(plan.Provider)
			if err != nil {
				return plandomain.Plan{}, nil, err
			}
		}
		s.log.Info("resuming pending payment plan",
			zap.String("invoice_number", inv.InvoiceNumber),
			zap.Int64("plan_id", int64(plan.ID)),
		)
	}

	if down > 0 && plan.DownPaymentPaymentID == nil {
		result, err := gateway.Charge(ctx, plan.PaymentMethodID, money.Money{Amount: down, Currency: plan.Currency})
		if err != nil {
			// Transient; the pending row stays and a retry resumes it.
			return plandomain.Plan{}, nil, err
		}
		if !result.Success {
			metrics.IncGatewayCharge(plan.Provider, "declined")
			if err := s.db.WithContext(ctx).Delete(&plandomain.Plan{}, "id = ?", plan.ID).Error; err != nil {
				return plandomain.Plan{}, nil, err
			}
			return plandomain.Plan{}, nil, fmt.Errorf("%w: %s", plandomain.ErrDownPaymentDeclined, result.FailureReason)
		}
		metrics.IncGatewayCharge(plan.Provider, "success")
		if result.ProviderPaymentID != "" {
			id := result.ProviderPaymentID
			plan.DownPaymentPaymentID = &id
			err := s.db.WithContext(ctx).Model(&plandomain.Plan{}).
				Where("id = ?", plan.ID).
				Updates(map[string]any{"down_payment_payment_id": id, "updated_at": s.clock.Now().UTC()}).Error
			if err != nil {
				return plandomain.Plan{}, nil, err
			}
		}
	}

	now = s.clock.Now().UTC()
	installments := make([]plandomain.Installment, 0, plan.NumInstallments)
	for i := 1; i <= plan.NumInstallments; i++ {
		amount := per
		if i == plan.NumInstallments {
			amount = last
		}
		installments = append(installments, plandomain.Installment{
			ID:       s.genID.Generate(),
			PlanID:   plan.ID,
			Sequence: i,

			Amount:   amount,
			Currency: plan.Currency,

			Status:    plandomain.InstallmentStatusPending,
			DueAt:     now.AddDate(0, i, 0),
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Create(&installments).Error; err != nil {
			return err
		}
		err := tx.WithContext(ctx).Model(&plandomain.Plan{}).
			Where("id = ?", plan.ID).
			Updates(map[string]any{"status": plandomain.PlanStatusActive, "updated_at": now}).Error
		if err != nil {
			return err
		}
		if down > 0 {
			if _, err := s.invoiceSvc.MarkPaidInTx(ctx, tx, plan.InvoiceID,
				money.Money{Amount: down, Currency: plan.Currency}, now, plan.DownPaymentPaymentID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return plandomain.Plan{}, nil, err
	}
	plan.Status = plandomain.PlanStatusActive
	plan.UpdatedAt = now

	s.log.Info("payment plan created",
		zap.String("invoice_number", inv.InvoiceNumber),
		zap.Int64("total", plan.TotalAmount),
		zap.Int64("down_payment", down),
		zap.Int("installments", plan.NumInstallments),
	)
	return plan, installments, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (plandomain.Plan, []plandomain.Installment, error) {
	var plan plandomain.Plan
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return plandomain.Plan{}, nil, plandomain.ErrPlanNotFound
		}
		return plandomain.Plan{}, nil, err
	}
	installments, err := s.installmentsFor(ctx, plan.ID)
	return plan, installments, err
}

func (s *Service) GetByInvoice(ctx context.Context, invoiceID snowflake.ID) (plandomain.Plan, []plandomain.Installment, error) {
	var plan plandomain.Plan
	err := s.db.WithContext(ctx).Where("invoice_id = ?", invoiceID).First(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return plandomain.Plan{}, nil, plandomain.ErrPlanNotFound
		}
		return plandomain.Plan{}, nil, err
	}
	installments, err := s.installmentsFor(ctx, plan.ID)
	return plan, installments, err
}

func (s *Service) installmentsFor(ctx context.Context, planID snowflake.ID) ([]plandomain.Installment, error) {
	var installments []plandomain.Installment
	err := s.db.WithContext(ctx).
		Where("plan_id = ?", planID).
		Order("sequence ASC").
		Find(&installments).Error
	return installments, err
}

func (s *Service) Cancel(ctx context.Context, id snowflake.ID) (plandomain.Plan, error) {
	var plan plandomain.Plan
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.WithContext(ctx).Raw(
			`SELECT * FROM payment_plans WHERE id = ? FOR UPDATE`, id,
		).Scan(&plan).Error
		if err != nil {
			return err
		}
		if plan.ID == 0 {
			return plandomain.ErrPlanNotFound
		}
		if plan.Status != plandomain.PlanStatusActive {
			return fmt.Errorf("%w: status %s", plandomain.ErrPlanNotActive, plan.Status)
		}

		now := s.clock.Now().UTC()
		err = tx.WithContext(ctx).Model(&plandomain.Plan{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"status":     plandomain.PlanStatusCancelled,
				"updated_at": now,
			}).Error
		if err != nil {
			return err
		}
		err = tx.WithContext(ctx).Model(&plandomain.Installment{}).
			Where("plan_id = ? AND status = ?", id, plandomain.InstallmentStatusPending).
			Updates(map[string]any{
				"status":     plandomain.InstallmentStatusCancelled,
				"updated_at": now,
			}).Error
		if err != nil {
			return err
		}
		plan.Status = plandomain.PlanStatusCancelled
		plan.UpdatedAt = now
		return nil
	})
	return plan, err
}

func (s *Service) ProcessDue(ctx context.Context) (int, error) {
	attempted := 0
	for {
		claimed, err := s.processOne(ctx)
		if err != nil {
			return attempted, err
		}
		if !claimed {
			return attempted, nil
		}
		attempted++
	}
}

func (s *Service) processOne(ctx context.Context) (bool, error) {
	var claimed bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now().UTC()

		var installment plandomain.Installment
		err := tx.WithContext(ctx).Raw(
			`SELECT *
			 FROM payment_plan_installments
			 WHERE status = ? AND due_at <= ?
			 ORDER BY due_at ASC
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED`,
			plandomain.InstallmentStatusPending, now,
		).Scan(&installment).Error
		if err != nil {
			return err
		}
		if installment.ID == 0 {
			return nil
		}
		claimed = true

		var plan plandomain.Plan
		err = tx.WithContext(ctx).Raw(
			`SELECT * FROM payment_plans WHERE id = ? FOR UPDATE`, installment.PlanID,
		).Scan(&plan).Error
		if err != nil {
			return err
		}
		if plan.ID == 0 {
			return plandomain.ErrPlanNotFound
		}
		if plan.Status != plandomain.PlanStatusActive {
			return tx.WithContext(ctx).Model(&plandomain.Installment{}).
				Where("id = ?", installment.ID).
				Updates(map[string]any{
					"status":     plandomain.InstallmentStatusCancelled,
					"updated_at": now,
				}).Error
		}
		return s.charge(ctx, tx, &plan, &installment, now)
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

func (s *Service) charge(ctx context.Context, tx *gorm.DB, plan *plandomain.Plan, installment *plandomain.Installment, now time.Time) error {
	gateway, err := s.adapters.Gateway(plan.Provider)
	if err != nil {
		return err
	}

	amount := money.Money{Amount: installment.Amount, Currency: installment.Currency}
	result, err := gateway.Charge(ctx, plan.PaymentMethodID, amount)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrTransient) {
			metrics.IncGatewayCharge(plan.Provider, "transient_error")
			// Not an attempt; push the due time so the run's claim
			// loop moves on and a later run retries.
			return tx.WithContext(ctx).Model(&plandomain.Installment{}).
				Where("id = ?", installment.ID).
				Updates(map[string]any{
					"due_at":     now.Add(time.Hour),
					"updated_at": now,
				}).Error
		}
		return err
	}

	if !result.Success {
		metrics.IncGatewayCharge(plan.Provider, "declined")
		attempts := installment.AttemptCount + 1
		if attempts >= s.maxRetries {
			return s.failPlan(ctx, tx, plan, installment, now, result.FailureReason)
		}
		return tx.WithContext(ctx).Model(&plandomain.Installment{}).
			Where("id = ?", installment.ID).
			Updates(map[string]any{
				"attempt_count": attempts,
				"due_at":        now.AddDate(0, 0, 1),
				"updated_at":    now,
			}).Error
	}

	metrics.IncGatewayCharge(plan.Provider, "success")
	var providerPaymentID *string
	if result.ProviderPaymentID != "" {
		providerPaymentID = &result.ProviderPaymentID
	}

	err = tx.WithContext(ctx).Model(&plandomain.Installment{}).
		Where("id = ?", installment.ID).
		Updates(map[string]any{
			"status":              plandomain.InstallmentStatusPaid,
			"attempt_count":       installment.AttemptCount + 1,
			"paid_at":             now,
			"provider_payment_id": providerPaymentID,
			"updated_at":          now,
		}).Error
	if err != nil {
		return err
	}

	if _, err := s.invoiceSvc.MarkPaidInTx(ctx, tx, plan.InvoiceID, amount, now, providerPaymentID); err != nil {
		return err
	}

	paid := plan.InstallmentsPaid + 1
	updates := map[string]any{
		"installments_paid": paid,
		"updated_at":        now,
	}
	if paid == plan.NumInstallments {
		updates["status"] = plandomain.PlanStatusCompleted
		updates["completed_at"] = now
		s.log.Info("payment plan completed",
			zap.Int64("plan_id", int64(plan.ID)),
			zap.Int64("invoice_id", int64(plan.InvoiceID)),
		)
	}
	return tx.WithContext(ctx).Model(&plandomain.Plan{}).
		Where("id = ?", plan.ID).
		Updates(updates).Error
}

func (s *Service) failPlan(ctx context.Context, tx *gorm.DB, plan *plandomain.Plan, installment *plandomain.Installment, now time.Time, reason string) error {
	err := tx.WithContext(ctx).Model(&plandomain.Installment{}).
		Where("id = ?", installment.ID).
		Updates(map[string]any{
			"status":        plandomain.InstallmentStatusFailed,
			"attempt_count": installment.AttemptCount + 1,
			"updated_at":    now,
		}).Error
	if err != nil {
		return err
	}
	err = tx.WithContext(ctx).Model(&plandomain.Plan{}).
		Where("id = ?", plan.ID).
		Updates(map[string]any{
			"status":     plandomain.PlanStatusFailed,
			"updated_at": now,
		}).Error
	if err != nil {
		return err
	}
	s.log.Warn("payment plan failed",
		zap.Int64("plan_id", int64(plan.ID)),
		zap.Int64("invoice_id", int64(plan.InvoiceID)),
		zap.Int("sequence", installment.Sequence),
		zap.String("reason", reason),
	)
	return nil
}
