package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/ledgerline/internal/audit/domain"
	"github.com/smallbiznis/ledgerline/internal/clock"
	"github.com/smallbiznis/ledgerline/internal/config"
	invoicedomain "github.com/smallbiznis/ledgerline/internal/invoice/domain"
	"github.com/smallbiznis/ledgerline/internal/money"
	"github.com/smallbiznis/ledgerline/internal/observability/metrics"
	taxdomain "github.com/smallbiznis/ledgerline/internal/tax/domain"
	"github.com/smallbiznis/ledgerline/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   config.Config
	Tax      taxdomain.Calculator
	AuditSvc auditdomain.Service
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	invoiceDueDays int

	tax      taxdomain.Calculator
	auditSvc auditdomain.Service

	invoicerepo repository.Repository[invoicedomain.Invoice]
}

func NewService(p ServiceParam) invoicedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("invoice.service"),
		genID: p.GenID,
		clock: p.Clock,

		invoiceDueDays: p.Config.Billing.InvoiceDueDays,

		tax:      p.Tax,
		auditSvc: p.AuditSvc,

		invoicerepo: repository.ProvideStore[invoicedomain.Invoice](p.DB),
	}
}

// Legal status transitions. Refunded only follows paid; paid, void and
// refunded are terminal apart from paid->refunded.
var validTransitions = map[invoicedomain.InvoiceStatus][]invoicedomain.InvoiceStatus{
	invoicedomain.InvoiceStatusDraft:  {invoicedomain.InvoiceStatusIssued, invoicedomain.InvoiceStatusVoid},
	invoicedomain.InvoiceStatusIssued: {invoicedomain.InvoiceStatusPaid, invoicedomain.InvoiceStatusVoid},
	invoicedomain.InvoiceStatusPaid:   {invoicedomain.InvoiceStatusRefunded},
}

func canTransition(from, to invoicedomain.InvoiceStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s *Service) Create(ctx context.Context, req invoicedomain.CreateInvoiceRequest) (invoicedomain.Invoice, error) {
	var created invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		created, err = s.CreateInTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	s.emitAudit(ctx, created.OrgID, "invoice.issued", created)
	return created, nil
}

func (s *Service) CreateInTx(ctx context.Context, tx *gorm.DB, req invoicedomain.CreateInvoiceRequest) (invoicedomain.Invoice, error) {
	currency, err := money.NormalizeCurrency(req.Currency)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if len(req.LineItems) == 0 {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidLineItems
	}

	now := s.clock.Now().UTC()

	subtotal := money.Money{Amount: 0, Currency: currency}
	lines := make([]invoicedomain.LineItem, 0, len(req.LineItems))
	for position, item := range req.LineItems {
		if strings.TrimSpace(item.Description) == "" || item.Quantity <= 0 {
			return invoicedomain.Invoice{}, invoicedomain.ErrInvalidLineItems
		}
		if item.UnitPrice.Currency != currency {
			return invoicedomain.Invoice{}, fmt.Errorf("%w: line %d currency %s", invoicedomain.ErrInvalidLineItems, position, item.UnitPrice.Currency)
		}
		amount := item.UnitPrice.Amount * item.Quantity
		subtotal.Amount += amount
		lines = append(lines, invoicedomain.LineItem{
			ID:          s.genID.Generate(),
			Position:    position,
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice.Amount,
			Amount:      amount,
		})
	}

	// Missing tax data fails the whole creation; no invoice row is
	// written with a guessed rate.
	taxResult, err := s.tax.Calculate(taxdomain.CalculateRequest{
		Amount:       subtotal,
		Country:      req.Country,
		State:        req.State,
		CustomerType: req.CustomerType,
		TaxID:        req.TaxID,
		On:           now,
	})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	total, err := subtotal.Add(taxResult.TaxAmount)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	dueDays := req.DueDays
	if dueDays <= 0 {
		dueDays = s.invoiceDueDays
	}

	number, err := s.nextNumber(ctx, tx, req.OrgID, now.Year(), invoicedomain.NumberKindInvoice)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	issuedAt := now
	inv := invoicedomain.Invoice{
		ID:             s.genID.Generate(),
		OrgID:          req.OrgID,
		SubscriptionID: req.SubscriptionID,
		InvoiceNumber:  number,
		Currency:       currency,

		SubtotalAmount: subtotal.Amount,
		TaxAmount:      taxResult.TaxAmount.Amount,
		TotalAmount:    total.Amount,
		AmountPaid:     0,
		AmountDue:      total.Amount,

		TaxRate:       taxResult.TaxRate,
		TaxName:       taxResult.TaxName,
		ReverseCharge: taxResult.ReverseCharge,

		Status:      invoicedomain.InvoiceStatusDraft,
		InvoiceDate: now,
		DueDate:     now.AddDate(0, 0, dueDays),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := tx.WithContext(ctx).Create(&inv).Error; err != nil {
		return invoicedomain.Invoice{}, err
	}
	for i := range lines {
		lines[i].InvoiceID = inv.ID
	}
	if err := tx.WithContext(ctx).Create(&lines).Error; err != nil {
		return invoicedomain.Invoice{}, err
	}
	if err := s.appendAudit(ctx, tx, inv.ID, "", invoicedomain.InvoiceStatusDraft, now); err != nil {
		return invoicedomain.Invoice{}, err
	}

	// Issue immediately; line items are immutable from here on.
	err = tx.WithContext(ctx).Model(&invoicedomain.Invoice{}).
		Where("id = ?", inv.ID).
		Updates(map[string]any{
			"status":     invoicedomain.InvoiceStatusIssued,
			"issued_at":  issuedAt,
			"updated_at": now,
		}).Error
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if err := s.appendAudit(ctx, tx, inv.ID, invoicedomain.InvoiceStatusDraft, invoicedomain.InvoiceStatusIssued, now); err != nil {
		return invoicedomain.Invoice{}, err
	}

	inv.Status = invoicedomain.InvoiceStatusIssued
	inv.IssuedAt = &issuedAt

	metrics.IncInvoiceTransition(string(invoicedomain.InvoiceStatusDraft), string(invoicedomain.InvoiceStatusIssued))
	s.log.Info("invoice issued",
		zap.String("invoice_number", inv.InvoiceNumber),
		zap.Int64("org_id", int64(inv.OrgID)),
		zap.Int64("total", inv.TotalAmount),
		zap.String("currency", inv.Currency),
	)
	return inv, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (invoicedomain.Invoice, []invoicedomain.LineItem, error) {
	inv, err := s.invoicerepo.FindOne(ctx, &invoicedomain.Invoice{ID: id})
	if err != nil {
		return invoicedomain.Invoice{}, nil, err
	}
	if inv == nil {
		return invoicedomain.Invoice{}, nil, invoicedomain.ErrInvoiceNotFound
	}

	var lines []invoicedomain.LineItem
	err = s.db.WithContext(ctx).
		Where("invoice_id = ?", id).
		Order("position ASC").
		Find(&lines).Error
	if err != nil {
		return invoicedomain.Invoice{}, nil, err
	}
	return *inv, lines, nil
}

func (s *Service) GetByNumber(ctx context.Context, number string) (invoicedomain.Invoice, error) {
	inv, err := s.invoicerepo.FindOne(ctx, &invoicedomain.Invoice{InvoiceNumber: number})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if inv == nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
	}
	return *inv, nil
}

func (s *Service) List(ctx context.Context, orgID snowflake.ID, status *invoicedomain.InvoiceStatus) ([]invoicedomain.Invoice, error) {
	filter := &invoicedomain.Invoice{OrgID: orgID}
	if status != nil {
		filter.Status = *status
	}
	items, err := s.invoicerepo.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	invoices := make([]invoicedomain.Invoice, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		invoices = append(invoices, *item)
	}
	return invoices, nil
}

func (s *Service) MarkPaid(ctx context.Context, id snowflake.ID, amount money.Money, paidAt time.Time, providerPaymentID *string) (invoicedomain.Invoice, error) {
	if amount.Amount <= 0 {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidAmount
	}

	var result invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.MarkPaidInTx(ctx, tx, id, amount, paidAt, providerPaymentID)
		return err
	})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	if result.Status == invoicedomain.InvoiceStatusPaid {
		s.emitAudit(ctx, result.OrgID, "invoice.paid", result)
	}
	return result, nil
}

// MarkPaidInTx applies the payment inside the caller's transaction so
// dunning recovery and installment settlement can commit invoice,
// process and subscription state together.
func (s *Service) MarkPaidInTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, amount money.Money, paidAt time.Time, providerPaymentID *string) (invoicedomain.Invoice, error) {
	if amount.Amount <= 0 {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidAmount
	}

	inv, err := s.loadForUpdate(ctx, tx, id)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if amount.Currency != inv.Currency {
		return invoicedomain.Invoice{}, money.ErrCurrencyMismatch
	}

	if inv.Status == invoicedomain.InvoiceStatusPaid {
		// Replay of the completed payment is a no-op; anything else is
		// a conflict, never a silent overwrite.
		if amount.Amount == inv.AmountPaid {
			return *inv, nil
		}
		return invoicedomain.Invoice{}, fmt.Errorf("%w: invoice already paid with different amount", invoicedomain.ErrPaymentConflict)
	}
	if inv.Status != invoicedomain.InvoiceStatusIssued {
		return invoicedomain.Invoice{}, fmt.Errorf("%w: cannot pay %s invoice", invoicedomain.ErrInvalidTransition, inv.Status)
	}

	paid := inv.AmountPaid + amount.Amount
	if paid > inv.TotalAmount {
		return invoicedomain.Invoice{}, fmt.Errorf("%w: payment exceeds amount due", invoicedomain.ErrPaymentConflict)
	}

	now := s.clock.Now().UTC()
	updates := map[string]any{
		"amount_paid": paid,
		"amount_due":  inv.TotalAmount - paid,
		"updated_at":  now,
	}
	if providerPaymentID != nil {
		updates["provider_payment_id"] = *providerPaymentID
	}
	if paid == inv.TotalAmount {
		updates["status"] = invoicedomain.InvoiceStatusPaid
		updates["paid_at"] = paidAt.UTC()
	}
	if err := tx.WithContext(ctx).Model(&invoicedomain.Invoice{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return invoicedomain.Invoice{}, err
	}

	inv.AmountPaid = paid
	inv.AmountDue = inv.TotalAmount - paid
	if providerPaymentID != nil {
		inv.ProviderPaymentID = providerPaymentID
	}
	if paid == inv.TotalAmount {
		if err := s.appendAudit(ctx, tx, id, invoicedomain.InvoiceStatusIssued, invoicedomain.InvoiceStatusPaid, now); err != nil {
			return invoicedomain.Invoice{}, err
		}
		at := paidAt.UTC()
		inv.Status = invoicedomain.InvoiceStatusPaid
		inv.PaidAt = &at
		metrics.IncInvoiceTransition(string(invoicedomain.InvoiceStatusIssued), string(invoicedomain.InvoiceStatusPaid))
	}
	return *inv, nil
}

func (s *Service) Void(ctx context.Context, id snowflake.ID, reason string) (invoicedomain.Invoice, error) {
	var result invoicedomain.Invoice
	var from invoicedomain.InvoiceStatus
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inv, err := s.loadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !canTransition(inv.Status, invoicedomain.InvoiceStatusVoid) {
			return fmt.Errorf("%w: cannot void %s invoice", invoicedomain.ErrInvalidTransition, inv.Status)
		}
		from = inv.Status

		now := s.clock.Now().UTC()
		err = tx.WithContext(ctx).Model(&invoicedomain.Invoice{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"status":      invoicedomain.InvoiceStatusVoid,
				"voided_at":   now,
				"void_reason": reason,
				"updated_at":  now,
			}).Error
		if err != nil {
			return err
		}
		if err := s.appendAudit(ctx, tx, id, from, invoicedomain.InvoiceStatusVoid, now); err != nil {
			return err
		}

		inv.Status = invoicedomain.InvoiceStatusVoid
		inv.VoidedAt = &now
		inv.VoidReason = reason
		result = *inv
		return nil
	})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	metrics.IncInvoiceTransition(string(from), string(invoicedomain.InvoiceStatusVoid))
	s.emitAudit(ctx, result.OrgID, "invoice.voided", result)
	return result, nil
}

func (s *Service) Refund(ctx context.Context, id snowflake.ID, amount money.Money, reason string, refundID *string) (invoicedomain.Invoice, invoicedomain.CreditNote, error) {
	var inv invoicedomain.Invoice
	var note invoicedomain.CreditNote
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		inv, note, err = s.ApplyRefundInTx(ctx, tx, id, amount, reason, refundID)
		return err
	})
	if err != nil {
		return invoicedomain.Invoice{}, invoicedomain.CreditNote{}, err
	}

	s.emitAudit(ctx, inv.OrgID, "invoice.refunded", inv)
	return inv, note, nil
}

// ApplyRefundInTx issues the credit note and moves the invoice to
// refunded inside the caller's transaction; both land or neither does.
func (s *Service) ApplyRefundInTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, amount money.Money, reason string, refundID *string) (invoicedomain.Invoice, invoicedomain.CreditNote, error) {
	inv, err := s.loadForUpdate(ctx, tx, id)
	if err != nil {
		return invoicedomain.Invoice{}, invoicedomain.CreditNote{}, err
	}
	if !canTransition(inv.Status, invoicedomain.InvoiceStatusRefunded) {
		return invoicedomain.Invoice{}, invoicedomain.CreditNote{}, fmt.Errorf("%w: cannot refund %s invoice", invoicedomain.ErrInvalidTransition, inv.Status)
	}
	if amount.Currency != inv.Currency {
		return invoicedomain.Invoice{}, invoicedomain.CreditNote{}, money.ErrCurrencyMismatch
	}
	if amount.Amount <= 0 || amount.Amount > inv.AmountPaid {
		return invoicedomain.Invoice{}, invoicedomain.CreditNote{}, invoicedomain.ErrInvalidAmount
	}

	now := s.clock.Now().UTC()
	number, err := s.nextNumber(ctx, tx, inv.OrgID, now.Year(), invoicedomain.NumberKindCreditNote)
	if err != nil {
		return invoicedomain.Invoice{}, invoicedomain.CreditNote{}, err
	}

	note := invoicedomain.CreditNote{
		ID:               s.genID.Generate(),
		OrgID:            inv.OrgID,
		InvoiceID:        inv.ID,
		RefundID:         refundID,
		CreditNoteNumber: number,
		Currency:         inv.Currency,
		TotalAmount:      amount.Amount,
		Reason:           reason,
		Status:           invoicedomain.CreditNoteStatusIssued,
		IssuedAt:         now,
		CreatedAt:        now,
	}
	if err := tx.WithContext(ctx).Create(&note).Error; err != nil {
		return invoicedomain.Invoice{}, invoicedomain.CreditNote{}, err
	}

	err = tx.WithContext(ctx).Model(&invoicedomain.Invoice{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     invoicedomain.InvoiceStatusRefunded,
			"updated_at": now,
		}).Error
	if err != nil {
		return invoicedomain.Invoice{}, invoicedomain.CreditNote{}, err
	}
	if err := s.appendAudit(ctx, tx, id, invoicedomain.InvoiceStatusPaid, invoicedomain.InvoiceStatusRefunded, now); err != nil {
		return invoicedomain.Invoice{}, invoicedomain.CreditNote{}, err
	}

	inv.Status = invoicedomain.InvoiceStatusRefunded
	metrics.IncInvoiceTransition(string(invoicedomain.InvoiceStatusPaid), string(invoicedomain.InvoiceStatusRefunded))
	s.log.Info("credit note issued",
		zap.String("credit_note_number", note.CreditNoteNumber),
		zap.String("invoice_number", inv.InvoiceNumber),
		zap.Int64("amount", note.TotalAmount),
	)
	return *inv, note, nil
}

// IssueCreditNoteInTx appends a credit note against an invoice without
// changing invoice status. The invoice row is still locked so the note
// serializes with concurrent refunds and payments.
func (s *Service) IssueCreditNoteInTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, amount money.Money, reason string) (invoicedomain.CreditNote, error) {
	inv, err := s.loadForUpdate(ctx, tx, id)
	if err != nil {
		return invoicedomain.CreditNote{}, err
	}
	if amount.Currency != inv.Currency {
		return invoicedomain.CreditNote{}, money.ErrCurrencyMismatch
	}
	if amount.Amount <= 0 {
		return invoicedomain.CreditNote{}, invoicedomain.ErrInvalidAmount
	}

	now := s.clock.Now().UTC()
	number, err := s.nextNumber(ctx, tx, inv.OrgID, now.Year(), invoicedomain.NumberKindCreditNote)
	if err != nil {
		return invoicedomain.CreditNote{}, err
	}

	note := invoicedomain.CreditNote{
		ID:               s.genID.Generate(),
		OrgID:            inv.OrgID,
		InvoiceID:        inv.ID,
		CreditNoteNumber: number,
		Currency:         inv.Currency,
		TotalAmount:      amount.Amount,
		Reason:           reason,
		Status:           invoicedomain.CreditNoteStatusIssued,
		IssuedAt:         now,
		CreatedAt:        now,
	}
	if err := tx.WithContext(ctx).Create(&note).Error; err != nil {
		return invoicedomain.CreditNote{}, err
	}
	return note, nil
}

func (s *Service) AuditEntries(ctx context.Context, id snowflake.ID) ([]invoicedomain.AuditEntry, error) {
	var entries []invoicedomain.AuditEntry
	err := s.db.WithContext(ctx).
		Where("invoice_id = ?", id).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	return entries, err
}

func (s *Service) loadForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var inv invoicedomain.Invoice
	err := tx.WithContext(ctx).Raw(
		`SELECT *
		 FROM invoices
		 WHERE id = ?
		 FOR UPDATE`,
		id,
	).Scan(&inv).Error
	if err != nil {
		return nil, err
	}
	if inv.ID == 0 {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return &inv, nil
}

func (s *Service) appendAudit(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID, from, to invoicedomain.InvoiceStatus, at time.Time) error {
	actorType, actorID := auditdomain.ActorFromContext(ctx)
	if actorType == "" {
		actorType = string(auditdomain.ActorTypeSystem)
	}
	entry := invoicedomain.AuditEntry{
		ID:        s.genID.Generate(),
		InvoiceID: invoiceID,
		FromStatus: string(from),
		ToStatus:   string(to),
		ActorType:  actorType,
		CreatedAt:  at,
	}
	if actorID != "" {
		entry.ActorID = &actorID
	}
	return tx.WithContext(ctx).Create(&entry).Error
}

func (s *Service) emitAudit(ctx context.Context, orgID snowflake.ID, action string, inv invoicedomain.Invoice) {
	targetID := inv.ID.String()
	err := s.auditSvc.AuditLog(ctx, &orgID, "", nil, action, "invoice", &targetID, map[string]any{
		"invoice_number": inv.InvoiceNumber,
		"status":         string(inv.Status),
		"total":          inv.TotalAmount,
		"currency":       inv.Currency,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("audit emit failed", zap.String("action", action), zap.Error(err))
	}
}
