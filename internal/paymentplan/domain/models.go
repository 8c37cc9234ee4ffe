// Package domain models installment payment plans: an invoice split
// into a down payment plus a fixed number of scheduled charges.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type PlanStatus string

const (
	// PlanStatusPending marks a plan persisted ahead of the down
	// payment capture; it activates once the charge settles.
	PlanStatusPending   PlanStatus = "pending"
	PlanStatusActive    PlanStatus = "active"
	PlanStatusCompleted PlanStatus = "completed"
	PlanStatusFailed    PlanStatus = "failed"
	PlanStatusCancelled PlanStatus = "cancelled"
)

type InstallmentStatus string

const (
	InstallmentStatusPending   InstallmentStatus = "pending"
	InstallmentStatusPaid      InstallmentStatus = "paid"
	InstallmentStatusFailed    InstallmentStatus = "failed"
	InstallmentStatusCancelled InstallmentStatus = "cancelled"
)

const (
	MinInstallments = 2
	MaxInstallments = 12
)

type Plan struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	OrgID     snowflake.ID `gorm:"not null;index"`
	InvoiceID snowflake.ID `gorm:"not null;uniqueIndex"`

	Provider        string `gorm:"type:text;not null"`
	PaymentMethodID string `gorm:"type:text;not null"`

	Currency          string `gorm:"type:varchar(3);not null"`
	TotalAmount       int64  `gorm:"not null"`
	DownPaymentAmount int64  `gorm:"not null"`
	// DownPaymentPaymentID is written as soon as the gateway capture
	// succeeds, before the plan activates, so a crash between the two
	// never orphans the charge.
	DownPaymentPaymentID *string `gorm:"type:text"`
	NumInstallments      int     `gorm:"not null"`
	InstallmentsPaid     int     `gorm:"not null;default:0"`

	Status      PlanStatus `gorm:"type:varchar(16);not null;index"`
	CompletedAt *time.Time

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Plan) TableName() string { return "payment_plans" }

type Installment struct {
	ID     snowflake.ID `gorm:"primaryKey"`
	PlanID snowflake.ID `gorm:"not null;uniqueIndex:ux_plan_sequence"`
	// Sequence is 1-based; the down payment is not an installment.
	Sequence int `gorm:"not null;uniqueIndex:ux_plan_sequence"`

	Amount   int64  `gorm:"not null"`
	Currency string `gorm:"type:varchar(3);not null"`

	Status       InstallmentStatus `gorm:"type:varchar(16);not null;index"`
	DueAt        time.Time         `gorm:"not null;index"`
	AttemptCount int               `gorm:"not null;default:0"`

	PaidAt            *time.Time
	ProviderPaymentID *string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Installment) TableName() string { return "payment_plan_installments" }

type CreateRequest struct {
	OrgID     snowflake.ID
	InvoiceID snowflake.ID

	NumInstallments    int
	DownPaymentPercent decimal.Decimal

	// Provider and PaymentMethodID override the subscription's billing
	// details; required when the invoice has no subscription.
	Provider        string
	PaymentMethodID string
}

type Service interface {
	// Create splits an issued invoice into a down payment charged
	// immediately plus equal monthly installments, rounding residue
	// folded into the last one so the sum is exact.
	Create(ctx context.Context, req CreateRequest) (Plan, []Installment, error)
	Get(ctx context.Context, id snowflake.ID) (Plan, []Installment, error)
	GetByInvoice(ctx context.Context, invoiceID snowflake.ID) (Plan, []Installment, error)
	Cancel(ctx context.Context, id snowflake.ID) (Plan, error)

	// ProcessDue charges every pending installment whose due time has
	// passed and reports how many it attempted. Declines reschedule
	// until the retry cap, then fail the installment and its plan.
	ProcessDue(ctx context.Context) (int, error)
}
