// Package domain contains the subscription model and service contract.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/ledgerline/internal/invoice/domain"
	"github.com/smallbiznis/ledgerline/internal/money"
	"github.com/smallbiznis/ledgerline/internal/proration"
	taxdomain "github.com/smallbiznis/ledgerline/internal/tax/domain"
	"gorm.io/gorm"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

type Subscription struct {
	ID    snowflake.ID `gorm:"primaryKey"`
	OrgID snowflake.ID `gorm:"not null;index"`

	PlanCode  string `gorm:"type:text;not null"`
	PlanPrice int64  `gorm:"not null"`
	Currency  string `gorm:"type:varchar(3);not null"`

	Status             Status    `gorm:"type:varchar(16);not null;index"`
	CurrentPeriodStart time.Time `gorm:"not null"`
	CurrentPeriodEnd   time.Time `gorm:"not null"`

	Provider               string `gorm:"type:text;not null"`
	ProviderSubscriptionID string `gorm:"type:text;not null;index"`
	PaymentMethodID        string `gorm:"type:text"`

	CustomerEmail string `gorm:"type:text;not null"`

	// Denormalized billing profile for tax on adjustment invoices.
	Country      string                 `gorm:"type:varchar(2);not null"`
	State        string                 `gorm:"type:text"`
	CustomerType taxdomain.CustomerType `gorm:"type:varchar(16);not null"`
	TaxID        string                 `gorm:"type:text"`

	CancelledAt *time.Time
	CreatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Subscription) TableName() string { return "subscriptions" }

func (s Subscription) Price() money.Money {
	return money.Money{Amount: s.PlanPrice, Currency: s.Currency}
}

type CreateRequest struct {
	OrgID     snowflake.ID
	PlanCode  string
	PlanPrice money.Money

	Provider               string
	ProviderSubscriptionID string
	PaymentMethodID        string
	CustomerEmail          string

	Country      string
	State        string
	CustomerType taxdomain.CustomerType
	TaxID        string

	PeriodStart time.Time
	PeriodEnd   time.Time
}

// ChangePlanResult reports the proration outcome. Exactly one of
// AdjustmentInvoice and CreditNote is set when the net is non-zero.
type ChangePlanResult struct {
	Subscription      Subscription
	Proration         proration.Result
	AdjustmentInvoice *invoicedomain.Invoice
	CreditNote        *invoicedomain.CreditNote
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (Subscription, error)
	Get(ctx context.Context, id snowflake.ID) (Subscription, error)
	GetByProviderRef(ctx context.Context, provider, providerSubscriptionID string) (Subscription, error)

	// ChangePlan prorates the switch at changeDate and settles the net
	// in the same transaction: positive net issues an adjustment
	// invoice, negative net issues a credit note against the
	// subscription's most recent invoice.
	ChangePlan(ctx context.Context, id snowflake.ID, newPlanCode string, newPrice money.Money, changeDate time.Time) (ChangePlanResult, error)

	// Transition applies a guarded status change. Transitioning to the
	// current status is a no-op.
	Transition(ctx context.Context, id snowflake.ID, to Status) (Subscription, error)
	// TransitionInTx applies the same guarded change inside a
	// caller-owned transaction; dunning outcomes use it so subscription
	// state commits with the process row.
	TransitionInTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, to Status) error
	// CancelInTx is TransitionInTx to cancelled.
	CancelInTx(ctx context.Context, tx *gorm.DB, id snowflake.ID) error
}
