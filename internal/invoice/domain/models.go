// Package domain contains the invoice ledger models and service
// contract. Invoices are append-mostly: line items freeze at issue
// time and every status transition writes an audit entry in the same
// transaction as the transition itself.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/ledgerline/internal/money"
	taxdomain "github.com/smallbiznis/ledgerline/internal/tax/domain"
	"gorm.io/gorm"
)

type InvoiceStatus string

const (
	InvoiceStatusDraft    InvoiceStatus = "draft"
	InvoiceStatusIssued   InvoiceStatus = "issued"
	InvoiceStatusPaid     InvoiceStatus = "paid"
	InvoiceStatusVoid     InvoiceStatus = "void"
	InvoiceStatusRefunded InvoiceStatus = "refunded"
)

type CreditNoteStatus string

const (
	CreditNoteStatusIssued CreditNoteStatus = "issued"
	CreditNoteStatusVoid   CreditNoteStatus = "void"
)

type Invoice struct {
	ID             snowflake.ID  `gorm:"primaryKey"`
	OrgID          snowflake.ID  `gorm:"not null;index"`
	SubscriptionID *snowflake.ID `gorm:"index"`
	InvoiceNumber  string        `gorm:"type:varchar(16);not null;uniqueIndex"`
	Currency       string        `gorm:"type:varchar(3);not null"`

	SubtotalAmount int64 `gorm:"not null"`
	TaxAmount      int64 `gorm:"not null"`
	TotalAmount    int64 `gorm:"not null"`
	AmountPaid     int64 `gorm:"not null;default:0"`
	AmountDue      int64 `gorm:"not null"`

	TaxRate       decimal.Decimal `gorm:"type:numeric(10,6);not null;default:0"`
	TaxName       string          `gorm:"type:text"`
	ReverseCharge bool            `gorm:"not null;default:false"`

	Status      InvoiceStatus `gorm:"type:varchar(16);not null;index"`
	InvoiceDate time.Time     `gorm:"not null"`
	DueDate     time.Time     `gorm:"not null"`
	IssuedAt    *time.Time
	PaidAt      *time.Time
	VoidedAt    *time.Time
	VoidReason  string `gorm:"type:text"`

	ProviderPaymentID *string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Invoice) TableName() string { return "invoices" }

func (i Invoice) Total() money.Money {
	return money.Money{Amount: i.TotalAmount, Currency: i.Currency}
}

func (i Invoice) Due() money.Money {
	return money.Money{Amount: i.AmountDue, Currency: i.Currency}
}

type LineItem struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	InvoiceID   snowflake.ID `gorm:"not null;index"`
	Position    int          `gorm:"not null"`
	Description string       `gorm:"type:text;not null"`
	Quantity    int64        `gorm:"not null"`
	UnitPrice   int64        `gorm:"not null"`
	Amount      int64        `gorm:"not null"`
}

func (LineItem) TableName() string { return "invoice_line_items" }

type CreditNote struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	OrgID            snowflake.ID `gorm:"not null;index"`
	InvoiceID        snowflake.ID `gorm:"not null;index"`
	RefundID         *string      `gorm:"type:text"`
	CreditNoteNumber string       `gorm:"type:varchar(16);not null;uniqueIndex"`
	Currency         string       `gorm:"type:varchar(3);not null"`
	TotalAmount      int64        `gorm:"not null"`
	Reason           string       `gorm:"type:text"`
	Status           CreditNoteStatus `gorm:"type:varchar(16);not null"`
	IssuedAt         time.Time        `gorm:"not null"`
	CreatedAt        time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (CreditNote) TableName() string { return "credit_notes" }

// AuditEntry is the per-invoice transition trail, written in the same
// transaction as the transition so a committed status change can never
// exist without its entry.
type AuditEntry struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	InvoiceID  snowflake.ID `gorm:"not null;index"`
	FromStatus string       `gorm:"type:varchar(16);not null"`
	ToStatus   string       `gorm:"type:varchar(16);not null"`
	ActorType  string       `gorm:"type:text;not null"`
	ActorID    *string      `gorm:"type:text"`
	CreatedAt  time.Time    `gorm:"not null"`
}

func (AuditEntry) TableName() string { return "invoice_audit_entries" }

// NumberCounter allocates document numbers per (org, year, kind).
// Claimed FOR UPDATE; numbers are unique and increasing but may skip
// on rollback.
type NumberCounter struct {
	OrgID     snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	Year      int          `gorm:"primaryKey;autoIncrement:false"`
	Kind      string       `gorm:"primaryKey;type:varchar(16)"`
	LastValue int64        `gorm:"not null"`
}

func (NumberCounter) TableName() string { return "number_counters" }

const (
	NumberKindInvoice    = "invoice"
	NumberKindCreditNote = "credit_note"
)

type LineItemInput struct {
	Description string
	Quantity    int64
	UnitPrice   money.Money
}

type CreateInvoiceRequest struct {
	OrgID          snowflake.ID
	SubscriptionID *snowflake.ID
	Currency       string
	DueDays        int
	LineItems      []LineItemInput

	Country      string
	State        string
	CustomerType taxdomain.CustomerType
	TaxID        string
}

type Service interface {
	Create(ctx context.Context, req CreateInvoiceRequest) (Invoice, error)
	Get(ctx context.Context, id snowflake.ID) (Invoice, []LineItem, error)
	GetByNumber(ctx context.Context, number string) (Invoice, error)
	List(ctx context.Context, orgID snowflake.ID, status *InvoiceStatus) ([]Invoice, error)

	// MarkPaid applies a payment. Repeating a completed payment with
	// the same amount is a no-op; a different amount on a paid invoice
	// is ErrPaymentConflict.
	MarkPaid(ctx context.Context, id snowflake.ID, amount money.Money, paidAt time.Time, providerPaymentID *string) (Invoice, error)
	MarkPaidInTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, amount money.Money, paidAt time.Time, providerPaymentID *string) (Invoice, error)
	Void(ctx context.Context, id snowflake.ID, reason string) (Invoice, error)
	// Refund moves a paid invoice to refunded and issues a credit note
	// in the same transaction.
	Refund(ctx context.Context, id snowflake.ID, amount money.Money, reason string, refundID *string) (Invoice, CreditNote, error)

	AuditEntries(ctx context.Context, id snowflake.ID) ([]AuditEntry, error)

	// CreateInTx and ApplyRefundInTx run inside a caller-owned
	// transaction so plan changes and chargeback resolutions can move
	// invoice state atomically with their own rows.
	CreateInTx(ctx context.Context, tx *gorm.DB, req CreateInvoiceRequest) (Invoice, error)
	ApplyRefundInTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, amount money.Money, reason string, refundID *string) (Invoice, CreditNote, error)
	// IssueCreditNoteInTx writes a standalone credit note against an
	// invoice without touching its status; used for plan-change credits.
	IssueCreditNoteInTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, amount money.Money, reason string) (CreditNote, error)
}
