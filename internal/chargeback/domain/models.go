// Package domain holds the chargeback dispute model and service
// contract. A lost dispute refunds its invoice in the same
// transaction that records the resolution.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
)

type Resolution string

const (
	ResolutionWon           Resolution = "won"
	ResolutionLost          Resolution = "lost"
	ResolutionWarningClosed Resolution = "warning_closed"
)

func (r Resolution) Valid() bool {
	switch r {
	case ResolutionWon, ResolutionLost, ResolutionWarningClosed:
		return true
	}
	return false
}

type Chargeback struct {
	ID     snowflake.ID `gorm:"primaryKey"`
	OrgID  snowflake.ID `gorm:"not null;index"`

	InvoiceID snowflake.ID `gorm:"not null;index"`
	Provider  string       `gorm:"type:text;not null"`
	// ProviderChargebackID is the provider-side dispute reference;
	// the unique index makes reopening a replayed dispute a no-op.
	ProviderChargebackID string `gorm:"type:text;not null;uniqueIndex"`

	Amount   int64  `gorm:"not null"`
	Currency string `gorm:"type:varchar(3);not null"`
	Reason   string `gorm:"type:text"`

	Status     Status     `gorm:"type:varchar(16);not null;index"`
	Resolution Resolution `gorm:"type:varchar(16)"`

	EvidenceDueAt       *time.Time
	EvidenceSubmittedAt *time.Time
	ResolvedAt          *time.Time

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Chargeback) TableName() string { return "chargebacks" }

type OpenRequest struct {
	OrgID                snowflake.ID
	InvoiceID            snowflake.ID
	Provider             string
	ProviderChargebackID string
	Amount               int64
	Currency             string
	Reason               string
	EvidenceDueAt        *time.Time
}

type Service interface {
	// Open records a dispute against a paid invoice. Opening the same
	// provider dispute twice returns the existing record.
	Open(ctx context.Context, req OpenRequest) (Chargeback, error)
	OpenInTx(ctx context.Context, tx *gorm.DB, req OpenRequest) (Chargeback, error)

	// UpdateInTx syncs provider-side dispute changes (evidence due
	// date, reason) onto an unresolved dispute, opening it first if
	// the create delivery was missed.
	UpdateInTx(ctx context.Context, tx *gorm.DB, req OpenRequest) (Chargeback, error)

	Get(ctx context.Context, id snowflake.ID) (Chargeback, error)
	GetByProviderRef(ctx context.Context, provider, providerChargebackID string) (Chargeback, error)
	ListForInvoice(ctx context.Context, invoiceID snowflake.ID) ([]Chargeback, error)

	// SubmitEvidence moves an open dispute to under_review.
	SubmitEvidence(ctx context.Context, id snowflake.ID) (Chargeback, error)

	// Resolve closes the dispute. A lost resolution refunds the
	// invoice and issues a credit note atomically with the status
	// change; won and warning_closed leave the invoice untouched.
	Resolve(ctx context.Context, id snowflake.ID, resolution Resolution) (Chargeback, error)
	ResolveInTx(ctx context.Context, tx *gorm.DB, provider, providerChargebackID string, resolution Resolution) (Chargeback, error)
}
