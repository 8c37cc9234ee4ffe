// Package domain contains the dunning process model, the retry
// schedule configuration and the service contract.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusRecovered Status = "recovered"
	StatusExhausted Status = "exhausted"
)

type Action string

const (
	ActionRetry  Action = "retry"
	ActionNotify Action = "notify"
	ActionCancel Action = "cancel"
)

type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityUrgent  Severity = "urgent"
	SeverityFinal   Severity = "final"
)

// Step is one scheduled action, Day counted from the first failure.
type Step struct {
	Day      int
	Action   Action
	Severity Severity
}

// Schedule is injected into the service so tests can run compressed
// timelines. The last step must be a cancel.
type Schedule []Step

func DefaultSchedule() Schedule {
	return Schedule{
		{Day: 3, Action: ActionRetry},
		{Day: 7, Action: ActionNotify, Severity: SeverityWarning},
		{Day: 10, Action: ActionRetry},
		{Day: 14, Action: ActionNotify, Severity: SeverityUrgent},
		{Day: 21, Action: ActionRetry},
		{Day: 25, Action: ActionNotify, Severity: SeverityFinal},
		{Day: 30, Action: ActionCancel},
	}
}

type Process struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	OrgID          snowflake.ID `gorm:"not null;index"`
	SubscriptionID snowflake.ID `gorm:"not null;uniqueIndex:ux_dunning_sub_invoice"`
	InvoiceID      snowflake.ID `gorm:"not null;uniqueIndex:ux_dunning_sub_invoice"`

	Status           Status `gorm:"type:varchar(16);not null;index"`
	RetryCount       int    `gorm:"not null;default:0"`
	SchedulePosition int    `gorm:"not null;default:0"`
	// TransientFailCount bounds repeats of the same step on gateway
	// faults before escalating early.
	TransientFailCount int `gorm:"not null;default:0"`

	StartedAt    time.Time `gorm:"not null"`
	NextActionAt time.Time `gorm:"not null;index"`
	CompletedAt  *time.Time

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Process) TableName() string { return "dunning_processes" }

type Service interface {
	// Start opens a process for an unpaid invoice and moves the
	// subscription to past_due. Starting twice for the same pair
	// returns the existing process.
	Start(ctx context.Context, subscriptionID, invoiceID snowflake.ID) (Process, error)
	StartInTx(ctx context.Context, tx *gorm.DB, subscriptionID, invoiceID snowflake.ID) (Process, error)
	Get(ctx context.Context, id snowflake.ID) (Process, error)
	ActiveForSubscription(ctx context.Context, subscriptionID snowflake.ID) (*Process, error)

	// Tick advances every process whose next action is due and reports
	// how many it touched. Safe to run concurrently across replicas;
	// due rows are claimed with SKIP LOCKED.
	Tick(ctx context.Context) (int, error)

	// ResolveForInvoice marks the active process for an invoice as
	// recovered inside the caller's transaction; no-op without one.
	ResolveForInvoice(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) error
}
