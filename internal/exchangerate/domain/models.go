// Package domain defines the exchange rate cache contracts.
//
// Rates are append-only: a refresh inserts new rows and never mutates
// existing ones, so a lookup at any point in time is reproducible.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/ledgerline/internal/money"
)

type ExchangeRate struct {
	ID            snowflake.ID    `gorm:"primaryKey"`
	FromCurrency  string          `gorm:"type:varchar(3);not null;index:idx_exchange_rates_pair"`
	ToCurrency    string          `gorm:"type:varchar(3);not null;index:idx_exchange_rates_pair"`
	Rate          decimal.Decimal `gorm:"type:numeric(24,12);not null"`
	EffectiveDate time.Time       `gorm:"not null"`
	ExpiresAt     time.Time       `gorm:"not null"`
	CreatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (ExchangeRate) TableName() string { return "exchange_rates" }

// RateSource is the upstream feed a refresh pulls from. Implementations
// return rates quoted from the base currency to each requested symbol.
type RateSource interface {
	Fetch(ctx context.Context, base string, symbols []string) (map[string]decimal.Decimal, error)
}

type Service interface {
	// Rate returns the freshest non-expired rate for the pair as of now.
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
	// Convert applies Rate to the amount; same-currency conversion is
	// the identity and never touches storage.
	Convert(ctx context.Context, amount money.Money, target string) (money.Money, error)
	// Refresh pulls the source and appends a new generation of rows.
	Refresh(ctx context.Context) (int, error)
}
