package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/ledgerline/internal/invoice/domain"
	"gorm.io/gorm"
)

var numberPrefixes = map[string]string{
	invoicedomain.NumberKindInvoice:    "INV",
	invoicedomain.NumberKindCreditNote: "CN",
}

// nextNumber claims the next document number for (org, year, kind).
// The counter row is locked for the rest of the transaction, so two
// concurrent issuers serialize here; a rollback skips the number but
// never repeats it.
func (s *Service) nextNumber(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, year int, kind string) (string, error) {
	prefix, ok := numberPrefixes[kind]
	if !ok {
		return "", fmt.Errorf("unknown number kind %q", kind)
	}

	err := tx.WithContext(ctx).Exec(
		`INSERT INTO number_counters (org_id, year, kind, last_value)
		 VALUES (?, ?, ?, 0)
		 ON CONFLICT (org_id, year, kind) DO NOTHING`,
		orgID, year, kind,
	).Error
	if err != nil {
		return "", err
	}

	var last int64
	err = tx.WithContext(ctx).Raw(
		`SELECT last_value
		 FROM number_counters
		 WHERE org_id = ? AND year = ? AND kind = ?
		 FOR UPDATE`,
		orgID, year, kind,
	).Scan(&last).Error
	if err != nil {
		return "", err
	}

	next := last + 1
	err = tx.WithContext(ctx).Exec(
		`UPDATE number_counters
		 SET last_value = ?
		 WHERE org_id = ? AND year = ? AND kind = ?`,
		next, orgID, year, kind,
	).Error
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s-%d-%04d", prefix, year, next), nil
}
