package service

import (
	"context"
	"errors"

	"github.com/smallbiznis/ledgerline/internal/clock"
	paymentdomain "github.com/smallbiznis/ledgerline/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type DedupParams struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

type DedupStore struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
}

func NewDedupStore(p DedupParams) paymentdomain.DedupStore {
	return &DedupStore{
		db:    p.DB,
		log:   p.Log.Named("payment.dedup"),
		clock: p.Clock,
	}
}

// RecordIfNew atomically claims (provider, event id). Single
// insert-or-conflict, never read-then-write: two concurrent deliveries
// race on the primary key and exactly one sees true.
func (s *DedupStore) RecordIfNew(ctx context.Context, tx *gorm.DB, provider, providerEventID, eventType string) (bool, error) {
	if provider == "" || providerEventID == "" {
		return false, paymentdomain.ErrInvalidEvent
	}
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO processed_events (provider, provider_event_id, event_type, processed_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (provider, provider_event_id) DO NOTHING`,
		provider, providerEventID, eventType, s.clock.Now().UTC(),
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *DedupStore) Seen(ctx context.Context, provider, providerEventID string) (bool, error) {
	var record paymentdomain.ProcessedEvent
	err := s.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", provider, providerEventID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
