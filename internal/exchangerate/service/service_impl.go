package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/ledgerline/internal/clock"
	"github.com/smallbiznis/ledgerline/internal/config"
	exchangedomain "github.com/smallbiznis/ledgerline/internal/exchangerate/domain"
	"github.com/smallbiznis/ledgerline/internal/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Config config.Config
	Source exchangedomain.RateSource
}

type cachedRate struct {
	rate      decimal.Decimal
	expiresAt time.Time
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	source exchangedomain.RateSource

	baseCurrency string
	ttl          time.Duration

	mu    sync.RWMutex
	cache map[string]cachedRate
}

func NewService(p Params) exchangedomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("exchangerate.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		source: p.Source,

		baseCurrency: p.Config.Billing.BaseCurrency,
		ttl:          time.Duration(p.Config.Billing.ExchangeRateTTLHours) * time.Hour,

		cache: make(map[string]cachedRate),
	}
}

func (s *Service) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	from, err := money.NormalizeCurrency(from)
	if err != nil {
		return decimal.Zero, err
	}
	to, err = money.NormalizeCurrency(to)
	if err != nil {
		return decimal.Zero, err
	}
	if from == to {
		return decimal.NewFromInt(1), nil
	}

	now := s.clock.Now().UTC()
	key := from + "/" + to

	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok && now.Before(cached.expiresAt) {
		return cached.rate, nil
	}

	var row exchangedomain.ExchangeRate
	err = s.db.WithContext(ctx).
		Where("from_currency = ? AND to_currency = ? AND effective_date <= ? AND expires_at > ?", from, to, now, now).
		Order("effective_date DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, fmt.Errorf("%w: %s", exchangedomain.ErrRateUnavailable, key)
		}
		return decimal.Zero, err
	}

	s.mu.Lock()
	s.cache[key] = cachedRate{rate: row.Rate, expiresAt: row.ExpiresAt}
	s.mu.Unlock()

	return row.Rate, nil
}

func (s *Service) Convert(ctx context.Context, amount money.Money, target string) (money.Money, error) {
	target, err := money.NormalizeCurrency(target)
	if err != nil {
		return money.Money{}, err
	}
	if amount.Currency == target {
		return amount, nil
	}
	rate, err := s.Rate(ctx, amount.Currency, target)
	if err != nil {
		return money.Money{}, err
	}
	return amount.Convert(target, rate)
}

// Refresh appends one generation of rows for every supported pair and
// reports how many rows were written. Existing rows are left untouched;
// lookups keep serving the old generation until it expires.
func (s *Service) Refresh(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()

	symbols := make([]string, 0, len(money.Currencies()))
	for _, code := range money.Currencies() {
		if code != s.baseCurrency {
			symbols = append(symbols, code)
		}
	}

	quotes, err := s.source.Fetch(ctx, s.baseCurrency, symbols)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", exchangedomain.ErrSourceFailed, err)
	}

	expiresAt := now.Add(s.ttl)
	rows := make([]exchangedomain.ExchangeRate, 0, 2*len(quotes))
	for symbol, rate := range quotes {
		symbol = strings.ToUpper(symbol)
		if rate.Sign() <= 0 {
			s.log.Warn("skipping non-positive rate from source",
				zap.String("symbol", symbol),
				zap.String("rate", rate.String()),
			)
			continue
		}
		rows = append(rows,
			exchangedomain.ExchangeRate{
				ID:            s.genID.Generate(),
				FromCurrency:  s.baseCurrency,
				ToCurrency:    symbol,
				Rate:          rate,
				EffectiveDate: now,
				ExpiresAt:     expiresAt,
			},
			exchangedomain.ExchangeRate{
				ID:            s.genID.Generate(),
				FromCurrency:  symbol,
				ToCurrency:    s.baseCurrency,
				Rate:          decimal.NewFromInt(1).DivRound(rate, 12),
				EffectiveDate: now,
				ExpiresAt:     expiresAt,
			},
		)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.cache = make(map[string]cachedRate)
	s.mu.Unlock()

	s.log.Info("exchange rates refreshed",
		zap.String("base", s.baseCurrency),
		zap.Int("rows", len(rows)),
		zap.Time("expires_at", expiresAt),
	)
	return len(rows), nil
}
