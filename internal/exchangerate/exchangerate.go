// Package exchangerate resolves point-in-time currency conversion rates.
package exchangerate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/lemonsync/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrRateNotFound = errors.New("exchange_rate_not_found")
	ErrRateTimeout  = errors.New("exchange_rate_timeout")
)

const dateLayout = "2006-01-02"

// Rate is one row of currency_exchange_rates.
type Rate struct {
	ID            int64           `gorm:"primaryKey"`
	FromCurrency  string          `gorm:"type:text;not null;uniqueIndex:ux_currency_exchange_rates_pair_date,priority:1"`
	ToCurrency    string          `gorm:"type:text;not null;uniqueIndex:ux_currency_exchange_rates_pair_date,priority:2"`
	EffectiveDate string          `gorm:"type:text;not null;uniqueIndex:ux_currency_exchange_rates_pair_date,priority:3"`
	Rate          decimal.Decimal `gorm:"type:numeric(20,10);not null"`
	CreatedAt     time.Time       `gorm:"not null"`
}

func (Rate) TableName() string { return "currency_exchange_rates" }

type Resolver interface {
	Resolve(ctx context.Context, from, to string, on time.Time) (decimal.Decimal, error)
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Settings *config.SettlementConfigHolder
	Redis    redis.UniversalClient `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	settings *config.SettlementConfigHolder
	cache    redis.UniversalClient
}

func NewService(p Params) Resolver {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("exchangerate.service"),
		settings: p.Settings,
		cache:    p.Redis,
	}
}

var Module = fx.Module("exchangerate",
	fx.Provide(NewService),
)

// Resolve returns how many units of to one unit of from buys on the given date.
// The latest rate effective on or before that date wins; an inverse pair is used
// when only the opposite direction is recorded.
func (s *Service) Resolve(ctx context.Context, from, to string, on time.Time) (decimal.Decimal, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))
	if from == "" || to == "" {
		return decimal.Zero, ErrRateNotFound
	}
	if from == to {
		return decimal.NewFromInt(1), nil
	}

	cfg := s.settings.Get()
	ctx, cancel := context.WithTimeout(ctx, cfg.RateLookupTimeout)
	defer cancel()

	day := on.UTC().Format(dateLayout)
	cacheKey := fmt.Sprintf("fx:%s:%s:%s", from, to, day)
	if rate, ok := s.cached(ctx, cacheKey); ok {
		return rate, nil
	}

	rate, err := s.lookup(ctx, from, to, day)
	if errors.Is(err, ErrRateNotFound) {
		var inverse decimal.Decimal
		inverse, err = s.lookup(ctx, to, from, day)
		if err == nil {
			rate = decimal.NewFromInt(1).DivRound(inverse, 10)
		}
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return decimal.Zero, fmt.Errorf("%w: %s->%s on %s", ErrRateTimeout, from, to, day)
		}
		return decimal.Zero, err
	}

	s.store(ctx, cacheKey, rate, cfg.RateCacheTTL)
	return rate, nil
}

func (s *Service) lookup(ctx context.Context, from, to, day string) (decimal.Decimal, error) {
	var rows []Rate
	err := s.db.WithContext(ctx).
		Where("from_currency = ? AND to_currency = ? AND effective_date <= ?", from, to, day).
		Order("effective_date DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return decimal.Zero, err
	}
	if len(rows) == 0 || !rows[0].Rate.IsPositive() {
		return decimal.Zero, ErrRateNotFound
	}
	return rows[0].Rate, nil
}

func (s *Service) cached(ctx context.Context, key string) (decimal.Decimal, bool) {
	if s.cache == nil {
		return decimal.Zero, false
	}
	raw, err := s.cache.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Debug("rate cache read failed", zap.String("key", key), zap.Error(err))
		}
		return decimal.Zero, false
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return rate, true
}

func (s *Service) store(ctx context.Context, key string, rate decimal.Decimal, ttl time.Duration) {
	if s.cache == nil || ttl <= 0 {
		return
	}
	if err := s.cache.Set(ctx, key, rate.String(), ttl).Err(); err != nil {
		s.log.Debug("rate cache write failed", zap.String("key", key), zap.Error(err))
	}
}
