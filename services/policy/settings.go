package policy

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"guildwallet/pkg/config"
	"guildwallet/pkg/errutil"
	"guildwallet/pkg/repository"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{Name: "wallet_policy_cache_hits_total"})
	cacheMiss = promauto.NewCounter(prometheus.CounterOpts{Name: "wallet_policy_cache_miss_total"})
)

// GuildSettings is maintained by the admin panel; guilds without a row use
// the configured defaults.
type GuildSettings struct {
	GuildID    string              `gorm:"column:guild_id;primaryKey" json:"guild_id"`
	DailyLimit decimal.NullDecimal `gorm:"column:daily_limit;type:numeric(20,2)" json:"daily_limit"`
	TaxRate    decimal.Decimal     `gorm:"column:tax_rate;type:numeric(5,4);not null;default:0" json:"tax_rate"`
	UpdatedAt  time.Time           `gorm:"column:updated_at" json:"updated_at"`
}

func (GuildSettings) TableName() string { return "guild_settings" }

// Source supplies the transfer policy of a guild.
type Source interface {
	Get(ctx context.Context, guildID string) (Policy, error)
}

// Defaults builds the fallback policy from configuration.
func Defaults(cfg config.Wallet) (Policy, error) {
	p := Policy{TaxRate: decimal.Zero}
	if cfg.DefaultTaxRate != "" {
		rate, err := decimal.NewFromString(cfg.DefaultTaxRate)
		if err != nil {
			return Policy{}, err
		}
		p.TaxRate = rate
	}
	if err := ValidateTaxRate(p.TaxRate); err != nil {
		return Policy{}, err
	}
	if cfg.DefaultDailyLimit != "" {
		limit, err := decimal.NewFromString(cfg.DefaultDailyLimit)
		if err != nil {
			return Policy{}, err
		}
		p.DailyLimit = &limit
	}
	return p, nil
}

func ValidateTaxRate(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return errutil.ValidationFailed("tax rate must be within [0, 1]", nil, errutil.WithDetail("tax_rate", rate.String()))
	}
	return nil
}

type cached struct {
	policy    Policy
	fetchedAt time.Time
}

// SettingsStore reads guild_settings through a TTL cache. Concurrent misses
// for one guild share a single query.
type SettingsStore struct {
	db       *gorm.DB
	repo     repository.Repository[GuildSettings]
	defaults Policy
	ttl      time.Duration

	mu    sync.RWMutex
	items map[string]cached
	group singleflight.Group
}

func NewSettingsStore(db *gorm.DB, defaults Policy, ttl time.Duration) *SettingsStore {
	return &SettingsStore{
		db:       db,
		repo:     repository.ProvideStore[GuildSettings](db),
		defaults: defaults,
		ttl:      ttl,
		items:    make(map[string]cached),
	}
}

func (s *SettingsStore) Get(ctx context.Context, guildID string) (Policy, error) {
	s.mu.RLock()
	v, ok := s.items[guildID]
	s.mu.RUnlock()
	if ok && (s.ttl <= 0 || time.Since(v.fetchedAt) <= s.ttl) {
		cacheHits.Inc()
		return v.policy, nil
	}
	cacheMiss.Inc()

	res, err, _ := s.group.Do(guildID, func() (interface{}, error) {
		// shared by every waiter, so one caller's cancellation must not fail the rest
		row, err := s.repo.FindOne(context.WithoutCancel(ctx), &GuildSettings{GuildID: guildID})
		if err != nil {
			return nil, errutil.Storage("failed to read guild settings", err)
		}

		p := s.defaults
		if row != nil {
			p = Policy{TaxRate: clampRate(row.TaxRate)}
			if row.DailyLimit.Valid {
				limit := row.DailyLimit.Decimal
				p.DailyLimit = &limit
			}
		}

		s.mu.Lock()
		s.items[guildID] = cached{policy: p, fetchedAt: time.Now()}
		s.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return Policy{}, err
	}
	return res.(Policy), nil
}

// Put stores the settings of a guild and drops its cache entry.
func (s *SettingsStore) Put(ctx context.Context, settings *GuildSettings) error {
	if err := ValidateTaxRate(settings.TaxRate); err != nil {
		return err
	}
	if settings.DailyLimit.Valid && settings.DailyLimit.Decimal.IsNegative() {
		return errutil.ValidationFailed("daily limit must not be negative", nil,
			errutil.WithDetail("daily_limit", settings.DailyLimit.Decimal.String()))
	}

	settings.UpdatedAt = s.db.NowFunc()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "guild_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"daily_limit", "tax_rate", "updated_at"}),
	}).Create(settings).Error
	if err != nil {
		return errutil.Storage("failed to write guild settings", err)
	}

	s.Invalidate(settings.GuildID)
	zap.L().Info("guild settings updated", zap.String("guild_id", settings.GuildID))
	return nil
}

func (s *SettingsStore) Invalidate(guildID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, guildID)
}

func clampRate(rate decimal.Decimal) decimal.Decimal {
	if rate.IsNegative() {
		return decimal.Zero
	}
	if one := decimal.NewFromInt(1); rate.GreaterThan(one) {
		return one
	}
	return rate
}

// Static is a fixed Source, handy for tests and single-guild deployments.
type Static Policy

func (s Static) Get(context.Context, string) (Policy, error) {
	return Policy(s), nil
}
