package policy

import (
	"go.uber.org/fx"
	"gorm.io/gorm"

	"guildwallet/pkg/config"
)

var Module = fx.Module("policy",
	fx.Provide(
		NewSettingsStoreFromConfig,
		func(s *SettingsStore) Source { return s },
	),
)

func NewSettingsStoreFromConfig(db *gorm.DB, cfg *config.Config) (*SettingsStore, error) {
	defaults, err := Defaults(cfg.Wallet)
	if err != nil {
		return nil, err
	}
	return NewSettingsStore(db, defaults, cfg.Wallet.PolicyCacheTTL), nil
}
