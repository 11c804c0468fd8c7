package wallet

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"guildwallet/pkg/httpapi"
	"guildwallet/services/ledger"
	"guildwallet/services/order"
	"guildwallet/services/policy"
	"guildwallet/services/redemption"
)

var Module = fx.Module("wallet",
	fx.Provide(NewCoordinator, httpapi.AsRoute(NewHandler)),
	fx.Invoke(Migrate),
)

// Models lists every table the wallet core reads or writes.
func Models() []any {
	models := append([]any{}, ledger.Models()...)
	models = append(models, redemption.Models()...)
	return append(models, &order.Order{}, &policy.GuildSettings{}, &WalletRequest{})
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		zap.L().Error("failed to migrate wallet tables", zap.Error(err))
		return err
	}
	return nil
}
