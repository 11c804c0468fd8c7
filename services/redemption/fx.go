package redemption

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"guildwallet/pkg/celengine"
)

var Module = fx.Module("redemption",
	fx.Provide(
		func() (*celengine.Engine, error) { return celengine.New(RuleVars) },
		func(db *gorm.DB, node *snowflake.Node, rules *celengine.Engine) *Registry {
			return NewRegistry(db, node, rules)
		},
	),
)

func Models() []any {
	return []any{&Code{}, &Usage{}}
}
