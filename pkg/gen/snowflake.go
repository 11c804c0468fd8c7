package gen

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"guildwallet/pkg/config"
)

var Module = fx.Module("snowflake",
	fx.Provide(NewNode),
)

// NewNode builds the id generator for this process. NODE_ID must be unique
// per running instance.
func NewNode(cfg *config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
