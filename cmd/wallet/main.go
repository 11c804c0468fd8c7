package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"guildwallet/pkg/config"
	"guildwallet/pkg/db"
	"guildwallet/pkg/featureflags"
	"guildwallet/pkg/gen"
	"guildwallet/pkg/health"
	"guildwallet/pkg/httpapi"
	"guildwallet/pkg/logger"
	"guildwallet/pkg/otelcol"
	"guildwallet/pkg/profiling"
	"guildwallet/pkg/redis"
	"guildwallet/pkg/sequence"
	"guildwallet/pkg/server"
	"guildwallet/pkg/task"
	"guildwallet/services/ledger"
	"guildwallet/services/notification"
	"guildwallet/services/policy"
	"guildwallet/services/redemption"
	"guildwallet/services/wallet"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		gen.Module,
		task.Client,
		sequence.Module,
		featureflags.Module,
		otelcol.Module,
		profiling.Module,
		health.Module,
		health.GRPC,
		ledger.Module,
		policy.Module,
		redemption.Module,
		notification.Module,
		fx.Provide(provideNotifier),
		wallet.Module,
		httpapi.Module,
		server.ProvideHTTPServer,
		server.ProvideGRPCServer,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: logger.Named("fx")}
})

func provideNotifier(p *notification.Publisher) wallet.Notifier {
	return p
}
