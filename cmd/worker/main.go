package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"guildwallet/pkg/config"
	"guildwallet/pkg/logger"
	"guildwallet/pkg/profiling"
	"guildwallet/pkg/task"
	"guildwallet/services/notification"
)

// worker delivers the notifications queued by the wallet service.
func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		profiling.Module,
		task.Server,
		notification.WorkerModule,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
