package notification

import "go.uber.org/fx"

var Module = fx.Module("notification",
	fx.Provide(NewPublisher),
)

var WorkerModule = fx.Module("notification.worker",
	fx.Provide(NewHandler),
	fx.Invoke(Register),
)
