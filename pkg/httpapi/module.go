package httpapi

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"guildwallet/pkg/config"
	"guildwallet/pkg/health"
	"guildwallet/pkg/middleware"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewEngine),
)

// Route is implemented by handlers that mount themselves on the engine.
type Route interface {
	Register(r gin.IRouter)
}

// AsRoute annotates a constructor so its result joins the "routes" group.
func AsRoute(f any) any {
	return fx.Annotate(
		f,
		fx.As(new(Route)),
		fx.ResultTags(`group:"routes"`),
	)
}

type Params struct {
	fx.In

	Config *config.Config
	Health health.HealthService
	Routes []Route `group:"routes"`
}

func NewEngine(p Params) *gin.Engine {
	if p.Config != nil && p.Config.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.AccessLog(), middleware.Error())

	r.GET("/healthz", p.Health.Liveness)
	r.GET("/readyz", p.Health.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	for _, route := range p.Routes {
		route.Register(r)
	}
	return r
}
