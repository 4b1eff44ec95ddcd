package bootstrap

import (
	"github.com/eleven-am/voice-live/internal/health"
	"github.com/eleven-am/voice-live/internal/live"
	"github.com/eleven-am/voice-live/internal/observability"
	"github.com/eleven-am/voice-live/internal/session"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
)

const version = "1.0.0"

func ProvideHealthHandler(client *live.Client, store *session.Store, metrics *observability.Metrics) *health.Handler {
	var pinger health.Pinger
	if store != nil {
		pinger = store
	}
	return health.NewHandler(client, pinger, metrics.Handler(), version)
}

func metricsMiddleware(h *health.Handler) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h.IncrementRequests()
			h.IncrementConnections()
			defer h.DecrementConnections()
			return next(c)
		}
	}
}

func RegisterHealthRoutes(e *echo.Echo, h *health.Handler) {
	e.Use(metricsMiddleware(h))
	h.RegisterRoutes(e)
}

var HealthModule = fx.Options(
	fx.Provide(ProvideHealthHandler),
	fx.Invoke(RegisterHealthRoutes),
)
