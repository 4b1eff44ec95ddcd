package bootstrap

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/eleven-am/voice-live/internal/observability"
	"github.com/eleven-am/voice-live/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func ProvideLogger(cfg *Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
}

// ProvideRedisClient returns nil when REDIS_ADDR is unset; sessions are then
// not persisted.
func ProvideRedisClient(lc fx.Lifecycle, cfg *Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

func ProvideSessionStore(redisClient *redis.Client) *session.Store {
	if redisClient == nil {
		return nil
	}
	return session.NewStore(redisClient)
}

func ProvideMetrics() *observability.Metrics {
	return observability.NewMetrics(observability.DefaultNamespace, prometheus.DefaultRegisterer)
}

var InfrastructureModule = fx.Options(
	fx.Provide(
		ProvideLogger,
		ProvideRedisClient,
		ProvideSessionStore,
		ProvideMetrics,
	),
)
