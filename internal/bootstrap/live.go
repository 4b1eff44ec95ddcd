package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/eleven-am/voice-live/internal/auth"
	"github.com/eleven-am/voice-live/internal/live"
	"github.com/eleven-am/voice-live/internal/observability"
	"github.com/eleven-am/voice-live/internal/session"
	"go.uber.org/fx"
)

func ProvideLiveConfig(cfg *Config) live.Config {
	return live.Config{
		Model:        cfg.Model,
		Voice:        cfg.Voice,
		Instructions: cfg.Instructions,
		Endpoint:     cfg.Endpoint,
		Auth: auth.Config{
			APIKey:      cfg.GoogleAPIKey,
			UseVertexAI: cfg.UseVertexAI,
			Project:     cfg.GoogleProject,
			Location:    cfg.GoogleLocation,
		},
		Session: session.Config{
			MaxDuration: cfg.SessionMaxDuration,
		},
	}
}

type LiveClientParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    live.Config
	Store     *session.Store
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// ProvideLiveClient builds the client and ties its session to the app
// lifecycle.
func ProvideLiveClient(p LiveClientParams) (*live.Client, error) {
	opts := []live.Option{
		live.WithLogger(p.Logger),
		live.WithMetrics(p.Metrics),
	}
	if p.Store != nil {
		opts = append(opts, live.WithStore(p.Store))
	}

	client, err := live.New(p.Config, opts...)
	if err != nil {
		return nil, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Connect(ctx)
		},
		OnStop: func(context.Context) error {
			return client.Disconnect()
		},
	})
	return client, nil
}

// StartConsole reads stdin on its own goroutine and stops the app when the
// input ends.
func StartConsole(lc fx.Lifecycle, shutdowner fx.Shutdowner, client *live.Client, cfg *Config, logger *slog.Logger) error {
	var (
		audioOut io.Writer
		file     *os.File
	)
	if cfg.AudioOutputPath != "" {
		f, err := os.OpenFile(cfg.AudioOutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		file = f
		audioOut = f
	}

	console := NewConsole(client, os.Stdin, os.Stdout, audioOut, logger)
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := console.Run(ctx); err != nil {
					logger.Error("console input failed", "error", err)
				}
				_ = shutdowner.Shutdown()
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			// Disconnecting destroys open speaker streams so the copies finish.
			if err := client.Disconnect(); err != nil {
				logger.Warn("disconnect failed", "error", err)
			}
			console.Wait()
			if file != nil {
				return file.Close()
			}
			return nil
		},
	})
	return nil
}

var LiveModule = fx.Options(
	fx.Provide(
		ProvideLiveConfig,
		ProvideLiveClient,
	),
	fx.Invoke(StartConsole),
)
