package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/agentjido/messaging/internal/adapter"
	"github.com/agentjido/messaging/internal/adapter/loopback"
	"github.com/agentjido/messaging/internal/config"
	"github.com/agentjido/messaging/internal/handlers"
	"github.com/agentjido/messaging/internal/logger"
	"github.com/agentjido/messaging/internal/observe"
	"github.com/agentjido/messaging/internal/runtime"
	"github.com/agentjido/messaging/internal/server"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideMetrics,
			provideRegistry,
			provideInstance,
			handlers.NewPingHandler,
			handlers.NewWebhookHandler,
			handlers.NewConfigHandler,
			handlers.NewRoomHandler,
			handlers.NewDeadLetterHandler,
			provideServer,
		),
		fx.Invoke(
			startInstance,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideMetrics() (*prometheus.Registry, observe.Observer) {
	reg := prometheus.NewRegistry()
	return reg, observe.NewPrometheusObserver(reg)
}

// provideRegistry registers the built-in loopback channel. Deployments
// embedding the runtime register their platform adapters here as well.
func provideRegistry() (*adapter.Registry, error) {
	reg := adapter.NewRegistry()
	if err := reg.Register(loopback.New()); err != nil {
		return nil, fmt.Errorf("register loopback adapter: %w", err)
	}
	return reg, nil
}

func provideInstance(cfg config.Config, registry *adapter.Registry, obs observe.Observer, _ *slog.Logger) (*runtime.Instance, error) {
	return runtime.New(runtime.Options{
		Config:   cfg,
		Registry: registry,
		Observer: obs,
	})
}

func provideServer(cfg config.Config, metrics *prometheus.Registry, pingHandler *handlers.PingHandler, webhookHandler *handlers.WebhookHandler, configHandler *handlers.ConfigHandler, roomHandler *handlers.RoomHandler, deadLetterHandler *handlers.DeadLetterHandler) *server.Server {
	srv := server.NewServer(cfg.Server.Addr, pingHandler, webhookHandler, configHandler, roomHandler, deadLetterHandler)
	srv.Echo().GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(metrics, promhttp.HandlerOpts{})))
	return srv
}

func startInstance(lc fx.Lifecycle, instance *runtime.Instance) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return instance.Start(ctx) },
		OnStop:  func(ctx context.Context) error { return instance.Stop(ctx) },
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config) {
	fmt.Printf("Starting messagingd %s\n", Version)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("http server listening", slog.String("addr", cfg.Server.Addr))
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
