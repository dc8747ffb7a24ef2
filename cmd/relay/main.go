package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/order-relay/internal/api/http"
	"github.com/spec-kit/order-relay/internal/api/http/handlers"
	"github.com/spec-kit/order-relay/internal/auth"
	"github.com/spec-kit/order-relay/internal/config"
	"github.com/spec-kit/order-relay/internal/events"
	"github.com/spec-kit/order-relay/internal/gateway"
	"github.com/spec-kit/order-relay/internal/listener"
	"github.com/spec-kit/order-relay/internal/observability"
	"github.com/spec-kit/order-relay/internal/persistence"
	"github.com/spec-kit/order-relay/internal/repository"
	"github.com/spec-kit/order-relay/internal/resolver"
	"github.com/spec-kit/order-relay/internal/service"
	"github.com/spec-kit/order-relay/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck
	logger = logger.With(zap.String("service", cfg.App.Name), zap.String("version", cfg.App.Version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.Pool, cfg.Postgres.MigrationsDir, logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	var (
		dedupe    service.DedupeGuard
		redisPing handlers.Pinger
	)
	if redis := persistence.NewRedis(ctx, cfg.Redis, logger); redis != nil {
		defer redis.Close()
		dedupe = persistence.NewDedupeGuard(redis.Client, cfg.Relay.DedupeTTL())
		redisPing = redis
	}

	notifications := repository.NewNotificationRepository(pg.Pool)
	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret)

	hub := gateway.NewHub(tokens, logger.Named("gateway"), metrics, gateway.Options{
		SendBuffer:  cfg.Gateway.SendBuffer,
		AuthTimeout: cfg.Gateway.AuthTimeout(),
	})
	wsServer := gateway.NewServer(hub, logger.Named("gateway"), gateway.ServerOptions{
		Addr:            cfg.Gateway.Addr(),
		Path:            cfg.Gateway.Path,
		MaxMessageBytes: cfg.Gateway.MaxMessageBytes,
		PingInterval:    cfg.Gateway.PingInterval(),
		InboundRate:     cfg.Gateway.InboundRatePerSec,
		InboundBurst:    cfg.Gateway.InboundBurst,
	})

	subscribers := resolver.New(pg.Pool, logger.Named("resolver"), resolver.Options{
		PageSize: cfg.Relay.ResolverPageSize,
		Timeout:  cfg.Relay.ResolverTimeout(),
	})

	dispatcher := events.NewAsyncDispatcher(logger.Named("dispatcher"))
	notificationService := service.NewNotificationService(
		dispatcher, hub, subscribers, notifications, dedupe,
		logger.Named("fanout"), metrics,
		service.FanoutOptions{
			Concurrency:   cfg.Relay.FanoutConcurrency,
			WriteAttempts: cfg.Relay.RecordWriteAttempts,
			RetryBackoff:  cfg.Relay.RetryBackoff(),
			RecordTimeout: cfg.Relay.RecordTimeout(),
		})
	worker.StartNotificationWorker(dispatcher, notificationService, cfg.Relay.DispatchWorkers)

	source, err := listener.NewPostgresSource(cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal("invalid change feed DSN", zap.Error(err))
	}
	feed := listener.New(source, dispatcher, logger.Named("listener"), metrics, listener.Options{
		Channel:        cfg.Relay.Channel,
		ReconnectDelay: cfg.Relay.ReconnectDelay(),
	})

	retention, err := worker.NewRetentionWorker(cfg.Retention.Cron, cfg.Retention.Days, notifications, logger.Named("retention"))
	if err != nil {
		logger.Fatal("invalid retention config", zap.Error(err))
	}
	retention.Start()

	app := fiber.New(fiber.Config{AppName: cfg.App.Name, DisableStartupMessage: true})
	httptransport.RegisterMiddlewares(app, logger.Named("http"), metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, pg, redisPing, feed),
		Notifications:  handlers.NewNotificationsHandler(notifications),
		AuthMiddleware: auth.NewAuthMiddleware(tokens),
		Metrics:        metrics,
	})

	feedCtx, stopFeed := context.WithCancel(ctx)
	var feedDone sync.WaitGroup
	feedDone.Add(1)
	go func() {
		defer feedDone.Done()
		if err := feed.Run(feedCtx); err != nil {
			logger.Error("change feed listener stopped", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("gateway listening", zap.String("addr", cfg.Gateway.Addr()), zap.String("path", cfg.Gateway.Path))
		if err := wsServer.ListenAndServe(); err != nil {
			logger.Fatal("gateway listen", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("http listening", zap.String("addr", cfg.App.Addr()))
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	grace, cancelGrace := context.WithTimeout(context.Background(), cfg.Relay.ShutdownGrace())
	defer cancelGrace()

	if err := wsServer.Shutdown(grace); err != nil {
		logger.Warn("gateway shutdown incomplete", zap.Error(err))
	}
	if err := app.ShutdownWithContext(grace); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}

	stopFeed()
	feedDone.Wait()

	if err := dispatcher.Stop(grace); err != nil {
		logger.Warn("fan-out did not drain before shutdown deadline", zap.Error(err))
	}
	retention.Stop(grace)
	logger.Info("shutdown complete")
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
