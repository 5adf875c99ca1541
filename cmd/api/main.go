package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"example.com/rewards/internal/api"
	"example.com/rewards/internal/app"
	"example.com/rewards/internal/auth"
	"example.com/rewards/internal/config"
	"example.com/rewards/internal/logging"
	"example.com/rewards/internal/outbox"
	httptransport "example.com/rewards/internal/transport/http"
)

func main() {
	cfg := config.Load()
	logger := logging.New(logging.Options{
		Service:    "rewards-api",
		Level:      cfg.LogLevel,
		Path:       cfg.LogPath,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise", zap.Error(err))
	}
	defer rt.Close()

	var dispatcher *outbox.Dispatcher
	if rt.Pool != nil {
		producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
		defer producer.Close()

		registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
		dispatcher = outbox.NewDispatcher(rt.Pool, producer, registry, logger.Named("outbox"), cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		go dispatcher.Start(ctx)
	}

	handler := api.NewHandler(rt.Coordinator, rt.Reconciler, logger.Named("api"))
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer, Leeway: cfg.JWTLeeway})
	limiter := httptransport.NewRateLimiter(cfg.RateLimitPerMinute, clockwork.NewRealClock())

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, httptransport.Chain(mux,
		httptransport.RequestLogger(logger.Named("http")),
		authMiddleware.Wrap,
		limiter.Middleware,
	))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("rewards api listening", zap.String("addr", cfg.HTTPAddress))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
	}
	stop()
	if dispatcher != nil {
		dispatcher.Wait()
	}
	logger.Info("rewards api stopped")
}
