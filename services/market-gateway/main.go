package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"clawmarket/gateway/middleware"
	"clawmarket/observability/logging"
	"clawmarket/observability/otel"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		slog.Error("load config failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := logging.Setup("market-gateway", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "market-gateway",
			Environment: cfg.Environment,
			Endpoint:    cfg.OTLPEndpoint,
			Insecure:    cfg.OTLPInsecure,
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			logger.Error("telemetry init failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = shutdown(flushCtx)
		}()
	}

	store, err := NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		logger.Error("open sqlite store failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	for _, key := range cfg.APIKeys {
		logger.Info("api key loaded",
			slog.String("key", key.Key),
			logging.MaskField("secret", key.Secret))
	}
	if cfg.ReadJWTSecret != "" {
		logger.Info("read auth enabled",
			slog.String("issuer", cfg.ReadJWTIssuer),
			logging.MaskField("jwtSecret", cfg.ReadJWTSecret))
	}

	auth := NewAuthenticator(cfg.APIKeys, cfg.AllowedTimestampSkew, cfg.NonceTTL, cfg.NonceCapacity, nil)
	readAuth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    cfg.ReadJWTSecret != "",
		HMACSecret: cfg.ReadJWTSecret,
		Issuer:     cfg.ReadJWTIssuer,
		Audience:   cfg.ReadJWTAudience,
	}, log.Default())
	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   "market-gateway",
		MetricsPrefix: "market_gateway",
		LogRequests:   cfg.LogRequests,
		Enabled:       true,
	}, logger)
	node := NewRPCNodeClient(cfg.NodeURL, cfg.NodeAuthToken)
	server := NewServer(auth, readAuth, obs, node, store, cfg.RatePerMinute)

	watcher := NewEventWatcher(cfg.NodeURL, store, logger)
	go watcher.Run(ctx)

	var handler http.Handler = server
	if cfg.OTLPEndpoint != "" {
		handler = otelhttp.NewHandler(handler, "market-gateway")
	}
	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("market gateway listening", slog.String("address", cfg.ListenAddress))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down market gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.String("error", err.Error()))
	}
}
