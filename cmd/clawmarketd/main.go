package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"clawmarket/cmd/internal/passphrase"
	"clawmarket/config"
	"clawmarket/core"
	"clawmarket/crypto"
	"clawmarket/native/market"
	"clawmarket/observability/logging"
	"clawmarket/observability/otel"
	"clawmarket/rpc"
	"clawmarket/storage"
)

const (
	keystorePassEnv = "CLAW_KEYSTORE_PASS"
	shutdownTimeout = 10 * time.Second
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("CLAW_ENV"))
	logger := logging.Setup("clawmarketd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		telemetryEnv := cfg.Telemetry.Environment
		if telemetryEnv == "" {
			telemetryEnv = env
		}
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "clawmarketd",
			Environment: telemetryEnv,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			logger.Error("failed to initialise telemetry", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = shutdown(flushCtx)
		}()
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	authorityKey, err := loadAuthorityKey(cfg.AuthorityKeystorePath)
	if err != nil {
		logger.Error("failed to load authority keystore", slog.Any("error", err))
		os.Exit(1)
	}
	authority := authorityKey.PubKey().Address()

	node := core.NewNode(db)
	if _, err := node.Initialize(addressBytes(authority)); err != nil {
		if !errors.Is(err, market.ErrAlreadyExists) {
			logger.Error("failed to initialise ledger", slog.Any("error", err))
			os.Exit(1)
		}
	} else {
		logger.Info("ledger initialised", slog.String("authority", authority.String()))
	}

	authToken := cfg.ResolveAuthToken()
	if authToken != "" {
		logger.Info("rpc auth configured", logging.MaskField("token", authToken))
	} else {
		logger.Warn("rpc auth token not set, mutating methods are unauthenticated")
	}

	rpcServer := rpc.NewServer(node, rpc.ServerConfig{
		AuthToken:       authToken,
		RateLimitPerMin: cfg.RPCRateLimitPerMin,
		MaxBodyBytes:    cfg.RPCMaxBodyBytes,
	})

	apiHandler := rpcServer.Handler()
	if cfg.Telemetry.Enabled {
		apiHandler = otelhttp.NewHandler(apiHandler, "clawmarketd.rpc")
	}
	apiSrv := &http.Server{
		Addr:              cfg.RPCAddress,
		Handler:           apiHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddress,
		Handler:           metricsMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("rpc server listening",
			slog.String("address", cfg.RPCAddress),
			slog.String("network", cfg.NetworkName))
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("rpc server failed", slog.Any("error", err))
			os.Exit(1)
		}
	}()
	go func() {
		logger.Info("metrics server listening", slog.String("address", cfg.MetricsAddress))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", slog.Any("error", err))
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "rpc shutdown failed: %v\n", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "metrics shutdown failed: %v\n", err)
	}
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// loadAuthorityKey decrypts the authority keystore. The passphrase comes from
// CLAW_KEYSTORE_PASS when set; otherwise the unencrypted first-run keystore is
// tried before prompting the operator.
func loadAuthorityKey(path string) (*crypto.PrivateKey, error) {
	if pass, ok := os.LookupEnv(keystorePassEnv); ok {
		return crypto.LoadFromKeystore(path, pass)
	}
	key, err := crypto.LoadFromKeystore(path, "")
	if err == nil {
		return key, nil
	}
	pass, perr := passphrase.NewSource("").Get()
	if perr != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(path, pass)
}

func addressBytes(addr crypto.Address) [20]byte {
	var out [20]byte
	copy(out[:], addr.Bytes())
	return out
}
