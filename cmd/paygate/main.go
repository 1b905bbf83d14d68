// Command paygate launches the multi-tenant payment gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/finbridge/paygate/internal/clientcache"
	"github.com/finbridge/paygate/internal/guard"
	"github.com/finbridge/paygate/internal/infra/config"
	"github.com/finbridge/paygate/internal/infra/persistence/migrations"
	"github.com/finbridge/paygate/internal/infra/persistence/postgres"
	httpserver "github.com/finbridge/paygate/internal/infra/server/http"
	"github.com/finbridge/paygate/internal/observability"
	"github.com/finbridge/paygate/internal/pipeline"
	"github.com/finbridge/paygate/internal/provider"
	stripeprovider "github.com/finbridge/paygate/internal/provider/stripe"
	"github.com/finbridge/paygate/internal/registry"
	"github.com/finbridge/paygate/lib/telemetry"
)

const readHeaderTimeout = 5 * time.Second

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stderr, "paygate ", log.LstdFlags|log.Lmsgprefix)
	observability.SetLogger(observability.NewSlog(slog.New(slog.NewJSONHandler(os.Stderr, nil))))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	_, telemetryShutdown, err := telemetry.Init(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}

	reg := registry.New(cfg.AccountsJSON, cfg.LegacySecretKey, cfg.DefaultPublishableKey)
	ids, err := reg.AccountIDs()
	if err != nil {
		logger.Fatalf("validate account configuration: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, accounts=%d", cfg.Environment, len(ids))

	accessGuard, err := guard.New(cfg.AllowedSources)
	if err != nil {
		logger.Fatalf("parse allowlist: %v", err)
	}

	cache := clientcache.New(reg, func(desc registry.AccountDescriptor) provider.Client {
		return stripeprovider.New(desc, stripeprovider.WithRateLimit(cfg.ProviderRPS))
	})

	pipeOpts := []pipeline.Option{
		pipeline.WithBatchSize(cfg.BatchSize),
		pipeline.WithBatchDelay(cfg.BatchDelay.Std()),
	}

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		if err := migrations.Apply(ctx, cfg.DatabaseURL, logger); err != nil {
			logger.Fatalf("apply migrations: %v", err)
		}
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("connect audit database: %v", err)
		}
		pipeOpts = append(pipeOpts, pipeline.WithRecorder(postgres.NewAuditStore(pool)))
		logger.Print("bulk update audit trail enabled")
	}

	pipe := pipeline.New(cache, pipeOpts...)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpserver.NewHandler(reg, pipe, accessGuard),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("api server: %v", err)
			cancel()
		}
	})
	logger.Printf("gateway listening on %s", cfg.ListenAddr)

	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Std())
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("server shutdown: %v", err)
	}
	lifecycle.Wait()
	if pool != nil {
		pool.Close()
	}
	if err := telemetryShutdown(shutdownCtx); err != nil {
		logger.Printf("telemetry shutdown: %v", err)
	}
	logger.Print("shutdown completed")
}

func parseFlags() string {
	cfgPath := flag.String("config", "", "Path to an optional YAML configuration overlay")
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
