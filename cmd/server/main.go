// Command server runs the order fulfillment HTTP API.
//
// Startup sequence: load .env (best effort), parse configuration, configure
// logging and tracing, open the database and run migrations, construct the
// external clients (print partner, payment gateway, upscaler, dedup cache),
// wire routes, and serve until SIGINT/SIGTERM triggers a graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/printforge/go-orders-backend/internal/assets"
	"github.com/printforge/go-orders-backend/internal/config"
	"github.com/printforge/go-orders-backend/internal/dedup"
	httpapi "github.com/printforge/go-orders-backend/internal/http"
	"github.com/printforge/go-orders-backend/internal/observability"
	"github.com/printforge/go-orders-backend/internal/partner"
	"github.com/printforge/go-orders-backend/internal/payments"
	"github.com/printforge/go-orders-backend/internal/repo"
	"github.com/printforge/go-orders-backend/internal/sysutil"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Local development convenience; production injects real env vars.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	// Container deploys pass APP_VERSION instead of rebuilding with ldflags.
	version = sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), version)

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up tracing")
	}

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("db_path", cfg.DBPath).Msg("failed to open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate schema")
	}
	if cfg.OTEL.Enabled {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			log.Warn().Err(err).Msg("failed to enable gorm tracing")
		}
	}

	deps := httpapi.Dependencies{
		Partner:  partner.NewHTTPClient(cfg.Partner.BaseURL, cfg.Partner.APIKey, cfg.Partner.Timeout, log.Logger),
		Gateway:  payments.NewHTTPGateway(cfg.Paygate.BaseURL, cfg.Paygate.APIKey, cfg.Paygate.Timeout, log.Logger),
		Upscaler: assets.NewHTTPUpscaler(cfg.Upscaler.BaseURL, cfg.Upscaler.Timeout),
	}

	switch cfg.Dedup.Backend {
	case "redis":
		rc := dedup.NewRedisCache(cfg.Dedup.RedisAddr, "webhook-event", cfg.Dedup.TTL)
		defer func() {
			if err := rc.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close redis dedup cache")
			}
		}()
		deps.Dedup = rc
	default:
		deps.Dedup = dedup.NewMemoryCache(cfg.Dedup.TTL, cfg.Dedup.MaxEntries)
	}

	engine := gin.New()
	httpapi.RegisterRoutes(engine, db, deps, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("tracer shutdown failed")
	}
	log.Info().Msg("server stopped")
}
