package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"pfw.app/cloud/handlers"
	"pfw.app/cloud/internal/config"
	"pfw.app/cloud/internal/email"
	"pfw.app/cloud/internal/licensing"
	"pfw.app/cloud/internal/logger"
	"pfw.app/cloud/internal/metrics"
	"pfw.app/cloud/internal/payments"
	"pfw.app/cloud/internal/ratelimit"
	"pfw.app/cloud/internal/token"
	"pfw.app/cloud/storage"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

// newServer wires the licensing service and its HTTP surface. now may be nil.
func newServer(cfg *config.Config, store storage.Store, gateway payments.Gateway, now func() time.Time) (*handlers.Server, error) {
	var codecOpts []token.Option
	if now != nil {
		codecOpts = append(codecOpts, token.WithClock(now))
	}
	codec, err := token.New(cfg.LicenseSecret, codecOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create token codec: %w", err)
	}

	reg := metrics.NewRegistry()
	opts := licensing.Options{
		TrialDays:          cfg.TrialDays,
		LifetimePriceCents: cfg.LifetimePriceCents,
		Currency:           cfg.Currency,
		AnnualPriceID:      cfg.StripeAnnualPriceID,
		Development:        cfg.Development,
		Now:                now,
		Metrics:            reg,
	}
	if cfg.EmailEnabled() {
		opts.Notifier = email.NewMailer(cfg)
	}
	svc := licensing.NewService(store, gateway, codec, opts)

	return handlers.NewHttpServer(svc, payments.NewWebhookParser(cfg.StripeWebhookSecret), handlers.Options{
		Version:     version,
		CORSOrigins: cfg.CORSOrigins,
		RateLimiter: ratelimit.New(cfg.RateLimit.Requests, cfg.RateLimit.Window),
		Metrics:     reg,
		TrustProxy:  cfg.TrustProxy,
	}), nil
}

func main() {
	if versionBytes, err := os.ReadFile("VERSION"); err == nil {
		version = strings.TrimSpace(string(versionBytes))
	}

	godotenv.Load()

	if err := run(); err != nil {
		logger.Error("Server exited with error", map[string]interface{}{
			"error": err.Error(),
		})
		sentry.Flush(2 * time.Second)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.New()
	if err != nil {
		return err
	}

	err = sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Release:          version,
		Environment:      environment(cfg),
		TracesSampleRate: 1.0,
	})
	if err != nil {
		return fmt.Errorf("sentry.Init: %w", err)
	}
	defer sentry.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	server, err := newServer(cfg, store, payments.NewStripe(cfg.StripeSecret, nil), nil)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("PFW Cloud API starting", map[string]interface{}{
			"version":     version,
			"port":        cfg.Port,
			"development": cfg.Development,
			"email":       cfg.EmailEnabled(),
		})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func environment(cfg *config.Config) string {
	if cfg.Development {
		return "development"
	}
	return "production"
}
