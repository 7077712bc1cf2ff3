// Command regaind runs the payment-recovery engine: HTTP API, webhook
// ingress, task worker and janitor in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/regainhq/regain/pkg/api"
	"github.com/regainhq/regain/pkg/auth"
	"github.com/regainhq/regain/pkg/config"
	"github.com/regainhq/regain/pkg/console"
	"github.com/regainhq/regain/pkg/crypto"
	"github.com/regainhq/regain/pkg/logging"
	"github.com/regainhq/regain/pkg/mailer"
	"github.com/regainhq/regain/pkg/observability"
	"github.com/regainhq/regain/pkg/payments"
	"github.com/regainhq/regain/pkg/store"
	"github.com/regainhq/regain/pkg/webhooks"
	"github.com/regainhq/regain/pkg/worker"
)

const webhookRatePerMinute = 5

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "regaind:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	logger := logging.New(cfg.Env)
	for _, name := range cfg.Defaulted {
		logger.Warn("using development default", "variable", name)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	cipher, err := buildCipher(cfg, logger)
	if err != nil {
		return err
	}

	merchants := store.NewMerchantStore(db, cipher, logger)
	tasks := store.NewTaskStore(db)
	usage := store.NewUsageStore(db)
	templates := store.NewTemplateStore(db)
	ledger := store.NewEventLedger(db)
	for _, init := range []func(context.Context) error{
		merchants.Init, tasks.Init, usage.Init, templates.Init, ledger.Init,
	} {
		if err := init(ctx); err != nil {
			return err
		}
	}

	pp := payments.New(cfg.PPSecretKey, cfg.PPClientID)
	mail := mailer.New(cfg.ResendAPIKey, cfg.EmailFrom)
	signer := crypto.NewTrackingSigner(cfg.SessionSecret)
	tracker := mailer.NewTracker(cfg.AppBaseURL, signer)

	metrics, err := buildObservability(ctx, cfg, logger)
	if err != nil {
		return err
	}

	limiter, err := buildWebhookLimiter(cfg)
	if err != nil {
		return err
	}

	if err := worker.EnsureScheduled(ctx, merchants, tasks, logger); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		worker.New(merchants, tasks, usage, templates, pp, mail,
			tracker, metrics, logger).Run(ctx)
	}()
	go func() {
		defer wg.Done()
		worker.NewJanitor(tasks, ledger, logger).Run(ctx)
	}()

	webhook := webhooks.NewHandler(cfg.PPWebhookSecret, merchants, tasks, usage,
		ledger, limiter, metrics, logger)
	srv := console.NewServer(console.Options{
		Merchants:    merchants,
		Tasks:        tasks,
		Usage:        usage,
		Templates:    templates,
		Payments:     pp,
		Webhook:      webhook,
		Tracking:     console.NewTracking(usage, signer, logger),
		Metrics:      metrics,
		Logger:       logger,
		Verifier:     auth.NewVerifier(cfg.AuthTokenSecret),
		WorkerSecret: cfg.WorkerSecret,
		AdminKey:     cfg.AdminKey,
		Development:  !cfg.IsProduction(),
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpServer.Addr, "env", cfg.Env)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		stop()
		wg.Wait()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown incomplete", "error", err)
	}
	wg.Wait()
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry flush incomplete", "error", err)
	}
	logger.Info("bye")
	return nil
}

// buildCipher loads the at-rest token key. Production refuses to run
// without one; development generates an ephemeral key, which makes stored
// tokens unreadable across restarts.
func buildCipher(cfg *config.Config, logger *slog.Logger) (*crypto.TokenCipher, error) {
	key, err := cfg.DecodeEncryptionKey()
	if err != nil {
		return nil, err
	}
	if key != nil {
		return crypto.NewTokenCipher(key)
	}
	if cfg.IsProduction() {
		return nil, errors.New("ENCRYPTION_KEY is required in production")
	}
	logger.Warn("ENCRYPTION_KEY not set, using ephemeral key; stored tokens will not survive a restart")
	return crypto.NewEphemeralTokenCipher()
}

func buildObservability(ctx context.Context, cfg *config.Config,
	logger *slog.Logger) (*observability.Provider, error) {
	if cfg.OTLPEndpoint == "" {
		return observability.Disabled(), nil
	}
	oc := observability.DefaultConfig()
	oc.Environment = cfg.Env
	oc.OTLPEndpoint = cfg.OTLPEndpoint
	oc.Insecure = !cfg.IsProduction()
	return observability.New(ctx, oc, logger)
}

func buildWebhookLimiter(cfg *config.Config) (api.Allower, error) {
	if cfg.RedisURL != "" {
		return api.NewRedisLimiter(cfg.RedisURL, webhookRatePerMinute)
	}
	return api.NewMemoryLimiter(webhookRatePerMinute), nil
}
