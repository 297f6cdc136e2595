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
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cschleiden/go-triage/action"
	"github.com/cschleiden/go-triage/backend"
	"github.com/cschleiden/go-triage/collaborator/webhook"
	"github.com/cschleiden/go-triage/config"
	"github.com/cschleiden/go-triage/dispatch"
	"github.com/cschleiden/go-triage/engine"
	"github.com/cschleiden/go-triage/server"
	"github.com/cschleiden/go-triage/triage"
)

func main() {
	configPath := flag.String("config", os.Getenv("TRIAGE_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: %v\n", err)
		os.Exit(2)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("triaged stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tp, shutdownTracing, err := newTracerProvider(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("flushing traces", "error", err)
		}
	}()

	b, err := openBackend(ctx, cfg.Backend, logger,
		backend.WithLogger(logger),
		backend.WithTracerProvider(tp),
	)
	if err != nil {
		return err
	}
	defer b.Close()

	c := cfg.Collaborators
	webhookOptions := []webhook.Option{
		webhook.WithPaths(c.Paths),
		webhook.WithTimeout(c.Timeout),
		webhook.WithLogger(logger),
	}
	for name, value := range c.Headers {
		webhookOptions = append(webhookOptions, webhook.WithHeader(name, value))
	}

	collaborators := webhook.New(c.Endpoints, webhookOptions...)

	svc, err := triage.NewService(b, collaborators.Collaborators(), dispatch.AllowOwner(cfg.Operators...), triage.ServiceOptions{
		EngineOptions: []engine.Option{
			engine.WithRetentionPeriod(cfg.Maintenance.Retention),
			engine.WithRecoveryLease(cfg.Maintenance.RecoveryLease),
		},
		ActionOptions: []action.Option{action.WithRetryOptions(cfg.RetryOptions())},
	})
	if err != nil {
		return err
	}

	sweeper := engine.NewSweeper(svc.Engine(), &engine.SweeperOptions{
		Interval:   cfg.Maintenance.SweepInterval,
		StaleAfter: cfg.Maintenance.StaleAfter,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.New(svc, logger).SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		svc.StartEviction(gctx)
		return nil
	})

	if err := sweeper.Start(gctx); err != nil {
		return fmt.Errorf("starting sweeper: %w", err)
	}

	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Server.Addr, "backend", cfg.Backend.Type)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		return srv.Shutdown(sctx)
	})

	err = g.Wait()

	if werr := sweeper.WaitForCompletion(); werr != nil {
		logger.Warn("stopping sweeper", "error", werr)
	}

	return err
}

func newLogger(c config.LogConfig) *slog.Logger {
	// Validated when loading the configuration
	level, _ := (&config.Config{Log: c}).LogLevel()

	opts := &slog.HandlerOptions{Level: level}

	if c.Format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
