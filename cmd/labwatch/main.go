package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/labwatch/labwatch/internal/config"
	"github.com/labwatch/labwatch/internal/pipeline"
	"github.com/labwatch/labwatch/internal/platform/api"
	"github.com/labwatch/labwatch/internal/platform/auth"
	"github.com/labwatch/labwatch/internal/platform/bulk"
	"github.com/labwatch/labwatch/internal/platform/db"
	"github.com/labwatch/labwatch/internal/platform/middleware"
	"github.com/labwatch/labwatch/internal/platform/notification"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "labwatch",
		Short: "Lab results pipeline over FHIR bulk export",
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Execute one pipeline run and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce()
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP trigger API for an external scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

// buildRunner wires the pipeline from config. The returned cleanup closes
// the database pool when one was opened.
func buildRunner(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*pipeline.Runner, pipeline.RunStore, func(), error) {
	var tokens pipeline.TokenSource
	var err error
	if cfg.PrivateKey != "" {
		tokens, err = auth.NewClient(cfg.TokenURL, cfg.ClientID, []byte(cfg.PrivateKey), logger)
	} else {
		tokens, err = auth.NewClientFromFile(cfg.TokenURL, cfg.ClientID, cfg.PrivateKeyFile, logger)
	}
	if err != nil {
		return nil, nil, nil, err
	}

	var sender notification.EmailSender
	if cfg.SMTPHost != "" {
		sender = &notification.SMTPSender{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.ReportFrom,
		}
	}
	notifier := notification.NewReportNotifier(sender, cfg.ReportRecipient, logger)

	var store pipeline.RunStore = pipeline.NewInMemoryRunStore()
	cleanup := func() {}
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, nil, err
		}
		pgStore, err := pipeline.NewPGRunStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		store = pgStore
		cleanup = pool.Close
		logger.Info().Msg("run audit store connected")
	}

	newExport := func(token string) pipeline.ExportClient {
		return bulk.NewClient(cfg.FHIRBaseURL, token, cfg.PollInterval(), cfg.PollMaxAttempts, logger)
	}

	runner := pipeline.NewRunner(
		pipeline.Options{
			GroupID:           cfg.GroupID,
			ObservationFilter: cfg.ObservationFilter,
		},
		tokens, newExport, notifier, store, logger,
	)
	return runner, store, cleanup, nil
}

func runOnce() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// SIGINT/SIGTERM cancel the run: the poll loop and in-flight streams
	// abort promptly instead of waiting out the remote job.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, _, cleanup, err := buildRunner(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build pipeline")
	}
	defer cleanup()

	if _, err := runner.Run(ctx); err != nil {
		return err
	}
	return nil
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	runner, store, cleanup, err := buildRunner(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build pipeline")
	}
	defer cleanup()

	// Triggered runs live on this context, not on the trigger request.
	// Cancelling it during shutdown aborts the poll loop and streams.
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	handler := api.NewHandler(runCtx, runner, store, logger)
	handler.RegisterRoutes(e)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting trigger API")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}

	// Abort any in-flight run and wait for it to record a terminal status.
	cancelRuns()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	if err := handler.Drain(drainCtx); err != nil {
		logger.Error().Err(err).Msg("in-flight run did not stop before deadline")
	}

	logger.Info().Msg("stopped")
	return nil
}
