package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jeebuddy/tutor/internal/app"
	"github.com/jeebuddy/tutor/internal/config"
	"github.com/jeebuddy/tutor/internal/history"
	"github.com/jeebuddy/tutor/internal/logging"
	"github.com/jeebuddy/tutor/internal/observability"
	"github.com/jeebuddy/tutor/internal/retention"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "jeebuddy",
		Short:        "Tutoring backend that answers student questions with LLM providers",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newPurgeCmd())
	return root
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("config error: %w", err)
	}
	logging.SetDefault(logging.New(cfg.LogLevel, os.Stderr))
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := logging.Default()

	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			logger.Error("cleanup failed", "err", err)
		}
	}()

	logger.Info("providers resolved",
		"primary", built.Providers.Primary,
		"secondary", built.Providers.Secondary,
		"vision", built.Providers.Vision,
	)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	built.Sessions.StartJanitor(runCtx, 5*time.Second)
	if err := built.Retention.Start(); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr, "history_store", history.Backend(built.Store))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-listenErr:
		return fmt.Errorf("listen error: %w", err)
	case <-sigCh:
		logger.Info("shutdown signal received")
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "err", err)
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
	return nil
}

func newPurgeCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete stored interactions older than a given age",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if olderThan <= 0 {
				olderThan = cfg.HistoryRetention
			}
			if olderThan <= 0 {
				return errors.New("--older-than or HISTORY_RETENTION must be positive")
			}

			ctx := cmd.Context()
			metrics := observability.NewMetrics(cfg.MetricsNamespace)
			store, err := app.OpenStore(ctx, cfg, metrics)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := retention.New(store, olderThan, "", metrics, logging.Default()).RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d interactions older than %s\n", n, olderThan)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum age of interactions to delete, e.g. 720h (defaults to HISTORY_RETENTION)")
	return cmd
}
