package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pin-publisher/internal/app"
	"pin-publisher/internal/config"
	"pin-publisher/internal/logger"
	"pin-publisher/internal/telemetry"
)

var (
	envFile string
	once    bool
	limit   int
)

var rootCmd = &cobra.Command{
	Use:   "pin-worker",
	Short: "Publishes queued pins to Pinterest",
	Long:  `Sweeps expired leases, promotes due scheduled pins and publishes batches on an interval.`,
	RunE:  runWorker,
}

func init() {
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "optional dotenv file")
	rootCmd.Flags().BoolVar(&once, "once", false, "run a single batch, print the summary and exit")
	rootCmd.Flags().IntVar(&limit, "limit", 0, "batch size (defaults to WORKER_BATCH_SIZE)")
}

func runWorker(*cobra.Command, []string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if limit > 0 {
		cfg.BatchSize = limit
	}
	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "pin-worker"})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if once {
		summary, err := a.Runner.Tick(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	defer metrics.Close()

	log.Info("worker started",
		zap.Int("batch_size", cfg.BatchSize),
		zap.Duration("poll_interval", cfg.WorkerPollInterval),
		zap.Duration("lease_timeout", cfg.LeaseTimeout),
		zap.Bool("release_on_abort", cfg.ReleaseOnAbort))
	if err := a.Runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("worker stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
