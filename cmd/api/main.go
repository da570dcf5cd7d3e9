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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pin-publisher/internal/api"
	"pin-publisher/internal/app"
	"pin-publisher/internal/auth"
	"pin-publisher/internal/config"
	"pin-publisher/internal/logger"
)

var (
	envFile  string
	subject  string
	tokenTTL time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "pin-api",
	Short: "Pin publisher HTTP API",
	Long:  `Serves the dashboard API, the OAuth flow and the internal worker trigger.`,
	RunE:  runServer,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()
		st, err := app.OpenStore(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
		if err := st.RunMigrations(cmd.Context()); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		log.Info("migrations applied", zap.String("driver", cfg.StoreDriver))
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print an admin bearer token signed with ADMIN_JWT_SECRET",
	RunE: func(*cobra.Command, []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		token, err := auth.New("", cfg.AdminJWTSecret, nil).IssueAdminToken(subject, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file")
	tokenCmd.Flags().StringVar(&subject, "subject", "admin", "token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 12*time.Hour, "token lifetime")
	rootCmd.AddCommand(migrateCmd, tokenCmd)
}

func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "pin-api"})
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

func runServer(*cobra.Command, []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	server := api.New(api.Deps{
		Catalog:    a.Store,
		Queue:      a.Queue,
		Dispatcher: a.Dispatcher,
		Retrier:    a.Retry,
		OAuth:      a.OAuth,
		Auth:       a.Auth,
		BatchSize:  cfg.BatchSize,
	}, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("api listening", zap.String("addr", httpServer.Addr), zap.String("store", cfg.StoreDriver))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down api")
	case err := <-errCh:
		log.Error("listen failed", zap.Error(err))
		return err
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	return httpServer.Shutdown(shutdownCtx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
