// Package app assembles the services shared by the api and worker binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pin-publisher/internal/auth"
	"pin-publisher/internal/config"
	"pin-publisher/internal/credentials"
	"pin-publisher/internal/events"
	"pin-publisher/internal/pinterest"
	"pin-publisher/internal/publisher"
	"pin-publisher/internal/queue"
	"pin-publisher/internal/ratelimit"
	"pin-publisher/internal/render"
	"pin-publisher/internal/retry"
	"pin-publisher/internal/store"
	"pin-publisher/internal/worker"
)

type App struct {
	Config     config.Config
	Store      store.Store
	Redis      *redis.Client
	Notifier   events.Notifier
	Dispatcher *worker.Dispatcher
	Runner     *worker.Runner
	Retry      *retry.Service
	Queue      *queue.Service
	OAuth      *pinterest.OAuth
	Auth       *auth.Authenticator
	log        *zap.Logger
}

// OpenStore connects the store selected by STORE_DRIVER.
func OpenStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	opts := store.Options{LeaseTimeout: cfg.LeaseTimeout}
	switch cfg.StoreDriver {
	case "sqlite":
		return store.NewSQLite(ctx, cfg.SQLitePath, opts)
	case "postgres":
		return store.NewPostgres(ctx, cfg.PostgresDSN, opts)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// New connects the store, migrates it and wires every service.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("redis unreachable, rate limiting fails open and oauth is unavailable", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}

	var notifier events.Notifier = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		notifier = events.NewKafkaNotifier(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic), cfg.KafkaTopic, log)
		log.Info("publishing pin events", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	bucket := ratelimit.NewTokenBucket(rdb, "ratelimit:", cfg.ProviderRateCapacity, cfg.ProviderRateRefill, time.Hour)
	client := pinterest.NewClient(cfg.PinterestAPIBaseURL, cfg.ProviderTimeout, log, pinterest.WithLimiter(bucket))
	oauthCfg := pinterest.OAuthConfig(cfg.PinterestClientID, cfg.PinterestClientSecret, cfg.PinterestRedirectURI,
		cfg.PinterestAuthURL, cfg.PinterestTokenURL)
	if oauthCfg == nil {
		log.Warn("pinterest oauth client not configured; expired tokens cannot be refreshed")
	}
	resolver := credentials.NewResolver(st, oauthCfg, cfg.PinterestAccountLabel, log)
	pub := publisher.New(resolver, client, publisher.Options{
		LinkBase:  cfg.DefaultLinkBase,
		UTMSource: cfg.DefaultUTMSource,
		Settings:  st,
	}, log)

	var renderer queue.Renderer
	if cfg.RenderEnabled {
		r, err := render.New(ctx, cfg, log)
		if err != nil {
			st.Close()
			_ = rdb.Close()
			return nil, fmt.Errorf("init renderer: %w", err)
		}
		renderer = r
	}

	dispatcher := worker.NewDispatcher(st, pub, notifier, worker.Options{
		ReleaseOnAbort: cfg.ReleaseOnAbort,
		StoreTimeout:   cfg.StoreTimeout,
	}, log)

	return &App{
		Config:     cfg,
		Store:      st,
		Redis:      rdb,
		Notifier:   notifier,
		Dispatcher: dispatcher,
		Runner: worker.NewRunner(st, dispatcher, worker.RunnerOptions{
			BatchSize:    cfg.BatchSize,
			PollInterval: cfg.WorkerPollInterval,
			LeaseTimeout: cfg.LeaseTimeout,
		}, log),
		Retry: retry.New(st, pub, notifier, retry.Options{MaxAttempts: cfg.RetryMaxAttempts, BaseDelay: cfg.RetryBaseDelay}, log),
		Queue: queue.NewService(st, renderer, notifier, queue.Options{
			LinkBase:            cfg.DefaultLinkBase,
			DescriptionTemplate: cfg.PinDescriptionTemplate,
		}, log),
		OAuth: pinterest.NewOAuth(oauthCfg, rdb, st, cfg.PinterestAccountLabel, cfg.OAuthStateTTL, log),
		Auth:  auth.New(cfg.InternalServiceKey, cfg.AdminJWTSecret, log),
		log:   log,
	}, nil
}

func (a *App) Close() {
	if err := a.Notifier.Close(); err != nil {
		a.log.Warn("close event writer", zap.Error(err))
	}
	if err := a.Redis.Close(); err != nil {
		a.log.Warn("close redis", zap.Error(err))
	}
	a.Store.Close()
}
