package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/flexa/flexa-android-sub000/internal/adapter/cache"
	"github.com/flexa/flexa-android-sub000/internal/adapter/eventstream"
	"github.com/flexa/flexa-android-sub000/internal/adapter/flexa"
	"github.com/flexa/flexa-android-sub000/internal/bootstrap"
	"github.com/flexa/flexa-android-sub000/internal/config"
	"github.com/flexa/flexa-android-sub000/internal/engine"
	httptransport "github.com/flexa/flexa-android-sub000/internal/http"
	"github.com/flexa/flexa-android-sub000/internal/http/handler"
	"github.com/flexa/flexa-android-sub000/internal/http/middleware"
	"github.com/flexa/flexa-android-sub000/internal/repository"
	"github.com/flexa/flexa-android-sub000/internal/server"
	"github.com/flexa/flexa-android-sub000/internal/service/session"
	"github.com/flexa/flexa-android-sub000/internal/telemetry"
	"github.com/flexa/flexa-android-sub000/internal/token"
)

const storePrefix = "flexa:spend"

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newMetrics,
			newSnowflake,
			newRedisClient,
			newRedisStore,
			newPreferenceStore,
			newBrandSessionRepository,
			newConn,
			newTokenManager,
			newTransport,
			newClient,
			newEventStream,
			newEngine,
			newRateLimiter,
			handler.NewBridgeHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(bootstrap.PrepareDevice, startEngine, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newMetrics(cfg config.Config) *telemetry.Metrics {
	return telemetry.NewMetrics(cfg.ServiceName)
}

func newSnowflake() (*snowflake.Node, error) {
	node, err := snowflake.NewNode(1)
	return node, err
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newRedisStore(client redis.UniversalClient) *cache.RedisStore {
	return cache.NewRedisStore(client, storePrefix)
}

func newPreferenceStore(store *cache.RedisStore) repository.PreferenceStore {
	return store
}

// newBrandSessionRepository keeps correlation records in Postgres when
// DATABASE_URL is set and in Redis otherwise.
func newBrandSessionRepository(lc fx.Lifecycle, cfg config.Config, client redis.UniversalClient, node *snowflake.Node, logger *zap.Logger) (repository.BrandSessionRepository, error) {
	if cfg.DatabaseURL == "" {
		return cache.NewRedisBrandSessionRepo(client, node, storePrefix), nil
	}

	pool, err := newPGXPool(lc, cfg)
	if err != nil {
		return nil, err
	}
	repo := repository.NewPostgresBrandSessionRepo(pool, node)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := repo.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate brand sessions: %w", err)
	}
	logger.Info("brand sessions stored in postgres")
	return repo, nil
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newConn(cfg config.Config, provider *telemetry.Provider, metrics *telemetry.Metrics, logger *zap.Logger) *flexa.Conn {
	opts := flexa.OptionsFromConfig(cfg)
	opts.Tracer = provider.Tracer()
	opts.Metrics = metrics
	opts.Logger = logger
	return flexa.NewConn(opts)
}

func newTokenManager(cfg config.Config, conn *flexa.Conn, store *cache.RedisStore, metrics *telemetry.Metrics, logger *zap.Logger) *token.Manager {
	return token.NewManager(
		flexa.NewTokenClient(conn, cfg.PublishableKey),
		store,
		token.WithThreshold(cfg.TokenRefreshThreshold),
		token.WithLogger(logger),
		token.WithRefreshHook(metrics.TokenRefresh),
	)
}

func newTransport(conn *flexa.Conn, tokens *token.Manager) *flexa.Transport {
	return flexa.NewTransport(conn, tokens)
}

func newClient(cfg config.Config, t *flexa.Transport) *flexa.Client {
	return flexa.NewClient(t, cfg.QuoteCacheTTL)
}

func newEventStream(cfg config.Config, t *flexa.Transport, metrics *telemetry.Metrics, logger *zap.Logger) *eventstream.Client {
	return eventstream.New(t,
		eventstream.WithReconnectDelay(cfg.StreamReconnectDelay),
		eventstream.WithLogger(logger),
		eventstream.WithMetrics(metrics),
	)
}

func newEngine(cfg config.Config, client *flexa.Client, conn *flexa.Conn, tokens *token.Manager, events *eventstream.Client, store *cache.RedisStore, brands repository.BrandSessionRepository, metrics *telemetry.Metrics, logger *zap.Logger) *engine.Engine {
	sessionCfg := session.DefaultConfig()
	sessionCfg.CompletionTimeout = cfg.CompletionTimeout
	sessionCfg.PatchTimeout = cfg.PatchTimeout

	return engine.New(engine.Deps{
		Catalog:       client,
		Auth:          tokens,
		Sessions:      client,
		Events:        events,
		State:         store,
		Preferences:   store,
		BrandSessions: brands,
		CanSpend:      conn.CanSpend(),
		DeviceModel:   cfg.DeviceModel,
		Logger:        logger,
		Metrics:       metrics,
	}, sessionCfg)
}

func newRateLimiter(cfg config.Config) *middleware.RateLimiter {
	return middleware.NewRateLimiter(cfg.BridgeRequestsPerMinute)
}

func startEngine(lc fx.Lifecycle, e *engine.Engine) {
	lc.Append(fx.Hook{
		OnStart: e.Start,
		OnStop:  e.Stop,
	})
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.BridgePort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("bridge server stopped", zap.Error(err))
				}
				close(done)
			}()

			logger.Info("bridge listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}
