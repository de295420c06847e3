package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"flowrunner/internal/auth"
	"flowrunner/internal/bus"
	"flowrunner/internal/config"
	"flowrunner/internal/objectstore"
	"flowrunner/internal/ratelimit"
	"flowrunner/internal/scheduler"
	"flowrunner/internal/store"
)

// infraError marks a startup failure caused by an unreachable dependency
// (Postgres, Redis, object storage), so main can map it to exit code 2
// instead of the generic configuration-error exit code 1.
type infraError struct{ err error }

func (e *infraError) Error() string { return e.err.Error() }
func (e *infraError) Unwrap() error { return e.err }

func wrapInfra(err error) error {
	if err == nil {
		return nil
	}
	return &infraError{err: err}
}

// runtime bundles the collaborators shared by the server, worker and
// scheduler subcommands, all built from the same environment configuration.
type runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.Store
	redis    *redis.Client
	bus      *bus.Bus
	queue    *scheduler.Queue
	objStore objectstore.Store
	verifier auth.Verifier
	sched    *scheduler.Scheduler
}

func newRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (*runtime, error) {
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, wrapInfra(fmt.Errorf("connect postgres: %w", err))
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, wrapInfra(fmt.Errorf("run migrations: %w", err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		st.Close()
		rdb.Close()
		return nil, wrapInfra(fmt.Errorf("connect redis: %w", err))
	}

	b := bus.New(rdb)
	queue := scheduler.NewQueue(rdb)
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	objStore, err := buildObjectStore(ctx, cfg)
	if err != nil {
		st.Close()
		rdb.Close()
		return nil, wrapInfra(fmt.Errorf("build object store: %w", err))
	}

	verifier, err := buildVerifier(cfg)
	if err != nil {
		st.Close()
		rdb.Close()
		return nil, fmt.Errorf("build verifier: %w", err)
	}

	oracle := auth.NewQuotaOracle(st, limiter, cfg.MaxActiveTasksPerClient)

	sched := scheduler.New(scheduler.Config{
		MaxJobs:             cfg.MaxJobs,
		WorkDir:             cfg.ObjectStorePath,
		FlowRunnerCommand:   cfg.FlowRunnerCommand,
		RedisAddr:           cfg.RedisAddr,
		RedisPassword:       cfg.RedisPassword,
		RedisDB:             cfg.RedisDB,
		DefaultInputTimeout: cfg.DefaultInputTimeout,
		MaxTaskDuration:     cfg.MaxTaskDuration,
		CancelGracePeriod:   cfg.CancelGracePeriod,
		TaskRetention:       time.Duration(cfg.TaskRetentionDays) * 24 * time.Hour,
	}, queue, st, b, oracle, objStore, logger)

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		redis:    rdb,
		bus:      b,
		queue:    queue,
		objStore: objStore,
		verifier: verifier,
		sched:    sched,
	}, nil
}

func (rt *runtime) Close() {
	rt.store.Close()
	rt.redis.Close()
}

func buildObjectStore(ctx context.Context, cfg config.Config) (objectstore.Store, error) {
	switch cfg.ObjectStoreKind {
	case "s3":
		return objectstore.NewS3Store(ctx, objectstore.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
	default:
		return objectstore.NewLocalStore(cfg.ObjectStorePath)
	}
}

func buildVerifier(cfg config.Config) (auth.Verifier, error) {
	switch cfg.AuthMode {
	case "oidc":
		return auth.NewOIDCVerifier(cfg.OIDCIssuerURL, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.OIDCJWKSCacheTTL), nil
	default:
		return &auth.LocalVerifier{
			ClientID: cfg.LocalClientID,
			Secret:   cfg.LocalClientSecret,
		}, nil
	}
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "flowrunner")
}

func installSignalCancel(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()
	return ctx, cancel
}
