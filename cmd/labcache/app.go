package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/agatticelli/labcache/internal/platform/aws"
	"github.com/agatticelli/labcache/internal/platform/cache"
	"github.com/agatticelli/labcache/internal/platform/config"
	"github.com/agatticelli/labcache/internal/platform/observability"
	"github.com/agatticelli/labcache/internal/platform/persistence/sqlite"
)

const serviceName = "labcache"

// App owns everything a command needs: observability providers, the
// persistent store and the cache Manager built on top of them
type App struct {
	Config  *config.Config
	Logger  *observability.Logger
	Meter   observability.MeterProvider
	Tracing *observability.TracerProvider
	Cache   *cache.Manager

	// storage is nil when L2 runs in memory
	storage *sqlite.Store
}

// newApp wires the stack described by cfg. Logs go to logOut.
func newApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (*App, error) {
	logger := observability.NewLoggerWithWriter(logOut, cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)
	a := &App{Config: cfg, Logger: logger}

	if err := a.setupObservability(ctx); err != nil {
		return nil, err
	}

	var l2 cache.Store
	if cfg.Storage.Path != "" {
		store, err := sqlite.Open(ctx, cfg.Storage.Path, logger)
		if err != nil {
			a.shutdownObservability(ctx)
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.storage = store
		l2 = store
	} else {
		logger.LogWarn(ctx, "storage.path is empty, L2 is in-memory and will not survive restarts")
		l2 = cache.NewMemoryStore()
	}

	opts := []cache.Option{
		cache.WithLogger(logger),
		cache.WithMetrics(observability.NewCacheMetrics(a.Meter)),
		cache.WithTracer(a.Tracing.Tracer("labcache/cache")),
	}

	if cfg.Cache.EnableRemote {
		remote, err := openRemote(ctx, cfg)
		if err != nil {
			_ = l2.Close()
			a.shutdownObservability(ctx)
			return nil, err
		}
		opts = append(opts, cache.WithRemote(remote, cache.RemoteConfig{
			Timeout:   cfg.Remote.Timeout,
			Workers:   cfg.Remote.Workers,
			QueueSize: cfg.Remote.QueueSize,
		}))
		logger.LogInfo(ctx, "remote tier enabled", "backend", cfg.Remote.Backend)
	}

	manager, err := cache.New(managerConfig(cfg), l2, opts...)
	if err != nil {
		_ = l2.Close()
		a.shutdownObservability(ctx)
		return nil, fmt.Errorf("create cache: %w", err)
	}
	a.Cache = manager

	return a, nil
}

func (a *App) setupObservability(ctx context.Context) error {
	obs := a.Config.Observability

	if obs.Metrics.Enabled {
		mpCfg := observability.MeterProviderConfig{
			ServiceName: serviceName,
			Version:     version,
			Exporters:   []observability.MetricExporter{observability.ExporterPrometheus},
		}
		if obs.Metrics.OTLPEndpoint != "" {
			mpCfg.Exporters = append(mpCfg.Exporters, observability.ExporterOTLP)
			mpCfg.OTLPEndpoint = obs.Metrics.OTLPEndpoint
			mpCfg.OTLPInsecure = strings.HasPrefix(obs.Metrics.OTLPEndpoint, "http://")
		}

		meter, err := observability.NewMeterProvider(ctx, mpCfg)
		if err != nil {
			return fmt.Errorf("create meter provider: %w", err)
		}
		a.Meter = meter
	} else {
		a.Meter = observability.NewNoopMeterProvider()
	}

	tracing, err := observability.NewTracerProvider(ctx, observability.TracingConfig{
		ServiceName: serviceName,
		Version:     version,
		Enabled:     obs.Tracing.Enabled,
		Endpoint:    obs.Tracing.Endpoint,
		SampleRatio: obs.Tracing.SampleRatio,
	})
	if err != nil {
		_ = a.Meter.Shutdown(ctx)
		return fmt.Errorf("create tracer provider: %w", err)
	}
	a.Tracing = tracing
	return nil
}

// openRemote connects the configured L3 backend
func openRemote(ctx context.Context, cfg *config.Config) (cache.Store, error) {
	switch cfg.Remote.Backend {
	case "redis":
		store, err := cache.NewRedisStore(ctx, cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return store, nil

	case "dynamodb":
		awsCfg, err := aws.LoadAWSConfig(ctx, aws.Config{
			Region:   cfg.AWS.Region,
			Endpoint: cfg.AWS.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		return aws.NewDynamoStore(awsCfg, cfg.AWS.Table), nil

	default:
		return nil, fmt.Errorf("unknown remote backend %q", cfg.Remote.Backend)
	}
}

func managerConfig(cfg *config.Config) cache.Config {
	return cache.Config{
		Capacity:         cfg.Cache.Capacity,
		MemoryTTL:        cfg.Cache.MemoryTTL,
		StorageTTL:       cfg.Cache.StorageTTL,
		StorageNamespace: cfg.Cache.StorageNamespace,
		StorageTimeout:   cfg.Storage.Timeout,
		CleanupInterval:  cfg.Cache.CleanupInterval,
		Warmup: cache.WarmupConfig{
			Timeout:       cfg.Warmup.Timeout,
			Concurrency:   cfg.Warmup.Concurrency,
			RatePerSecond: cfg.Warmup.RatePerSecond,
		},
	}
}

// Ready pings the persistent store
func (a *App) Ready(ctx context.Context) error {
	if a.storage == nil {
		return nil
	}
	return a.storage.Ping(ctx)
}

func (a *App) shutdownObservability(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if a.Tracing != nil {
		if err := a.Tracing.Shutdown(ctx); err != nil {
			a.Logger.LogError(ctx, "tracer shutdown failed", err)
		}
	}
	if a.Meter != nil {
		if err := a.Meter.Shutdown(ctx); err != nil {
			a.Logger.LogError(ctx, "meter shutdown failed", err)
		}
	}
}

// Close flushes queued remote writes, closes every store and shuts the
// observability providers down
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.shutdownObservability(ctx)
	return errors.Join(errs...)
}
