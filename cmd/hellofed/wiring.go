package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellofed/internal/cache"
	"github.com/dropDatabas3/hellofed/internal/config"
	"github.com/dropDatabas3/hellofed/internal/delivery"
	"github.com/dropDatabas3/hellofed/internal/discovery"
	"github.com/dropDatabas3/hellofed/internal/httpsig"
	"github.com/dropDatabas3/hellofed/internal/keys"
	"github.com/dropDatabas3/hellofed/internal/observability/logger"
	"github.com/dropDatabas3/hellofed/internal/queue"
	"github.com/dropDatabas3/hellofed/internal/rate"
	"github.com/dropDatabas3/hellofed/internal/security/secretbox"
	"github.com/dropDatabas3/hellofed/internal/server"
)

// app agrupa los componentes construidos a partir de la config.
type app struct {
	cfg       *config.Config
	keys      *keys.Manager
	engine    *delivery.Engine
	queue     *queue.Queue
	discCache cache.Client
	checks    map[string]server.HealthCheck
	closers   []func() error
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// newKeyManager abre el FileStore (sellado si hay master key) y el Manager.
func newKeyManager(ctx context.Context, cfg *config.Config, log *zap.Logger) (*keys.Manager, error) {
	var box *secretbox.Box
	if cfg.Keys.MasterKey != "" {
		b, err := secretbox.New(cfg.Keys.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("keys master key: %w", err)
		}
		box = b
	}
	store, err := keys.NewFileStore(cfg.Keys.Dir, box)
	if err != nil {
		return nil, err
	}
	return keys.New(ctx, keys.Options{
		Domain: cfg.Federation.Domain,
		Policy: keys.RotationPolicy{
			RotationInterval: cfg.Keys.RotationInterval,
			Overlap:          cfg.Keys.Overlap,
			KeySize:          cfg.Keys.KeySize,
		},
		Store:         store,
		CheckInterval: cfg.Keys.CheckInterval,
		RotateBefore:  cfg.Keys.RotateBefore,
		ErrorCooldown: cfg.Keys.ErrorCooldown,
		// Anunciar la rotación a los pares es responsabilidad de la capa de
		// actividades; acá sólo queda registrado.
		Announcer: keys.AnnouncerFunc(func(_ context.Context, k *keys.KeyPair) error {
			log.Info("signing key rotated", logger.KeyID(k.KeyID), logger.Time("expires_at", k.ExpiresAt))
			return nil
		}),
		Logger: log.Named("keys"),
	})
}

// newEngine arma firma, rate limit y discovery sobre el Manager.
func newEngine(ctx context.Context, cfg *config.Config, km *keys.Manager, log *zap.Logger, rdb *redis.Client) (*delivery.Engine, cache.Client, error) {
	signer := httpsig.NewSigner(km)
	limiter := rate.New(rate.Limit{
		Requests: cfg.Rate.Requests,
		Period:   cfg.Rate.Period,
		Burst:    cfg.Rate.Burst,
	}, cfg.Rate.StateTTL)

	client := &http.Client{Timeout: cfg.Federation.DeliveryTimeout}

	var (
		dc  cache.Client
		err error
	)
	switch {
	case cfg.Discovery.Cache.Kind == "redis" && rdb != nil:
		dc = cache.NewRedisFromClient(rdb, cfg.Discovery.Cache.Prefix, cfg.Discovery.Cache.TTL)
	default:
		dc, err = cache.New(ctx, cache.Config{
			Driver:     cfg.Discovery.Cache.Kind,
			Addr:       cfg.Queue.Redis.Addr,
			Password:   cfg.Queue.Redis.Password,
			DB:         cfg.Queue.Redis.DB,
			Prefix:     cfg.Discovery.Cache.Prefix,
			DefaultTTL: cfg.Discovery.Cache.TTL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("discovery cache: %w", err)
		}
	}

	disc := discovery.NewCached(&discovery.HTTP{
		Client:    client,
		UserAgent: cfg.Federation.UserAgent,
		Logger:    log.Named("discovery"),
	}, dc, cfg.Discovery.Cache.TTL, log.Named("discovery"))

	eng := delivery.New(signer, limiter, disc, delivery.Options{
		UserAgent:     cfg.Federation.UserAgent,
		Timeout:       cfg.Federation.DeliveryTimeout,
		MaxRetries:    cfg.Federation.MaxRetries,
		RetryDelay:    cfg.Federation.RetryDelay,
		MaxConcurrent: cfg.Federation.MaxConcurrent,
		Client:        client,
		Logger:        log.Named("delivery"),
	})
	return eng, dc, nil
}

// newQueueStore abre el store según queue.driver.
func newQueueStore(ctx context.Context, cfg *config.Config) (queue.Store, *redis.Client, server.HealthCheck, error) {
	q := cfg.Queue
	switch q.Driver {
	case "redis":
		st, err := queue.DialRedis(ctx, q.Redis.Addr, q.Redis.Password, q.Redis.DB, q.Redis.Prefix)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("queue redis: %w", err)
		}
		rdb := st.Client()
		return st, rdb, func(ctx context.Context) error { return rdb.Ping(ctx).Err() }, nil
	case "postgres":
		st, err := queue.OpenPostgres(ctx, q.Postgres.DSN, q.Postgres.MaxConns)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("queue postgres: %w", err)
		}
		if q.Postgres.Migrate {
			if err := st.Migrate(ctx); err != nil {
				_ = st.Close()
				return nil, nil, nil, err
			}
		}
		return st, nil, st.Ping, nil
	default:
		return queue.NewMemoryStore(), nil, nil, nil
	}
}

// build construye todo lo que usa serve.
func build(ctx context.Context, cfg *config.Config) (*app, error) {
	log := logger.L()
	a := &app{cfg: cfg, checks: map[string]server.HealthCheck{}}

	km, err := newKeyManager(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.keys = km
	a.closers = append(a.closers, km.Close)
	a.checks["keys"] = func(context.Context) error {
		_, err := km.ActiveKey()
		return err
	}

	st, rdb, check, err := newQueueStore(ctx, cfg)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	if check != nil {
		a.checks["queue"] = check
	}

	eng, dc, err := newEngine(ctx, cfg, km, log, rdb)
	if err != nil {
		_ = st.Close()
		_ = a.Close()
		return nil, err
	}
	a.engine = eng
	a.discCache = dc
	a.closers = append(a.closers, dc.Close)

	a.queue = queue.New(st, eng, queue.Options{
		MaxAttempts:     cfg.Queue.MaxAttempts,
		BatchSize:       cfg.Queue.BatchSize,
		PollInterval:    cfg.Queue.PollInterval,
		ErrorBackoff:    cfg.Queue.ErrorBackoff,
		MaxErrorBackoff: cfg.Queue.MaxErrorBackoff,
		Logger:          log.Named("queue"),
	})
	// la cola cierra su store; va al final para cerrarse primero
	a.closers = append(a.closers, a.queue.Close)
	return a, nil
}
