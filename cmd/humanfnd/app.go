package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	humanfn "github.com/goliatone/go-humanfn"
	"github.com/goliatone/go-humanfn/config"
	"github.com/goliatone/go-humanfn/engine"
	"github.com/goliatone/go-humanfn/fanout"
	"github.com/goliatone/go-humanfn/logging"
	"github.com/goliatone/go-humanfn/metrics"
	"github.com/goliatone/go-humanfn/registry"
	"github.com/goliatone/go-humanfn/routing"
	"github.com/goliatone/go-humanfn/scheduler"
	"github.com/goliatone/go-humanfn/store"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"
)

// app holds the wired components of one process.
type app struct {
	cfg       config.Config
	logger    humanfn.Logger
	store     store.Store
	scheduler *scheduler.Scheduler
	engine    *engine.Engine
	hub       *fanout.Hub
	defs      *registry.Registry
	collector *metrics.Collector
	redis     *redis.Client

	closers []io.Closer
}

func loadConfig(g *Globals) (config.Config, error) {
	path := ""
	if g != nil {
		path = g.Config
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if g != nil && g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	return cfg, nil
}

// newApp wires every component for cfg. A nil out keeps the configured log
// outputs.
func newApp(ctx context.Context, cfg config.Config, out io.Writer) (*app, error) {
	logger, err := logging.New(cfg.Log, out)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	a.store, err = a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.defs = registry.New()
	if len(cfg.Definitions.Paths) > 0 {
		n, err := a.defs.LoadPaths(cfg.Definitions.Paths, registry.LoadOptions{Logger: logger})
		if err != nil {
			a.Close()
			return nil, err
		}
		logger.Info("loaded %d function definitions", n)
	}

	var engineMetrics engine.Metrics = engine.NopMetrics{}
	if cfg.Metrics.Enabled {
		a.collector = metrics.NewCollector(cfg.Metrics.Namespace, cfg.Metrics.Runtime)
		engineMetrics = a.collector
	}

	router, err := a.buildRouter(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.scheduler, err = scheduler.New(a.store, func(context.Context, humanfn.Wakeup) error {
		return errors.New("engine not ready")
	},
		scheduler.WithLogger(logger),
		scheduler.WithSweepInterval(cfg.Scheduler.SweepInterval),
		scheduler.WithBatchSize(cfg.Scheduler.BatchSize),
		scheduler.WithDeliveryTimeout(cfg.Scheduler.DeliveryTimeout),
		scheduler.WithLocation(cfg.Scheduler.Location()),
		scheduler.WithLocalTimers(cfg.Scheduler.LocalTimers),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.hub = fanout.NewHub(fanout.WithLogger(logger))
	a.engine, err = engine.New(a.store, a.scheduler,
		engine.WithLogger(logger),
		engine.WithRouter(router),
		engine.WithDefinitions(a.defs),
		engine.WithHub(a.hub),
		engine.WithMetrics(engineMetrics),
		engine.WithDefaultTimeout(cfg.Engine.DefaultTimeout),
		engine.WithHookTimeout(cfg.Engine.HookTimeout),
		engine.WithRouteTimeout(cfg.Engine.RouteTimeout),
		engine.WithDefaultChannel(cfg.Engine.DefaultChannel),
		engine.WithRetryDefaults(cfg.Engine.RetryPolicy()),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.scheduler.SetHandler(a.engine.HandleWakeup)
	return a, nil
}

func (a *app) openStore(ctx context.Context) (store.Store, error) {
	cfg := a.cfg.Store
	switch cfg.Driver {
	case config.StoreSQLite:
		db, err := sql.Open("sqlite", cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLite.Path, err)
		}
		// the driver serializes writes; one connection avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping sqlite %s: %w", cfg.SQLite.Path, err)
		}
		a.closers = append(a.closers, db)
		return store.NewSQLiteStore(db, cfg.SQLite.TablePrefix), nil
	case config.StoreRedis:
		client, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return store.NewRedisStore(client,
			store.WithKeyPrefix(cfg.Redis.KeyPrefix),
			store.WithRecordTTL(cfg.Redis.RecordTTL),
		), nil
	default:
		return store.NewMemoryStore(), nil
	}
}

// redisClient returns the shared client used by the store and the router.
func (a *app) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	cfg := a.cfg.Store.Redis
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	a.redis = client
	a.closers = append(a.closers, client)
	return client, nil
}

// buildRouter logs every route and, when enabled, publishes to redis for the
// configured channels (or all channels when none are listed).
func (a *app) buildRouter(ctx context.Context) (routing.Router, error) {
	logRouter := routing.LogRouter{Logger: a.logger}
	rc := a.cfg.Routing.Redis
	if !rc.Enabled {
		return routing.NewDispatcher(routing.WithFallback(logRouter), routing.WithLogger(a.logger)), nil
	}
	client, err := a.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	publisher := routing.NewRedisPublisher(client, rc.Prefix, rc.MaxQueue)
	if len(rc.Channels) == 0 {
		return routing.NewDispatcher(routing.WithFallback(routing.RouterFunc(func(ctx context.Context, req routing.RouteRequest) error {
			_ = logRouter.Route(ctx, req)
			return publisher.Route(ctx, req)
		})), routing.WithLogger(a.logger)), nil
	}
	d := routing.NewDispatcher(routing.WithFallback(logRouter), routing.WithLogger(a.logger))
	for _, ch := range rc.Channels {
		d.Register(ch, publisher)
		d.Register(ch, logRouter)
	}
	return d, nil
}

// Close releases connections in reverse order of acquisition.
func (a *app) Close() error {
	if a.hub != nil {
		a.hub.Close()
	}
	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = errors.Join(errs, a.closers[i].Close())
	}
	a.closers = nil
	return errs
}
