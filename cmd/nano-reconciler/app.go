package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	reconciler "github.com/nanoncore/nano-reconciler"
	"github.com/nanoncore/nano-reconciler/cache"
	"github.com/nanoncore/nano-reconciler/events"
	"github.com/nanoncore/nano-reconciler/internal/config"
	"github.com/nanoncore/nano-reconciler/jobs"
	"github.com/nanoncore/nano-reconciler/notify"
	"github.com/nanoncore/nano-reconciler/olt"
	"github.com/nanoncore/nano-reconciler/queue"
	"github.com/nanoncore/nano-reconciler/router"
	"github.com/nanoncore/nano-reconciler/store"
	"github.com/nanoncore/nano-reconciler/telemetry"
)

// app holds the wired components and what must be closed on exit
type app struct {
	store  store.Store
	cache  cache.Cache
	alerts *notify.Async
	bus    *events.Bus
	queue  *queue.Queue
	jobs   *jobs.Jobs

	closers []func()
}

// build connects the backends and registers every task handler on a new
// queue. Without a database DSN or a Redis address the in-memory backends
// are used, which only suits local runs against mock nodes.
func build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*app, error) {
	a := &app{}

	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgres(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			a.close()
			return nil, err
		}
		a.store = pg
	} else {
		log.Warn().Msg("database.dsn not set, using in-memory store")
		a.store = store.NewMemory()
	}

	if cfg.Redis.Addr != "" {
		rc, err := cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = rc.Close() })
		a.cache = rc
	} else {
		log.Warn().Msg("redis.addr not set, using in-memory cache")
		a.cache = cache.NewMemory()
	}

	var sink notify.Notifier = notify.NewLog(log)
	if cfg.Telegram.Token != "" {
		tcfg := cfg.Telegram
		tcfg.Client = telemetry.InstrumentClient(nil)
		tg, err := notify.NewTelegram(tcfg)
		if err != nil {
			a.close()
			return nil, err
		}
		sink = tg
	}
	a.alerts = notify.NewAsync(sink, cfg.Queue.AlertBuffer, log)
	a.closers = append(a.closers, a.alerts.Close)

	a.bus = events.NewBus(log)
	if len(cfg.Kafka.Brokers) > 0 {
		ks, err := events.NewKafkaSink(cfg.Kafka, log)
		if err != nil {
			a.close()
			return nil, err
		}
		ks.Attach(a.bus)
		a.closers = append(a.closers, func() { _ = ks.Close() })
	}

	factory := reconciler.NewFactory(cfg.Transport.Timeout, log)
	a.jobs = jobs.New(jobs.Deps{
		Store:      a.store,
		Cache:      a.cache,
		Routers:    router.NewService(factory, cfg.Router, log),
		OLTs:       olt.NewService(factory, log),
		Notifier:   a.alerts,
		Events:     a.bus,
		Thresholds: cfg.Thresholds,
		Logger:     log,
	})

	a.queue = queue.New(queue.Options{
		Workers: cfg.Queue.Workers,
		Buffer:  cfg.Queue.Buffer,
		Timeout: cfg.Queue.Timeout,
	}, log)
	a.jobs.Register(a.queue)
	a.queue.OnExhausted(jobs.RecordExhausted(a.store, a.alerts, log))
	return a, nil
}

// close releases resources in reverse order of acquisition
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func parseKind(kinds []string, kind string) error {
	for _, k := range kinds {
		if k == kind {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", queue.ErrUnknownKind, kind)
}
