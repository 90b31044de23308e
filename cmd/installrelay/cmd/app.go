package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nhalm/installrelay/background"
	"github.com/nhalm/installrelay/config"
	"github.com/nhalm/installrelay/counter"
	"github.com/nhalm/installrelay/fetch"
	"github.com/nhalm/installrelay/metrics"
	"github.com/nhalm/installrelay/relay"
	"github.com/nhalm/installrelay/store"
)

// app is the wired service: store, counters, worker pool and router.
type app struct {
	store   store.Store
	counter *counter.Counter
	pool    *background.Pool
	metrics *metrics.Metrics
	handler http.Handler
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	m := metrics.New()
	st, c, err := openCounter(ctx, cfg, m)
	if err != nil {
		return nil, err
	}

	pool := background.NewPool(cfg.BackgroundConfig(m))

	var opts []relay.Option
	if p, ok := st.(store.Pinger); ok {
		opts = append(opts, relay.WithPinger(p))
	}

	h := relay.New(cfg.RelayConfig(), c, fetch.NewClient(cfg.FetchConfig(m)), pool, opts...)

	return &app{
		store:   st,
		counter: c,
		pool:    pool,
		metrics: m,
		handler: relay.Routes(h, relay.RouteOptions{Metrics: m, SLOTargets: cfg.SLOTargets()}),
	}, nil
}

// shutdown drains the worker pool, then closes the store the pool writes to.
func (a *app) shutdown(ctx context.Context) error {
	poolErr := a.pool.Shutdown(ctx)
	storeErr := a.store.Close()
	if storeErr != nil {
		storeErr = fmt.Errorf("close store: %w", storeErr)
	}
	return errors.Join(poolErr, storeErr)
}

// openCounter opens the configured store and a Counter over it.
func openCounter(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (store.Store, *counter.Counter, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}

	st, err := store.Open(ctx, cfg.StoreConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}

	c := counter.New(st,
		counter.WithLocation(loc),
		counter.WithPrefixes(cfg.Prefixes()),
		counter.WithMetrics(m),
	)
	return st, c, nil
}
