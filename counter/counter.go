// Package counter keeps approximate usage counters bucketed by calendar period.
//
// Four counters are maintained: a lifetime total and one each for the current
// day, ISO week and month. Keys are derived from the wall clock at increment time,
// so a new period starts a new counter without any rollover step.
//
// Increments are read-then-write against the store with no lock or compare-and-swap.
// Concurrent increments of the same key can lose updates, so counts are approximate.
// Increment failures are logged and swallowed. Reads return an error.
package counter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/nhalm/installrelay/logging"
	"github.com/nhalm/installrelay/metrics"
	"github.com/nhalm/installrelay/store"
	"golang.org/x/sync/errgroup"
)

// ErrStatsUnavailable wraps any store failure during ReadStats.
var ErrStatsUnavailable = errors.New("counter: stats unavailable")

// Stats is a snapshot of the four counters and the periods they cover.
type Stats struct {
	TotalRequests int64   `json:"totalRequests"`
	Today         int64   `json:"today"`
	ThisWeek      int64   `json:"thisWeek"`
	ThisMonth     int64   `json:"thisMonth"`
	Periods       Periods `json:"periods"`
}

// Counter increments and reads period-bucketed counters in a store.
type Counter struct {
	store    store.Store
	clock    quartz.Clock
	prefixes Prefixes
	loc      *time.Location
	metrics  *metrics.Metrics
}

// Option configures a Counter.
type Option func(*Counter)

// WithClock sets the clock used to derive period keys (default: real clock).
func WithClock(clock quartz.Clock) Option {
	return func(c *Counter) {
		c.clock = clock
	}
}

// WithPrefixes overrides the counter key prefixes (default: DefaultPrefixes).
func WithPrefixes(p Prefixes) Option {
	return func(c *Counter) {
		c.prefixes = p
	}
}

// WithLocation sets the time zone whose calendar defines day, week and month
// boundaries (default: UTC).
func WithLocation(loc *time.Location) Option {
	return func(c *Counter) {
		if loc != nil {
			c.loc = loc
		}
	}
}

// WithMetrics records increment failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Counter) {
		c.metrics = m
	}
}

// New creates a Counter backed by st.
func New(st store.Store, opts ...Option) *Counter {
	c := &Counter{
		store:    st,
		clock:    quartz.NewReal(),
		prefixes: DefaultPrefixes(),
		loc:      time.UTC,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CurrentKeys derives the keys for the counter's clock and location.
func (c *Counter) CurrentKeys() Keys {
	return c.prefixes.Keys(c.clock.Now().In(c.loc))
}

// Increment adds one to the counter stored under key.
// A missing key counts as zero. Errors are logged and swallowed.
func (c *Counter) Increment(ctx context.Context, key string) {
	if err := c.increment(ctx, key); err != nil {
		c.metrics.IncrementFailed(c.counterName(key))
		logging.Error(ctx, err, map[string]any{"counter_key": key})
	}
}

// IncrementAll increments the lifetime, daily, weekly and monthly counters
// concurrently and waits for all four. It never fails; errors and panics are
// logged and swallowed.
func (c *Counter) IncrementAll(ctx context.Context) {
	var (
		mu       sync.Mutex
		failures = map[string]error{}
	)

	defer func() {
		if rec := recover(); rec != nil {
			logging.Error(ctx, fmt.Errorf("increment counters panic: %v", rec), nil)
		}
	}()

	keys := c.CurrentKeys()

	var g errgroup.Group
	for _, key := range []string{keys.Total, keys.Daily, keys.Weekly, keys.Monthly} {
		g.Go(func() error {
			if err := c.safeIncrement(ctx, key); err != nil {
				mu.Lock()
				failures[key] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for key, err := range failures {
		c.metrics.IncrementFailed(c.counterName(key))
		logging.Error(ctx, err, map[string]any{"counter_key": key})
	}
	logging.AddMany(ctx, map[string]any{
		"counters_incremented": 4 - len(failures),
		"counters_failed":      len(failures),
	})
}

// Read returns the value of a single counter. A missing or unparseable value reads as zero.
func (c *Counter) Read(ctx context.Context, key string) (int64, error) {
	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("read counter %s: %w", key, err)
	}
	if !found {
		return 0, nil
	}
	return parseCount(raw), nil
}

// ReadStats reads all four counters for the current periods concurrently.
// Any store failure fails the whole read with an error wrapping ErrStatsUnavailable.
func (c *Counter) ReadStats(ctx context.Context) (Stats, error) {
	keys := c.CurrentKeys()
	stats := Stats{Periods: keys.Periods}

	g, gctx := errgroup.WithContext(ctx)
	for key, dst := range map[string]*int64{
		keys.Total:   &stats.TotalRequests,
		keys.Daily:   &stats.Today,
		keys.Weekly:  &stats.ThisWeek,
		keys.Monthly: &stats.ThisMonth,
	} {
		g.Go(func() error {
			n, err := c.Read(gctx, key)
			if err != nil {
				return err
			}
			*dst = n
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Stats{}, fmt.Errorf("%w: %w", ErrStatsUnavailable, err)
	}
	return stats, nil
}

func (c *Counter) increment(ctx context.Context, key string) error {
	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("increment %s: get: %w", key, err)
	}

	var current int64
	if found {
		current = parseCount(raw)
	}

	if err := c.store.Put(ctx, key, strconv.FormatInt(current+1, 10)); err != nil {
		return fmt.Errorf("increment %s: put: %w", key, err)
	}
	return nil
}

func (c *Counter) safeIncrement(ctx context.Context, key string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("increment %s: panic: %v", key, rec)
		}
	}()
	return c.increment(ctx, key)
}

// counterName labels a key by its counter for metrics.
func (c *Counter) counterName(key string) string {
	switch {
	case key == c.prefixes.Total:
		return "total"
	case strings.HasPrefix(key, c.prefixes.Daily+"_"):
		return "daily"
	case strings.HasPrefix(key, c.prefixes.Weekly+"_"):
		return "weekly"
	case strings.HasPrefix(key, c.prefixes.Monthly+"_"):
		return "monthly"
	default:
		return "other"
	}
}

// parseCount reads a stored decimal value. Anything unparseable counts as zero.
func parseCount(raw string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
