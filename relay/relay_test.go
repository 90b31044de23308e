package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/nhalm/installrelay/background"
	"github.com/nhalm/installrelay/counter"
	"github.com/nhalm/installrelay/fetch"
	"github.com/nhalm/installrelay/metrics"
	"github.com/nhalm/installrelay/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const script = "#!/bin/sh\necho hi"

var march10 = time.Date(2025, time.March, 10, 15, 4, 5, 0, time.UTC)

type fixture struct {
	store    *store.Memory
	counters *counter.Counter
	metrics  *metrics.Metrics
	server   *httptest.Server
	hits     *atomic.Int32
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	origin   http.HandlerFunc
	spawner  background.Spawner
	counters Counters
	pinger   store.Pinger
}

func withOrigin(h http.HandlerFunc) fixtureOption {
	return func(c *fixtureConfig) { c.origin = h }
}

func withSpawner(s background.Spawner) fixtureOption {
	return func(c *fixtureConfig) { c.spawner = s }
}

func withCounters(c Counters) fixtureOption {
	return func(cfg *fixtureConfig) { cfg.counters = c }
}

func withPinger(p store.Pinger) fixtureOption {
	return func(c *fixtureConfig) { c.pinger = p }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	cfg := fixtureConfig{
		origin: func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, script)
		},
		spawner: background.Inline{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	hits := &atomic.Int32{}
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		cfg.origin(w, r)
	}))
	t.Cleanup(origin.Close)

	clock := quartz.NewMock(t)
	clock.Set(march10)

	st := store.NewMemory()
	m := metrics.New()
	c := counter.New(st, counter.WithClock(clock), counter.WithMetrics(m))

	var counters Counters = c
	if cfg.counters != nil {
		counters = cfg.counters
	}

	var handlerOpts []Option
	if cfg.pinger != nil {
		handlerOpts = append(handlerOpts, WithPinger(cfg.pinger))
	}

	relayCfg := DefaultConfig()
	relayCfg.UpstreamURL = origin.URL + "/install.sh"

	h := New(relayCfg, counters, fetch.NewClient(fetch.Config{Metrics: m}), cfg.spawner, handlerOpts...)
	server := httptest.NewServer(Routes(h, RouteOptions{Metrics: m}))
	t.Cleanup(server.Close)

	return &fixture{store: st, counters: c, metrics: m, server: server, hits: hits}
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	return f.do(t, http.MethodGet, path)
}

func (f *fixture) do(t *testing.T, method, path string) (*http.Response, string) {
	t.Helper()

	req, err := http.NewRequest(method, f.server.URL+path, http.NoBody)
	require.NoError(t, err)
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func (f *fixture) count(t *testing.T, key string) int64 {
	t.Helper()
	n, err := f.counters.Read(context.Background(), key)
	require.NoError(t, err)
	return n
}

func TestRoot_RelaysScript(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, script, body)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "public, max-age=3600", resp.Header.Get("Cache-Control"))
}

func TestRoot_CountsRequest(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		f.get(t, "/")
	}

	assert.Equal(t, int64(3), f.count(t, "total_requests"))
	assert.Equal(t, int64(3), f.count(t, "daily_2025-03-10"))
	assert.Equal(t, int64(3), f.count(t, "weekly_2025-11"))
	assert.Equal(t, int64(3), f.count(t, "monthly_2025-03"))
}

func TestRoot_CachesUpstream(t *testing.T) {
	f := newFixture(t, withOrigin(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		fmt.Fprint(w, script)
	}))

	for i := 0; i < 3; i++ {
		resp, body := f.get(t, "/")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, script, body)
	}

	assert.Equal(t, int32(1), f.hits.Load(), "origin no-store is overridden")
}

func TestRoot_UpstreamFailure(t *testing.T) {
	tests := []struct {
		name   string
		origin http.HandlerFunc
	}{
		{"not found", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "404: Not Found", http.StatusNotFound)
		}},
		{"server error with details", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "panic at /srv/origin/main.go:12", http.StatusInternalServerError)
		}},
		{"body too large", func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, strings.Repeat("#", 11<<20))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, withOrigin(tt.origin))

			resp, body := f.get(t, "/")

			assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
			assert.Equal(t, "Error fetching Solana install script", body)
			assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
			assert.Empty(t, resp.Header.Get("Cache-Control"))
			assert.Equal(t, int64(1), f.count(t, "total_requests"), "failed relays are still counted")
		})
	}
}

func TestRoot_UpstreamErrorsAreNotCached(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	f := newFixture(t, withOrigin(func(w http.ResponseWriter, _ *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, script)
	}))

	resp, _ := f.get(t, "/")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	fail.Store(false)
	resp, body := f.get(t, "/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, script, body)
}

func TestRoot_UnreachableUpstream(t *testing.T) {
	st := store.NewMemory()
	h := New(Config{UpstreamURL: "http://127.0.0.1:1/install.sh"}, counter.New(st), fetch.NewClient(fetch.Config{Timeout: time.Second}), background.Inline{})
	server := httptest.NewServer(Routes(h, RouteOptions{}))
	t.Cleanup(server.Close)

	resp, err := server.Client().Get(server.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Error fetching Solana install script", string(body))
}

// heldSpawner queues tasks until released.
type heldSpawner struct {
	mu    sync.Mutex
	tasks []func(context.Context)
}

func (s *heldSpawner) Go(_ string, task func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
}

func (s *heldSpawner) release() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = nil
	s.mu.Unlock()

	for _, task := range tasks {
		task(context.Background())
	}
}

func TestRoot_DoesNotWaitForCounters(t *testing.T) {
	spawner := &heldSpawner{}
	f := newFixture(t, withSpawner(spawner))

	resp, body := f.get(t, "/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, script, body)

	assert.Equal(t, int64(0), f.count(t, "total_requests"), "increment has not run yet")

	spawner.release()
	assert.Equal(t, int64(1), f.count(t, "total_requests"))
}

func TestRoot_WithPool(t *testing.T) {
	pool := background.NewPool(background.Config{Workers: 2, QueueSize: 16})
	f := newFixture(t, withSpawner(pool))

	for i := 0; i < 5; i++ {
		resp, _ := f.get(t, "/")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))

	got := f.count(t, "total_requests")
	assert.GreaterOrEqual(t, got, int64(1))
	assert.LessOrEqual(t, got, int64(5))
}

// stubCounters fails ReadStats.
type stubCounters struct {
	err error
}

func (stubCounters) IncrementAll(context.Context) {}

func (s stubCounters) ReadStats(context.Context) (counter.Stats, error) {
	return counter.Stats{}, s.err
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.get(t, "/")
	f.get(t, "/")

	resp, body := f.get(t, "/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var stats counter.Stats
	require.NoError(t, json.Unmarshal([]byte(body), &stats))
	assert.Equal(t, counter.Stats{
		TotalRequests: 2,
		Today:         2,
		ThisWeek:      2,
		ThisMonth:     2,
		Periods:       counter.Periods{Day: "2025-03-10", Week: "2025-11", Month: "2025-03"},
	}, stats)
}

func TestStats_JSONShape(t *testing.T) {
	f := newFixture(t)

	_, body := f.get(t, "/stats")

	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &raw))

	for _, field := range []string{"totalRequests", "today", "thisWeek", "thisMonth"} {
		n, ok := raw[field].(float64)
		require.True(t, ok, "field %s should be a number", field)
		assert.GreaterOrEqual(t, n, float64(0))
	}

	periods, ok := raw["periods"].(map[string]any)
	require.True(t, ok)
	for _, field := range []string{"day", "week", "month"} {
		label, ok := periods[field].(string)
		require.True(t, ok, "period %s should be a string", field)
		assert.NotEmpty(t, label)
	}
}

func TestStats_StoreFailure(t *testing.T) {
	f := newFixture(t, withCounters(stubCounters{err: fmt.Errorf("%w: redis down", counter.ErrStatsUnavailable)}))

	resp, body := f.get(t, "/stats")

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"error":"Failed to retrieve stats"}`, body)
	assert.NotContains(t, body, "redis")
}

type stubPinger struct {
	err error
}

func (p stubPinger) Ping(context.Context) error {
	return p.err
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		opts   []fixtureOption
		status int
		body   string
	}{
		{"no pinger", nil, http.StatusOK, `{"status":"ok"}`},
		{"store reachable", []fixtureOption{withPinger(stubPinger{})}, http.StatusOK, `{"status":"ok"}`},
		{"store down", []fixtureOption{withPinger(stubPinger{err: errors.New("dial tcp: refused")})}, http.StatusServiceUnavailable, `{"error":"Service unavailable"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.opts...)

			resp, body := f.get(t, "/healthz")

			assert.Equal(t, tt.status, resp.StatusCode)
			assert.JSONEq(t, tt.body, body)
		})
	}
}

func TestRoutes_UnknownAndWrongMethod(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		method string
		path   string
		status int
		body   string
	}{
		{http.MethodGet, "/install.sh", http.StatusNotFound, `{"error":"Not found"}`},
		{http.MethodPost, "/", http.StatusMethodNotAllowed, `{"error":"Method not allowed"}`},
		{http.MethodDelete, "/stats", http.StatusMethodNotAllowed, `{"error":"Method not allowed"}`},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			resp, body := f.do(t, tt.method, tt.path)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.JSONEq(t, tt.body, body)
		})
	}

	assert.Equal(t, int64(0), f.count(t, "total_requests"), "only GET / is counted")
}

func TestRoutes_Metrics(t *testing.T) {
	f := newFixture(t)
	f.get(t, "/")
	f.get(t, "/stats")

	resp, body := f.get(t, "/metrics")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `installrelay_http_requests_total{route="/",status="200"} 1`)
	assert.Contains(t, body, `installrelay_http_requests_total{route="/stats",status="200"} 1`)
	assert.Contains(t, body, `installrelay_fetch_total{result="miss"} 1`)
	assert.Contains(t, body, `installrelay_slo_total{class="high_slow"`)
}

func TestNew_Defaults(t *testing.T) {
	h := New(Config{}, stubCounters{}, fetch.NewClient(fetch.Config{}), background.Inline{})

	assert.Equal(t, DefaultUpstreamURL, h.cfg.UpstreamURL)
	assert.Equal(t, time.Hour, h.cfg.CacheTTL)
	assert.Equal(t, "Error fetching Solana install script", h.cfg.ErrorBody)
	assert.Equal(t, "Failed to retrieve stats", h.cfg.StatsErrorMessage)
	assert.False(t, h.cfg.ForceCache, "zero ForceCache is kept as given")
}
