// Package relay serves the installer script and its usage statistics.
//
// Every GET / hands a counter increment to the background spawner and then
// relays the upstream script through the fetch cache. The increment and the
// relay are independent: a slow or failing store never delays or fails the
// script, and a failed fetch never stops the request from being counted.
package relay

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/nhalm/installrelay/background"
	"github.com/nhalm/installrelay/counter"
	"github.com/nhalm/installrelay/fetch"
	"github.com/nhalm/installrelay/logging"
	"github.com/nhalm/installrelay/store"
	"github.com/nhalm/installrelay/wrapper"
)

// DefaultUpstreamURL is the installer script relayed when none is configured.
const DefaultUpstreamURL = "https://raw.githubusercontent.com/solana-developers/solana-install/main/install.sh"

// Config holds relay handler configuration.
type Config struct {
	// UpstreamURL is the script to relay (default: DefaultUpstreamURL)
	UpstreamURL string

	// CacheTTL is how long the script is cached locally and advertised to clients (default: 1h)
	CacheTTL time.Duration

	// ForceCache caches the script even if the origin forbids it (default: true via DefaultConfig)
	ForceCache bool

	// ErrorBody is the plain-text body sent when the script cannot be relayed
	ErrorBody string

	// StatsErrorMessage is the JSON error message sent when stats cannot be read
	StatsErrorMessage string

	// HealthTimeout bounds the store ping in Health (default: 2s)
	HealthTimeout time.Duration
}

// DefaultConfig returns the production relay settings.
func DefaultConfig() Config {
	return Config{
		UpstreamURL:       DefaultUpstreamURL,
		CacheTTL:          time.Hour,
		ForceCache:        true,
		ErrorBody:         "Error fetching Solana install script",
		StatsErrorMessage: "Failed to retrieve stats",
		HealthTimeout:     2 * time.Second,
	}
}

// Counters is the part of counter.Counter the handlers use.
type Counters interface {
	IncrementAll(ctx context.Context)
	ReadStats(ctx context.Context) (counter.Stats, error)
}

// Handler serves the relay routes.
type Handler struct {
	cfg      Config
	counters Counters
	fetcher  fetch.Fetcher
	spawner  background.Spawner
	pinger   store.Pinger
}

// Option configures a Handler.
type Option func(*Handler)

// WithPinger makes Health report the store's reachability.
func WithPinger(p store.Pinger) Option {
	return func(h *Handler) {
		h.pinger = p
	}
}

// New creates a Handler. Zero fields in cfg take their DefaultConfig value,
// except ForceCache which is used as given.
func New(cfg Config, counters Counters, fetcher fetch.Fetcher, spawner background.Spawner, opts ...Option) *Handler {
	def := DefaultConfig()
	if cfg.UpstreamURL == "" {
		cfg.UpstreamURL = def.UpstreamURL
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.ErrorBody == "" {
		cfg.ErrorBody = def.ErrorBody
	}
	if cfg.StatsErrorMessage == "" {
		cfg.StatsErrorMessage = def.StatsErrorMessage
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = def.HealthTimeout
	}

	h := &Handler{
		cfg:      cfg,
		counters: counters,
		fetcher:  fetcher,
		spawner:  spawner,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Root counts the request in the background and relays the upstream script.
func (h *Handler) Root(_ http.ResponseWriter, r *http.Request) {
	h.spawner.Go("increment_counters", h.counters.IncrementAll)

	ctx := r.Context()
	resp, err := h.fetcher.Fetch(ctx, h.cfg.UpstreamURL, fetch.Options{
		CacheTTL:   h.cfg.CacheTTL,
		ForceCache: h.cfg.ForceCache,
	})
	if err != nil {
		logging.Error(ctx, fmt.Errorf("fetch install script: %w", err), nil)
		wrapper.SetError(r, wrapper.ErrInternal.With(h.cfg.ErrorBody).AsText())
		return
	}

	logging.AddMany(ctx, map[string]any{
		"upstream_status": resp.StatusCode,
		"cache_hit":       resp.Cached,
	})

	if !resp.OK() {
		logging.Error(ctx, fmt.Errorf("fetch install script: upstream returned %s", resp.Status), nil)
		wrapper.SetError(r, wrapper.ErrInternal.With(h.cfg.ErrorBody).AsText())
		return
	}

	logging.Add(ctx, "script_bytes", len(resp.Body))
	wrapper.SetHeader(r, "Cache-Control", fmt.Sprintf("public, max-age=%d", int64(h.cfg.CacheTTL/time.Second)))
	wrapper.SetText(r, http.StatusOK, resp.Text())
}

// Stats returns the current counters as JSON.
func (h *Handler) Stats(_ http.ResponseWriter, r *http.Request) {
	stats, err := h.counters.ReadStats(r.Context())
	if err != nil {
		logging.Error(r.Context(), err, nil)
		wrapper.SetError(r, wrapper.ErrInternal.With(h.cfg.StatsErrorMessage))
		return
	}
	wrapper.SetResponse(r, http.StatusOK, stats)
}

// Health reports whether the service can reach its store.
func (h *Handler) Health(_ http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), h.cfg.HealthTimeout)
		defer cancel()

		if err := h.pinger.Ping(ctx); err != nil {
			logging.Error(r.Context(), fmt.Errorf("health: %w", err), nil)
			wrapper.SetError(r, wrapper.ErrServiceUnavailable)
			return
		}
	}
	wrapper.SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
}
