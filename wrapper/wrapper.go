// Package wrapper provides context-based response handling for Chi middleware.
//
// Handlers and middleware record the response in request context instead of
// writing to the ResponseWriter. The wrapper writes it once the chain returns,
// which gives every route the same error shape and lets the outer middleware log,
// measure and recover from panics in one place.
//
// Error responses are JSON objects with a single field:
//
//	{"error": "Failed to retrieve stats"}
//
// or, for errors marked with AsText, the bare message as text/plain.
//
// Basic usage:
//
//	r := chi.NewRouter()
//	r.Use(wrapper.New())  // Outermost middleware
//
//	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
//	    stats, err := counter.ReadStats(r.Context())
//	    if err != nil {
//	        wrapper.SetError(r, wrapper.ErrInternal.With("Failed to retrieve stats"))
//	        return
//	    }
//	    wrapper.SetResponse(r, http.StatusOK, stats)
//	})
//
// With canonical logging, SLO tracking and Prometheus metrics:
//
//	r.Use(wrapper.New(
//	    wrapper.WithCanonlog(),
//	    wrapper.WithCanonlogFields(func(r *http.Request) map[string]any {
//	        return map[string]any{"request_id": r.Header.Get("X-Request-ID")}
//	    }),
//	    wrapper.WithSLOs(),
//	    wrapper.WithMetrics(m),
//	))
//
//	r.With(slo.Track(slo.HighFast)).Get("/stats", stats)
package wrapper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/canonlog"
	"github.com/nhalm/installrelay/metrics"
	"github.com/nhalm/installrelay/slo"
)

type contextKey string

const stateKey contextKey = "wrapper_state"

// TextContentType is the Content-Type written for text responses.
const TextContentType = "text/plain; charset=utf-8"

// State holds the response state for a request.
type State struct {
	mu      sync.Mutex
	err     *Error
	status  int
	body    any
	text    *string
	headers http.Header
}

// Error is an API error. It is written as {"error": Message} with Status,
// or as the bare Message when Text is set.
type Error struct {
	Code    string
	Message string
	Status  int
	Text    bool
}

var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Is implements errors.Is for comparing error codes.
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// MarshalJSON encodes the error as the response body {"error": Message}.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Error string `json:"error"`
	}{Error: e.Message})
}

// With returns a copy of the error with a custom message.
func (e *Error) With(message string) *Error {
	if e == nil {
		return nil
	}
	dup := *e
	dup.Message = message
	return &dup
}

// AsText returns a copy of the error that is written as text/plain.
func (e *Error) AsText() *Error {
	if e == nil {
		return nil
	}
	dup := *e
	dup.Text = true
	return &dup
}

// Predefined sentinel errors
var (
	ErrNotFound           = &Error{Code: "not_found", Message: "Not found", Status: http.StatusNotFound}
	ErrMethodNotAllowed   = &Error{Code: "method_not_allowed", Message: "Method not allowed", Status: http.StatusMethodNotAllowed}
	ErrInternal           = &Error{Code: "internal", Message: "Internal server error", Status: http.StatusInternalServerError}
	ErrServiceUnavailable = &Error{Code: "service_unavailable", Message: "Service unavailable", Status: http.StatusServiceUnavailable}
)

// SetError sets an error response in the request context.
// If wrapper middleware is not present (state is nil), this is a no-op.
func SetError(r *http.Request, err *Error) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.err = err
}

// SetResponse sets a JSON success response in the request context.
// If wrapper middleware is not present (state is nil), this is a no-op.
func SetResponse(r *http.Request, status int, body any) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.status = status
	state.body = body
	state.text = nil
}

// SetText sets a text/plain success response in the request context.
// The body is written verbatim. A Content-Type set with SetHeader wins over the default.
// If wrapper middleware is not present (state is nil), this is a no-op.
func SetText(r *http.Request, status int, body string) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.status = status
	state.text = &body
	state.body = nil
}

// SetHeader sets a response header in the request context.
// If wrapper middleware is not present (state is nil), this is a no-op.
func SetHeader(r *http.Request, key, value string) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.headers == nil {
		state.headers = make(http.Header)
	}
	state.headers.Set(key, value)
}

func getState(ctx context.Context) *State {
	state, _ := ctx.Value(stateKey).(*State)
	return state
}

// NotFound is a chi NotFound handler that responds with ErrNotFound.
func NotFound(_ http.ResponseWriter, r *http.Request) {
	SetError(r, ErrNotFound)
}

// MethodNotAllowed is a chi MethodNotAllowed handler that responds with ErrMethodNotAllowed.
func MethodNotAllowed(_ http.ResponseWriter, r *http.Request) {
	SetError(r, ErrMethodNotAllowed)
}

// Option configures the wrapper middleware.
type Option func(*config)

type config struct {
	canonlog       bool
	canonlogFields func(*http.Request) map[string]any
	slosEnabled    bool
	metrics        *metrics.Metrics
}

// WithCanonlog enables canonical logging for requests.
// Creates a logger at request start and flushes it after response.
// Logs method, path, route, status, and duration_ms for each request.
// Errors set via SetError are automatically logged.
func WithCanonlog() Option {
	return func(c *config) {
		c.canonlog = true
	}
}

// WithCanonlogFields adds custom fields to each log entry.
// Called at request start, before the handler executes.
func WithCanonlogFields(fn func(*http.Request) map[string]any) Option {
	return func(c *config) {
		c.canonlogFields = fn
	}
}

// WithSLOs enables SLO evaluation.
// Reads the tier and target from context (set via slo.Track or slo.TrackWithTarget)
// and logs slo_class and slo_status (PASS or FAIL) when canonlog is enabled,
// and counts the outcome when metrics are enabled.
func WithSLOs() Option {
	return func(c *config) {
		c.slosEnabled = true
	}
}

// WithMetrics counts every response by route and status.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// New returns middleware that manages response state and writes responses.
func New(opts ...Option) func(http.Handler) http.Handler {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := &State{}
			ctx := context.WithValue(r.Context(), stateKey, state)
			start := time.Now()

			if cfg.canonlog {
				ctx = canonlog.NewContext(ctx)

				canonlog.InfoAddMany(ctx, map[string]any{
					"method": r.Method,
					"path":   r.URL.Path,
				})

				if cfg.canonlogFields != nil {
					canonlog.InfoAddMany(ctx, cfg.canonlogFields(r))
				}
			}

			r = r.WithContext(ctx)

			defer func() {
				if rec := recover(); rec != nil {
					state.mu.Lock()
					state.err = ErrInternal
					state.mu.Unlock()

					if cfg.canonlog {
						canonlog.ErrorAdd(ctx, fmt.Errorf("panic: %v", rec))
					}
				}

				route, matched := routePattern(r)
				finish(ctx, cfg, state, route, matched, time.Since(start))
				writeResponse(w, state)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// finish logs and measures the completed request.
func finish(ctx context.Context, cfg *config, state *State, route string, matched bool, duration time.Duration) {
	if !cfg.canonlog && cfg.metrics == nil {
		return
	}

	state.mu.Lock()
	status := state.status
	if status == 0 {
		status = http.StatusOK
	}
	err := state.err
	if err != nil {
		status = err.Status
	}
	state.mu.Unlock()

	var sloClass, sloStatus string
	if cfg.slosEnabled {
		if tier, target, ok := slo.GetTier(ctx); ok {
			sloClass, sloStatus = string(tier), slo.Evaluate(target, duration)
		}
	}

	if cfg.metrics != nil {
		label := route
		if !matched {
			label = unmatchedRoute
		}
		cfg.metrics.ObserveRequest(label, status)
		if sloClass != "" {
			cfg.metrics.ObserveSLO(sloClass, sloStatus)
		}
	}

	if !cfg.canonlog {
		return
	}
	if err != nil {
		canonlog.ErrorAdd(ctx, err)
	}
	canonlog.InfoAddMany(ctx, map[string]any{
		"route":       route,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	})
	if sloClass != "" {
		canonlog.InfoAdd(ctx, "slo_class", sloClass)
		canonlog.InfoAdd(ctx, "slo_status", sloStatus)
	}
	canonlog.Flush(ctx)
}

// unmatchedRoute labels metrics for requests no route matched, keeping raw paths out of label values.
const unmatchedRoute = "unmatched"

// routePattern returns the matched chi pattern, or the raw path when no route matched.
func routePattern(r *http.Request) (string, bool) {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern, true
		}
	}
	return r.URL.Path, false
}

func writeResponse(w http.ResponseWriter, state *State) {
	state.mu.Lock()
	defer state.mu.Unlock()

	for key, values := range state.headers {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	if state.err != nil {
		if state.err.Text {
			writeText(w, state.err.Status, state.err.Message)
			return
		}
		writeJSON(w, state.err.Status, state.err)
		return
	}

	if state.text != nil {
		writeText(w, state.status, *state.text)
		return
	}

	if state.body != nil {
		writeJSON(w, state.status, state.body)
		return
	}

	if state.status != 0 {
		w.WriteHeader(state.status)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(v); err != nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal server error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func writeText(w http.ResponseWriter, status int, body string) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", TextContentType)
	}
	w.WriteHeader(status)
	w.Write([]byte(body))
}
