package relay

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nhalm/installrelay/metrics"
	"github.com/nhalm/installrelay/sanitize"
	"github.com/nhalm/installrelay/slo"
	"github.com/nhalm/installrelay/wrapper"
)

// RouteOptions configures the router built by Routes.
type RouteOptions struct {
	// Metrics is exposed at /metrics and receives request counts (optional)
	Metrics *metrics.Metrics

	// SLOTargets overrides tier latency targets (default: slo.DefaultTargets)
	SLOTargets slo.Targets
}

// Routes returns the relay router:
//
//	GET /         script relay       (slo high_slow)
//	GET /stats    counter snapshot   (slo high_fast)
//	GET /healthz  store reachability (slo critical)
//	GET /metrics  Prometheus, when opts.Metrics is set
func Routes(h *Handler, opts RouteOptions) http.Handler {
	targets := opts.SLOTargets
	if targets == nil {
		targets = slo.DefaultTargets()
	}

	r := chi.NewRouter()
	r.Use(sanitize.New())
	r.Use(middleware.RequestID)
	r.Use(wrapper.New(
		wrapper.WithCanonlog(),
		wrapper.WithCanonlogFields(func(r *http.Request) map[string]any {
			return map[string]any{"request_id": middleware.GetReqID(r.Context())}
		}),
		wrapper.WithSLOs(),
		wrapper.WithMetrics(opts.Metrics),
	))

	r.NotFound(wrapper.NotFound)
	r.MethodNotAllowed(wrapper.MethodNotAllowed)

	r.With(targets.Track(slo.HighSlow)).Get("/", h.Root)
	r.With(targets.Track(slo.HighFast)).Get("/stats", h.Stats)
	r.With(targets.Track(slo.Critical)).Get("/healthz", h.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	return r
}
