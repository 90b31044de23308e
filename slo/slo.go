// Package slo classifies routes by latency objective.
//
// Track stores a tier and its latency target in request context. The wrapper
// middleware reads it back after the handler returns, compares the request
// duration against the target and reports PASS or FAIL on the canonical log
// line and in the installrelay_slo_total metric.
//
//	r.With(slo.Track(slo.HighSlow)).Get("/", relay.Root)   // may hit upstream
//	r.With(slo.Track(slo.HighFast)).Get("/stats", relay.Stats)
//	r.With(slo.Track(slo.Critical)).Get("/healthz", relay.Health)
//
// Targets can be overridden per deployment:
//
//	targets := slo.DefaultTargets()
//	targets[slo.HighSlow] = 3 * time.Second
//	r.With(targets.Track(slo.HighSlow)).Get("/", relay.Root)
package slo

import (
	"context"
	"net/http"
	"time"
)

// Tier represents an SLO classification level.
type Tier string

const (
	// Critical is for liveness and readiness probes.
	Critical Tier = "critical"

	// HighFast is for requests served from local state.
	HighFast Tier = "high_fast"

	// HighSlow is for requests that may wait on an upstream fetch.
	HighSlow Tier = "high_slow"

	// Low is for non-interactive work.
	Low Tier = "low"

	// custom is used internally for TrackWithTarget.
	custom Tier = "custom"
)

// Outcomes reported by Evaluate.
const (
	Pass = "PASS"
	Fail = "FAIL"
)

// Targets maps tiers to latency targets.
type Targets map[Tier]time.Duration

// DefaultTargets returns the built-in targets:
//   - Critical: 50ms
//   - HighFast: 100ms
//   - HighSlow: 1000ms
//   - Low: 5000ms
func DefaultTargets() Targets {
	return Targets{
		Critical: 50 * time.Millisecond,
		HighFast: 100 * time.Millisecond,
		HighSlow: 1000 * time.Millisecond,
		Low:      5000 * time.Millisecond,
	}
}

var defaults = DefaultTargets()

type contextKey string

const configKey contextKey = "slo_config"

type config struct {
	tier   Tier
	target time.Duration
}

// Track sets a predefined SLO tier with its default target in context.
func Track(tier Tier) func(http.Handler) http.Handler {
	return defaults.Track(tier)
}

// Track sets tier in context with the target from t. Tiers missing from t
// fall back to the default target.
func (t Targets) Track(tier Tier) func(http.Handler) http.Handler {
	target, ok := t[tier]
	if !ok {
		target = defaults[tier]
	}
	return track(tier, target)
}

// TrackWithTarget sets a custom SLO target in context.
// The tier is logged as "custom".
func TrackWithTarget(target time.Duration) func(http.Handler) http.Handler {
	return track(custom, target)
}

func track(tier Tier, target time.Duration) func(http.Handler) http.Handler {
	cfg := &config{tier: tier, target: target}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), configKey, cfg)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetTier retrieves the SLO tier and target from context.
// Returns the tier, target duration, and true if set; otherwise empty values and false.
func GetTier(ctx context.Context) (Tier, time.Duration, bool) {
	cfg, ok := ctx.Value(configKey).(*config)
	if !ok {
		return "", 0, false
	}
	return cfg.tier, cfg.target, true
}

// Evaluate returns Pass when took is within target, Fail otherwise.
func Evaluate(target, took time.Duration) string {
	if took > target {
		return Fail
	}
	return Pass
}
