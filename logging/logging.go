// Package logging adds fields to the canonical log line carried by a context.
//
// Request handlers run under wrapper.New(wrapper.WithCanonlog()) and background
// tasks under background.Pool, both of which put a canonlog logger in context and
// flush it once. Code that can run outside either (tests, CLI commands) uses these
// helpers so a missing logger turns into a standalone line instead of a lost field.
package logging

import (
	"context"

	"github.com/nhalm/canonlog"
)

// Add sets a single field on the context's canonical log line.
func Add(ctx context.Context, key string, value any) {
	AddMany(ctx, map[string]any{key: value})
}

// AddMany sets several fields on the context's canonical log line.
func AddMany(ctx context.Context, fields map[string]any) {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.InfoAddMany(ctx, fields)
		return
	}
	ctx = canonlog.NewContext(ctx)
	canonlog.InfoAddMany(ctx, fields)
	canonlog.Flush(ctx)
}

// Error records err on the context's canonical log line, along with optional fields.
func Error(ctx context.Context, err error, fields map[string]any) {
	if err == nil {
		return
	}
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		if len(fields) > 0 {
			canonlog.InfoAddMany(ctx, fields)
		}
		canonlog.ErrorAdd(ctx, err)
		return
	}
	ctx = canonlog.NewContext(ctx)
	if len(fields) > 0 {
		canonlog.InfoAddMany(ctx, fields)
	}
	canonlog.ErrorAdd(ctx, err)
	canonlog.Flush(ctx)
}
