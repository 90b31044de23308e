// Package sanitize strips implementation details from error responses.
//
// Error responses (4xx/5xx) are buffered, stack trace lines and source file
// paths are removed, and the cleaned body is sent. Success responses, including
// the relayed install script, pass through unbuffered and untouched.
//
// JSON error bodies stay JSON: if stripping breaks the document, the body is
// replaced with {"error": <replacement message>}.
//
//	r.Use(sanitize.New())  // Outside wrapper.New so it sees the final body
//
// Custom configuration:
//
//	r.Use(sanitize.New(
//		sanitize.WithStackTraces(true),
//		sanitize.WithFilePaths(true),
//		sanitize.WithReplacementMessage("An error occurred"),
//	))
//
// Example transformations:
//   - Before: "panic: runtime error at /app/internal/relay/handler.go:42"
//   - After:  "panic: runtime error at Internal server error"
package sanitize

import (
	"bufio"
	"bytes"
	"encoding/json"
	"mime"
	"net"
	"net/http"
	"regexp"
	"strings"
)

var (
	// stackTracePattern matches common stack trace formats from Go panics and error libraries
	stackTracePattern = regexp.MustCompile(`(?m)^\s*at\s+.*$|^\s*goroutine\s+\d+.*$|^\s*\S+\.go:\d+.*$`)

	// filePathPattern matches absolute file paths (Unix and Windows) with line numbers
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-./]+\.go:\d+)|([A-Z]:\\[a-zA-Z0-9_\-\\./]+\.go:\d+)`)
)

// Config configures the sanitization middleware.
type Config struct {
	// StripStackTraces removes stack trace lines from error responses (default: true)
	StripStackTraces bool

	// StripFilePaths removes file paths and line numbers from error responses (default: true)
	StripFilePaths bool

	// ReplacementMsg is shown when all content is stripped (default: "Internal server error")
	ReplacementMsg string
}

type sanitizeWriter struct {
	http.ResponseWriter
	config       Config
	buf          *bytes.Buffer
	statusCode   int
	wroteHeader  bool
	shouldBuffer bool
}

func (sw *sanitizeWriter) WriteHeader(code int) {
	if sw.wroteHeader {
		return
	}
	sw.statusCode = code
	sw.wroteHeader = true
	sw.shouldBuffer = code >= 400
	if !sw.shouldBuffer {
		sw.ResponseWriter.WriteHeader(code)
	}
}

func (sw *sanitizeWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.WriteHeader(http.StatusOK)
	}

	if !sw.shouldBuffer {
		return sw.ResponseWriter.Write(b)
	}

	return sw.buf.Write(b)
}

func (sw *sanitizeWriter) Flush() {
	if !sw.shouldBuffer {
		if f, ok := sw.ResponseWriter.(http.Flusher); ok {
			f.Flush()
		}
		return
	}

	body := sw.clean(sw.buf.String())

	h := sw.ResponseWriter.Header()
	h.Del("Content-Length")
	if isJSON(h.Get("Content-Type")) && !json.Valid([]byte(body)) {
		body = sw.jsonReplacement()
	}

	sw.ResponseWriter.WriteHeader(sw.statusCode)
	sw.ResponseWriter.Write([]byte(body))
}

func (sw *sanitizeWriter) clean(body string) string {
	if sw.config.StripStackTraces {
		body = stackTracePattern.ReplaceAllString(body, "")
	}

	if sw.config.StripFilePaths {
		body = filePathPattern.ReplaceAllString(body, sw.config.ReplacementMsg)
	}

	body = strings.TrimSpace(body)
	if body == "" && sw.config.ReplacementMsg != "" {
		body = sw.config.ReplacementMsg
	}
	return body
}

func (sw *sanitizeWriter) jsonReplacement() string {
	b, err := json.Marshal(map[string]string{"error": sw.config.ReplacementMsg})
	if err != nil {
		return `{"error":"Internal server error"}`
	}
	return string(b)
}

func (sw *sanitizeWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return sw.ResponseWriter.(http.Hijacker).Hijack()
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/json"
}

// New returns middleware that sanitizes error responses by removing sensitive information.
// Only error responses (4xx/5xx status codes) are processed; success responses pass through
// unchanged. By default both stack traces and file paths are stripped.
//
// Example:
//
//	r.Use(sanitize.New())
//
// With custom settings:
//
//	r.Use(sanitize.New(
//		sanitize.WithStackTraces(false),  // Keep stack traces (dev only!)
//		sanitize.WithReplacementMessage("Service unavailable"),
//	))
func New(opts ...Option) func(http.Handler) http.Handler {
	config := Config{
		StripStackTraces: true,
		StripFilePaths:   true,
		ReplacementMsg:   "Internal server error",
	}

	for _, opt := range opts {
		opt(&config)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &sanitizeWriter{
				ResponseWriter: w,
				config:         config,
				buf:            &bytes.Buffer{},
				statusCode:     http.StatusOK,
			}

			defer sw.Flush()
			next.ServeHTTP(sw, r)
		})
	}
}

// Option configures the sanitization middleware.
type Option func(*Config)

// WithStackTraces controls whether stack traces are stripped (default: true).
// NEVER disable in production.
func WithStackTraces(strip bool) Option {
	return func(c *Config) {
		c.StripStackTraces = strip
	}
}

// WithFilePaths controls whether file paths are stripped (default: true).
// NEVER disable in production.
func WithFilePaths(strip bool) Option {
	return func(c *Config) {
		c.StripFilePaths = strip
	}
}

// WithReplacementMessage sets the message used when sanitization removes all error content.
func WithReplacementMessage(msg string) Option {
	return func(c *Config) {
		c.ReplacementMsg = msg
	}
}
