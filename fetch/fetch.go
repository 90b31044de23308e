// Package fetch retrieves upstream resources through a shared TTL cache.
//
// The cache is read-through: a miss fetches from the origin and, on a 2xx
// response, stores the body for Options.CacheTTL. With Options.ForceCache the
// origin's Cache-Control directives are ignored and the response is cached
// unconditionally. Concurrent misses for the same URL share one origin request.
// There is no invalidation; entries leave the cache only by expiring or eviction.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ammario/tlru"
	"github.com/nhalm/installrelay/metrics"
	"golang.org/x/sync/singleflight"
)

// ErrBodyTooLarge is returned when an upstream body exceeds the configured limit.
var ErrBodyTooLarge = errors.New("fetch: response body too large")

// Options control caching for a single fetch.
type Options struct {
	// CacheTTL is how long a successful response is cached. Zero disables caching.
	CacheTTL time.Duration

	// ForceCache caches the response regardless of the origin's Cache-Control.
	ForceCache bool
}

// Response is a fully read upstream response.
type Response struct {
	StatusCode int
	Status     string
	Body       []byte
	Cached     bool
}

// OK reports whether the status code is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// Fetcher retrieves a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts Options) (*Response, error)
}

// Config configures a Client.
type Config struct {
	// HTTPClient performs origin requests (default: client with Timeout)
	HTTPClient *http.Client

	// Timeout bounds each origin request (default: 30s)
	Timeout time.Duration

	// UserAgent is sent with origin requests (optional)
	UserAgent string

	// MaxBodyBytes limits how much of a body is read (default: 10 MiB)
	MaxBodyBytes int64

	// MaxEntries bounds the number of cached URLs (default: 64)
	MaxEntries int

	// Metrics receives fetch outcomes (optional)
	Metrics *metrics.Metrics
}

// Client is a caching Fetcher. Safe for concurrent use.
type Client struct {
	http      *http.Client
	timeout   time.Duration
	userAgent string
	maxBody   int64
	metrics   *metrics.Metrics

	cache *tlru.Cache[string, *Response]
	group singleflight.Group
}

// NewClient creates a caching Client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 64
	}

	return &Client{
		http:      cfg.HTTPClient,
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		maxBody:   cfg.MaxBodyBytes,
		metrics:   cfg.Metrics,
		cache:     tlru.New[string](tlru.ConstantCost[*Response], cfg.MaxEntries),
	}
}

// Fetch returns the cached response for url if present, otherwise fetches it.
// Non-2xx responses are returned without error and are never cached.
//
// A miss shared by concurrent callers runs detached from any one caller's
// context and is bounded by Config.Timeout. Each caller stops waiting when its
// own ctx ends; the others still receive the result.
func (c *Client) Fetch(ctx context.Context, url string, opts Options) (*Response, error) {
	if opts.CacheTTL > 0 {
		if cached, _, ok := c.cache.Get(url); ok {
			c.metrics.ObserveFetch(metrics.FetchHit, 0)
			hit := *cached
			hit.Cached = true
			return &hit, nil
		}
	}

	start := time.Now()
	ch := c.group.DoChan(url, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		resp, cacheable, err := c.fetch(fetchCtx, url)
		if err != nil {
			return nil, err
		}
		if opts.CacheTTL > 0 && resp.OK() && (opts.ForceCache || cacheable) {
			c.cache.Set(url, resp, opts.CacheTTL)
		}
		return resp, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		c.metrics.ObserveFetch(metrics.FetchError, time.Since(start))
		return nil, fmt.Errorf("fetch %s: %w", url, ctx.Err())
	}
	if res.Err != nil {
		c.metrics.ObserveFetch(metrics.FetchError, time.Since(start))
		return nil, res.Err
	}
	c.metrics.ObserveFetch(metrics.FetchMiss, time.Since(start))

	resp := *res.Val.(*Response)
	return &resp, nil
}

func (c *Client) fetch(ctx context.Context, url string) (*Response, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, c.maxBody+1))
	if err != nil {
		return nil, false, fmt.Errorf("read body from %s: %w", url, err)
	}
	if int64(len(body)) > c.maxBody {
		return nil, false, fmt.Errorf("%w: limit %d bytes", ErrBodyTooLarge, c.maxBody)
	}

	return &Response{
		StatusCode: res.StatusCode,
		Status:     res.Status,
		Body:       body,
	}, cacheable(res.Header.Get("Cache-Control")), nil
}

// cacheable reports whether the origin permits shared caching.
func cacheable(cacheControl string) bool {
	for _, directive := range strings.Split(cacheControl, ",") {
		d := strings.ToLower(strings.TrimSpace(directive))
		if d == "no-store" || d == "private" || d == "no-cache" {
			return false
		}
	}
	return true
}
