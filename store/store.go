// Package store provides key-value backends for usage counters.
//
// Values are opaque strings. The counter package serializes integers as decimal
// text and performs its own read-modify-write, so backends only need Get and Put.
// Three backends are available:
//
//   - Memory: in-process map, for development and tests
//   - Redis: shared store for multi-instance deployments
//   - SQLite: single-node persistence without an external service
//
// Use Open to construct the backend named in configuration:
//
//	st, err := store.Open(ctx, store.Config{Backend: store.BackendRedis, Redis: store.RedisConfig{URL: "localhost:6379"}})
//	if err != nil {
//		return err
//	}
//	defer st.Close()
package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a store after Close.
var ErrClosed = errors.New("store: closed")

// Store defines the key-value capability used by counters.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value for key. found is false when the key does not exist;
	// a missing key is not an error.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// Put writes value for key, replacing any previous value.
	Put(ctx context.Context, key, value string) error

	// Close releases any resources held by the store.
	Close() error
}

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Backend names a store implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
	BackendSQLite Backend = "sqlite"
)

// Config selects and configures a backend.
type Config struct {
	Backend Backend
	Redis   RedisConfig
	SQLite  SQLiteConfig
}

// Open constructs the backend selected by cfg.Backend. An empty backend means memory.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendRedis:
		st, err := NewRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return st, nil
	case BackendSQLite:
		st, err := NewSQLite(ctx, cfg.SQLite)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
