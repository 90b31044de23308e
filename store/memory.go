package store

import (
	"context"
	"sync"
)

// Memory is an in-memory implementation of Store using a map with mutex protection.
//
// WARNING: Counters kept in Memory are lost on restart and are not shared between
// instances. Each replica counts only the requests it served.
//
// Use Memory only for:
//   - Local development and testing
//   - Single-instance deployments where losing counts on restart is acceptable
//
// For anything else, use the Redis or SQLite store.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]string
	closed  bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]string),
	}
}

// Get returns the stored value for key.
//
// Note: The context parameter is accepted for interface compatibility but is not used.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return "", false, ErrClosed
	}

	value, ok := m.entries[key]
	return value, ok, nil
}

// Put stores value under key.
func (m *Memory) Put(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	m.entries[key] = value
	return nil
}

// Ping reports ErrClosed once the store has been closed.
func (m *Memory) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	return nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close drops all entries. Subsequent operations return ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.entries = nil
	return nil
}
