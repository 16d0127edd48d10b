// Package cache provides the snapshot cache in front of gateway lookups.
// Remote subscription state changes rarely outside this library's own
// mutations, so reads are served from cache with a short TTL and every
// mutation invalidates the entry and refills it with the fresh snapshot.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache is a byte-value cache with TTL semantics. Implementations must be
// safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

// Loader fetches the value on a cache miss.
type Loader func(ctx context.Context) ([]byte, error)

// ReadThrough deduplicates concurrent loads per key: when many callers miss
// on the same key at once, only one load runs and all of them share its
// result.
type ReadThrough struct {
	cache Cache
	ttl   time.Duration
	group singleflight.Group
}

// NewReadThrough wraps a cache with load deduplication.
func NewReadThrough(c Cache, ttl time.Duration) *ReadThrough {
	return &ReadThrough{cache: c, ttl: ttl}
}

// Get returns the cached value for key, loading and storing it on a miss.
// Cache backend failures degrade to a direct load rather than an error.
func (r *ReadThrough) Get(ctx context.Context, key string, load Loader) ([]byte, error) {
	if value, ok, err := r.cache.Get(ctx, key); err == nil && ok {
		return value, nil
	}
	v, err, _ := r.group.Do(key, func() (any, error) {
		value, err := load(ctx)
		if err != nil {
			return nil, err
		}
		// A failed store only costs a reload later.
		_ = r.cache.Set(ctx, key, value, r.ttl)
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Invalidate drops the cached value for key.
func (r *ReadThrough) Invalidate(ctx context.Context, key string) error {
	return r.cache.Invalidate(ctx, key)
}

// Refresh replaces the cached value for key, restarting its TTL. Mutations
// use it to refill the entry with fresh state instead of leaving a hole
// until the next read.
func (r *ReadThrough) Refresh(ctx context.Context, key string, value []byte) error {
	return r.cache.Set(ctx, key, value, r.ttl)
}

// memoryEntry is a value with its expiry.
type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process Cache. Expired entries are dropped lazily on read.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	nowFn   func() time.Time
}

// NewMemory creates an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		nowFn:   time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if m.nowFn().After(entry.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	m.entries[key] = memoryEntry{value: value, expiresAt: m.nowFn().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Invalidate(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}
