package storage

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/metrics"
)

// Memory is an in-process snapshot store backed by a 2Q cache
type Memory struct {
	cache      *lru.TwoQueueCache
	expiration time.Duration
	closed     atomic.Bool
	metrics    *metrics.Metrics
}

// cacheItem is a snapshot with its expiry; zero expiration never expires
type cacheItem struct {
	value      []byte
	expiration time.Time
}

// NewMemory creates a memory store holding up to capacity snapshots
func NewMemory(capacity int, expiration time.Duration) (*Memory, error) {
	if capacity <= 0 {
		capacity = DefaultConfig().Capacity
	}

	cache, err := lru.New2Q(capacity)
	if err != nil {
		return nil, err
	}

	return &Memory{
		cache:      cache,
		expiration: expiration,
		metrics:    metrics.GetMetrics(),
	}, nil
}

// Get implements Store
func (m *Memory) Get(key string) ([]byte, bool, error) {
	if m.closed.Load() {
		return nil, false, ErrClosed
	}

	value, found := m.cache.Get(key)
	if !found {
		m.metrics.StorageOperations.WithLabelValues("memory_get", "miss").Inc()
		return nil, false, nil
	}

	item := value.(cacheItem)
	if !item.expiration.IsZero() && time.Now().After(item.expiration) {
		m.cache.Remove(key)
		m.metrics.StorageOperations.WithLabelValues("memory_get", "expired").Inc()
		return nil, false, nil
	}

	m.metrics.StorageOperations.WithLabelValues("memory_get", "hit").Inc()
	return append([]byte(nil), item.value...), true, nil
}

// Put implements Store
func (m *Memory) Put(key string, value []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}

	item := cacheItem{value: append([]byte(nil), value...)}
	if m.expiration > 0 {
		item.expiration = time.Now().Add(m.expiration)
	}
	m.cache.Add(key, item)
	m.metrics.StorageOperations.WithLabelValues("memory_put", "ok").Inc()
	return nil
}

// Delete implements Store
func (m *Memory) Delete(key string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.cache.Remove(key)
	m.metrics.StorageOperations.WithLabelValues("memory_delete", "ok").Inc()
	return nil
}

// Len returns the number of snapshots held, expired ones included
func (m *Memory) Len() int {
	return m.cache.Len()
}

// Close implements Store
func (m *Memory) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.cache.Purge()
	return nil
}
