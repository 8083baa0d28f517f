package cache

import (
	"context"
	"sync"
	"time"
)

type memoryItem struct {
	value      []byte
	expiration int64
}

// Memory is a mutex-guarded map cache with time-to-live expiration. A
// janitor goroutine sweeps expired items so short-lived keys do not pin
// memory between reads.
type Memory struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	ttl   time.Duration

	stop chan struct{}
	once sync.Once
}

// NewMemory builds a memory cache and starts its janitor.
func NewMemory(defaultTTL, cleanupInterval time.Duration) *Memory {
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Minute
	}
	if cleanupInterval <= 0 {
		cleanupInterval = janitorInterval
	}
	m := &Memory{
		items: make(map[string]memoryItem),
		ttl:   defaultTTL,
		stop:  make(chan struct{}),
	}
	go m.janitor(cleanupInterval)
	return m
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[key]
	if !ok || time.Now().UnixNano() > it.expiration {
		return nil, false, nil
	}
	return it.value, true, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.ttl
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memoryItem{
		value:      append([]byte(nil), value...),
		expiration: time.Now().Add(ttl).UnixNano(),
	}
	return nil
}

func (m *Memory) Kind() string { return "memory" }

// Close stops the janitor. Idempotent.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}

func (m *Memory) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

func (m *Memory) sweep() int {
	now := time.Now().UnixNano()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, it := range m.items {
		if now > it.expiration {
			delete(m.items, k)
			removed++
		}
	}
	return removed
}

func (m *Memory) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
