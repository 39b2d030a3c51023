package cache

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	payload []byte
	expires time.Time
}

// Memory is an in-process Backend. It is safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	nowFunc func() time.Time
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memEntry), nowFunc: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || expired(m.nowFunc(), e.expires) {
		return nil, false, nil
	}
	return slices.Clone(e.payload), true, nil
}

func (m *Memory) Set(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{payload: slices.Clone(payload), expires: expiresAt(m.nowFunc(), ttl)}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	now := m.nowFunc()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k, e := range m.entries {
		if strings.HasPrefix(k, prefix) && !expired(now, e.expires) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (m *Memory) DeleteExpired(_ context.Context) (int, error) {
	now := m.nowFunc()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if expired(now, e.expires) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}
