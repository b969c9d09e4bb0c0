package cache

import (
	"context"
	"sync"
	"time"
)

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

type valueEntry struct {
	value     string
	expiresAt time.Time
}

// Memory is the in-process fallback tier for local and single-instance
// deployments where Redis is not configured. State is lost on restart,
// which only delays blocking by one detection window.
type Memory struct {
	mu       sync.Mutex
	counters map[string]*counterEntry
	values   map[string]*valueEntry
}

// NewMemory creates an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{
		counters: make(map[string]*counterEntry),
		values:   make(map[string]*valueEntry),
	}
}

// Increment adds one under the mutex. The expiry is fixed at the first
// increment of the window; a later event that lands after expiry restarts
// the window from scratch.
func (m *Memory) Increment(_ context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepLocked()

	entry, ok := m.counters[key]
	if !ok || time.Now().After(entry.expiresAt) {
		entry = &counterEntry{expiresAt: time.Now().Add(window)}
		m.counters[key] = entry
	}
	entry.count++
	return entry.count, nil
}

// GetInt64 reads a counter; absent or expired keys read as zero.
func (m *Memory) GetInt64(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.counters[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return 0, nil
	}
	return entry.count, nil
}

// Get reads a string blob, returning ErrMiss when absent or expired.
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.values[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return "", ErrMiss
	}
	return entry.value, nil
}

// Set writes a string blob with a TTL.
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepLocked()

	m.values[key] = &valueEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Delete removes a key from both counter and value space.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.counters, key)
	delete(m.values, key)
	return nil
}

// Sweep drops every expired entry. Called from the scheduled cleanup job;
// correctness never depends on it because reads check expiry themselves.
func (m *Memory) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepLocked()
}

func (m *Memory) sweepLocked() {
	now := time.Now()
	for key, entry := range m.counters {
		if now.After(entry.expiresAt) {
			delete(m.counters, key)
		}
	}
	for key, entry := range m.values {
		if now.After(entry.expiresAt) {
			delete(m.values, key)
		}
	}
}
