package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type entry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// Memory is an in-process Cache. Expiry is evaluated lazily against an
// injectable clock.
type Memory struct {
	mu   sync.Mutex
	data map[string]entry
	now  func() time.Time
}

// NewMemory returns an empty cache on the wall clock
func NewMemory() *Memory {
	return &Memory{data: make(map[string]entry), now: time.Now}
}

// SetClock replaces the clock, for tests that advance time
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// live returns the entry at key if it has not expired
func (m *Memory) live(key string) (entry, bool) {
	e, ok := m.data[key]
	if !ok {
		return entry{}, false
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.data, key)
		return entry{}, false
	}
	return e, true
}

func (m *Memory) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	if e, ok := m.live(key); ok {
		v, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, err
		}
		n = v
	}
	n++
	m.data[key] = entry{value: []byte(strconv.FormatInt(n, 10)), expires: m.deadline(ttl)}
	return n, nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return nil, ErrMiss
	}
	return append([]byte(nil), e.value...), nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = entry{value: append([]byte(nil), value...), expires: m.deadline(ttl)}
	return nil
}

func (m *Memory) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.data[key] = entry{value: append([]byte(nil), value...), expires: m.deadline(ttl)}
	return true, nil
}

func (m *Memory) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Keys returns the live keys, for tests and debugging
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.data))
	for k := range m.data {
		if _, ok := m.live(k); ok {
			out = append(out, k)
		}
	}
	return out
}

var _ Cache = (*Memory)(nil)
