// Package countcache memoizes remote count observations. The detection ladder
// re-queries heavily overlapping windows every pass; without this cache a
// seven-slot pass would cost seven remote round trips even when nothing moved.
package countcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"punchsync/internal/punch"
)

// DefaultValidity is how long an observation short-circuits the remote call.
const DefaultValidity = 5 * time.Minute

type entry struct {
	count      int
	observedAt time.Time
}

// Memory is the in-process cache. Entries become misses after the validity
// period and are garbage-collected once older than twice that period.
type Memory struct {
	validity time.Duration
	clock    func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

type MemoryOption func(*Memory)

// WithClock sets the clock function for testability.
func WithClock(clock func() time.Time) MemoryOption {
	return func(m *Memory) { m.clock = clock }
}

func NewMemory(validity time.Duration, opts ...MemoryOption) *Memory {
	if validity <= 0 {
		validity = DefaultValidity
	}
	m := &Memory{
		validity: validity,
		clock:    time.Now,
		entries:  make(map[string]entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Get(_ context.Context, label string, w punch.Window) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key(label, w)]
	if !ok {
		return 0, false
	}
	if m.clock().Sub(e.observedAt) >= m.validity {
		return 0, false
	}
	return e.count, true
}

func (m *Memory) Put(_ context.Context, label string, w punch.Window, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	m.entries[key(label, w)] = entry{count: count, observedAt: now}

	// Sweep entries past twice the validity period; the map stays small (one
	// entry per ladder slot plus a handful of day windows).
	cutoff := now.Add(-2 * m.validity)
	for k, e := range m.entries {
		if e.observedAt.Before(cutoff) {
			delete(m.entries, k)
		}
	}
}

// Len reports live entries, expired ones included until swept.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func key(label string, w punch.Window) string {
	return fmt.Sprintf("%s|%d|%d", label, w.Start.Unix(), w.End.Unix())
}
