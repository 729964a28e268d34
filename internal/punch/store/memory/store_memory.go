package memory

import (
	"context"
	"sync"
	"time"

	"punchsync/internal/punch"
)

// Store is an in-memory punch store keyed by remote record id. Used in tests
// and single-node development; production deployments use the postgres or
// sqlite store.
type Store struct {
	mu      sync.RWMutex
	records map[string]punch.Record
}

func New() *Store {
	return &Store{records: make(map[string]punch.Record)}
}

func (s *Store) Count(_ context.Context, w punch.Window) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, r := range s.records {
		if w.Contains(r.PunchedAt) {
			count++
		}
	}
	return count, nil
}

func (s *Store) Upsert(_ context.Context, records []punch.Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	written := 0
	for _, r := range records {
		if r.RemoteID == "" {
			continue
		}
		if _, exists := s.records[r.RemoteID]; !exists {
			written++
		}
		s.records[r.RemoteID] = r
	}
	return written, nil
}

func (s *Store) LastPunchTime(_ context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last time.Time
	for _, r := range s.records {
		if r.PunchedAt.After(last) {
			last = r.PunchedAt
		}
	}
	return last, nil
}

// Len reports the total number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
