package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/spiderfoot/fabric/pkg/types"
)

// MemoryStore keeps reports in a map. The zero dependency default and the
// backing for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	reports map[string]*types.Report
}

// NewMemory builds an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{reports: make(map[string]*types.Report)}
}

// Save upserts a report.
func (s *MemoryStore) Save(_ context.Context, r *types.Report) error {
	stamp(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[r.ID] = r.Clone()
	return nil
}

// Get returns a snapshot of a report.
func (s *MemoryStore) Get(_ context.Context, id string) (*types.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.Clone(), nil
}

// Update overwrites an existing report, preserving its creation time.
func (s *MemoryStore) Update(_ context.Context, r *types.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.reports[r.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, r.ID)
	}
	r.CreatedAt = existing.CreatedAt
	stamp(r)
	s.reports[r.ID] = r.Clone()
	return nil
}

// Delete removes a report.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.reports, id)
	return nil
}

// List returns matching reports newest-first.
func (s *MemoryStore) List(_ context.Context, f Filter) ([]*types.Report, error) {
	s.mu.RLock()
	out := make([]*types.Report, 0, len(s.reports))
	for _, r := range s.reports {
		if f.matches(r) {
			out = append(out, r.Clone())
		}
	}
	s.mu.RUnlock()
	return sortAndPage(out, f), nil
}

// Count returns how many reports match, ignoring limit and offset.
func (s *MemoryStore) Count(_ context.Context, f Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.reports {
		if f.matches(r) {
			n++
		}
	}
	return n, nil
}

// CleanupOld removes reports older than maxAgeDays.
func (s *MemoryStore) CleanupOld(_ context.Context, maxAgeDays int) (int, error) {
	if maxAgeDays <= 0 {
		return 0, nil
	}
	oldest := cutoff(maxAgeDays)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, r := range s.reports {
		if r.CreatedAt.Before(oldest) {
			delete(s.reports, id)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
