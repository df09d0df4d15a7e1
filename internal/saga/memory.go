package saga

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]Job)}
}

func (s *MemoryStore) Get(_ context.Context, correlationID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[correlationID]
	if !ok {
		return nil, ErrNotFound
	}
	return &job, nil
}

func (s *MemoryStore) Update(_ context.Context, correlationID string, fn func(cur *Job) (*Job, error)) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur *Job
	if job, ok := s.jobs[correlationID]; ok {
		cur = &job
	}
	next, err := fn(cur)
	if err != nil || next == nil {
		return cur, err
	}
	stored := *next
	stored.Version++
	s.jobs[correlationID] = stored
	return &stored, nil
}
