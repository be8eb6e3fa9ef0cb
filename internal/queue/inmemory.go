package queue

import (
	"context"
	"sync"

	"github.com/ent0n29/memories/internal/apperr"
)

// InMemoryStore is a process-local queue for tests and ephemeral runs.
type InMemoryStore struct {
	mu    sync.RWMutex
	items map[string]QueuedMemory
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: make(map[string]QueuedMemory)}
}

func (s *InMemoryStore) Enqueue(_ context.Context, item QueuedMemory) error {
	if item.LocalID == "" {
		return apperr.NewInvalidRequest("local_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.LocalID]; ok {
		return apperr.NewDuplicateLocalID(item.LocalID)
	}
	s.items[item.LocalID] = item.Clone()
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, localID string) (QueuedMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[localID]
	if !ok {
		return QueuedMemory{}, apperr.NewNotFound("queued memory", localID)
	}
	return item.Clone(), nil
}

func (s *InMemoryStore) GetByStatus(_ context.Context, status Status) ([]QueuedMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]QueuedMemory, 0)
	for _, item := range s.items {
		if item.Status == status {
			out = append(out, item.Clone())
		}
	}
	sortOldestFirst(out)
	return out, nil
}

func (s *InMemoryStore) List(_ context.Context) ([]QueuedMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]QueuedMemory, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item.Clone())
	}
	sortOldestFirst(out)
	return out, nil
}

func (s *InMemoryStore) Update(_ context.Context, item QueuedMemory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.LocalID]; !ok {
		return apperr.NewNotFound("queued memory", item.LocalID)
	}
	s.items[item.LocalID] = item.Clone()
	return nil
}

func (s *InMemoryStore) Remove(_ context.Context, localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, localID)
	return nil
}

func (s *InMemoryStore) RecoverInterrupted(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, item := range s.items {
		if item.Status == StatusSyncing {
			item.Status = StatusQueued
			s.items[id] = item
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Close() error { return nil }
