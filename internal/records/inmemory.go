package records

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps records in-process for local/dev use and tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	memories map[string]*MemoryRecord
	byLocal  map[string]string // userID + "\x00" + localID -> memory id
	jobs     map[string]*ProcessingJob
	now      func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		memories: make(map[string]*MemoryRecord),
		byLocal:  make(map[string]string),
		jobs:     make(map[string]*ProcessingJob),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func localKey(userID, localID string) string {
	return userID + "\x00" + localID
}

func (s *InMemoryStore) CreateMemory(_ context.Context, rec MemoryRecord, scheduleJob bool) (MemoryRecord, bool, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(rec.LocalID) != "" {
		if id, ok := s.byLocal[localKey(rec.UserID, rec.LocalID)]; ok {
			return s.memories[id].Clone(), false, nil
		}
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	stored := rec.Clone()
	s.memories[rec.ID] = &stored
	if rec.LocalID != "" {
		s.byLocal[localKey(rec.UserID, rec.LocalID)] = rec.ID
	}
	if scheduleJob {
		job := &ProcessingJob{
			ID:        uuid.NewString(),
			MemoryID:  rec.ID,
			State:     JobScheduled,
			Metadata:  map[string]any{MetaMemoryType: string(rec.MemoryType)},
			CreatedAt: now,
		}
		s.jobs[job.ID] = job
	}
	return stored.Clone(), true, nil
}

func (s *InMemoryStore) GetMemory(_ context.Context, id string) (MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.memories[id]
	if !ok {
		return MemoryRecord{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *InMemoryStore) GetMemoryByLocalID(_ context.Context, userID, localID string) (MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byLocal[localKey(userID, localID)]
	if !ok {
		return MemoryRecord{}, ErrNotFound
	}
	return s.memories[id].Clone(), nil
}

func (s *InMemoryStore) DeleteMemory(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.memories[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byLocal, localKey(rec.UserID, rec.LocalID))
	delete(s.memories, id)
	for jobID, job := range s.jobs {
		if job.MemoryID == id {
			delete(s.jobs, jobID)
		}
	}
	return nil
}

func (s *InMemoryStore) UpdateTitle(_ context.Context, id, title string) (MemoryRecord, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.memories[id]
	if !ok {
		return MemoryRecord{}, ErrNotFound
	}
	rec.Title = title
	rec.TitleEditedAt = &now
	return rec.Clone(), nil
}

func (s *InMemoryStore) ApplyProcessing(_ context.Context, id string, out ProcessingOutput, at time.Time) (MemoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.memories[id]
	if !ok {
		return MemoryRecord{}, ErrNotFound
	}
	if text := strings.TrimSpace(out.ProcessedText); text != "" {
		rec.ProcessedText = &text
	}
	if title := strings.TrimSpace(out.Title); title != "" {
		rec.GeneratedTitle = &title
		stamp := at.UTC()
		rec.TitleGeneratedAt = &stamp
		if rec.TitleEditedAt == nil {
			rec.Title = title
		}
	}
	return rec.Clone(), nil
}

func (s *InMemoryStore) ClaimScheduledJobs(_ context.Context, limit int, lease time.Duration) ([]ProcessingJob, error) {
	if limit <= 0 {
		limit = 20
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]*ProcessingJob, 0)
	for _, job := range s.jobs {
		if job.State != JobScheduled {
			continue
		}
		if job.DispatchedAt != nil && job.DispatchedAt.After(now.Add(-lease)) {
			continue
		}
		candidates = append(candidates, job)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]ProcessingJob, 0, len(candidates))
	for _, job := range candidates {
		stamp := now
		job.Attempts++
		job.DispatchedAt = &stamp
		out = append(out, job.Clone())
	}
	return out, nil
}

func (s *InMemoryStore) GetJob(_ context.Context, id string) (ProcessingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return ProcessingJob{}, ErrNotFound
	}
	return job.Clone(), nil
}

func (s *InMemoryStore) ActiveJobForMemory(_ context.Context, memoryID string) (ProcessingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, job := range s.jobs {
		if job.MemoryID == memoryID && !job.State.Terminal() {
			return job.Clone(), nil
		}
	}
	return ProcessingJob{}, ErrNotFound
}

func (s *InMemoryStore) ListJobsForMemory(_ context.Context, memoryID string) ([]ProcessingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ProcessingJob, 0)
	for _, job := range s.jobs {
		if job.MemoryID == memoryID {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) MarkJobProcessing(_ context.Context, id string) (ProcessingJob, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ProcessingJob{}, ErrNotFound
	}
	if job.State != JobScheduled {
		return ProcessingJob{}, ErrInvalidJobState
	}
	job.State = JobProcessing
	job.StartedAt = &now
	return job.Clone(), nil
}

func (s *InMemoryStore) CompleteJob(_ context.Context, id string, meta map[string]any) error {
	return s.finishJob(id, JobComplete, "", meta)
}

func (s *InMemoryStore) FailJob(_ context.Context, id, reason string, meta map[string]any) error {
	return s.finishJob(id, JobFailed, reason, meta)
}

func (s *InMemoryStore) finishJob(id string, state JobState, reason string, meta map[string]any) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.State.Terminal() {
		return ErrInvalidJobState
	}
	job.State = state
	job.CompletedAt = &now
	job.Metadata = mergeMetadata(job.Metadata, meta)
	if reason != "" {
		job.LastError = reason
		job.Metadata[MetaFailureReason] = reason
	}
	return nil
}

func (s *InMemoryStore) ReleaseJob(_ context.Context, id, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.State.Terminal() {
		return ErrInvalidJobState
	}
	job.State = JobScheduled
	job.DispatchedAt = nil
	job.LastError = lastError
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
