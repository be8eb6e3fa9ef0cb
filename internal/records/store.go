package records

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrInvalidJobState = errors.New("invalid job state")
)

// Store persists memories and their processing jobs.
type Store interface {
	// CreateMemory inserts rec and, when scheduleJob is set, a scheduled
	// processing job, atomically. If (UserID, LocalID) already exists the
	// existing record is returned with created=false.
	CreateMemory(ctx context.Context, rec MemoryRecord, scheduleJob bool) (MemoryRecord, bool, error)
	GetMemory(ctx context.Context, id string) (MemoryRecord, error)
	GetMemoryByLocalID(ctx context.Context, userID, localID string) (MemoryRecord, error)
	DeleteMemory(ctx context.Context, id string) error
	// UpdateTitle is a manual edit; it marks the title as user-owned.
	UpdateTitle(ctx context.Context, id, title string) (MemoryRecord, error)
	// ApplyProcessing writes processor output. Title is only replaced when
	// the user never edited it.
	ApplyProcessing(ctx context.Context, id string, out ProcessingOutput, at time.Time) (MemoryRecord, error)

	// ClaimScheduledJobs claims up to limit scheduled jobs whose previous
	// dispatch is older than lease, incrementing Attempts and stamping
	// DispatchedAt. Concurrent callers never claim the same job.
	ClaimScheduledJobs(ctx context.Context, limit int, lease time.Duration) ([]ProcessingJob, error)
	GetJob(ctx context.Context, id string) (ProcessingJob, error)
	ActiveJobForMemory(ctx context.Context, memoryID string) (ProcessingJob, error)
	ListJobsForMemory(ctx context.Context, memoryID string) ([]ProcessingJob, error)
	// MarkJobProcessing moves a scheduled job to processing.
	MarkJobProcessing(ctx context.Context, id string) (ProcessingJob, error)
	CompleteJob(ctx context.Context, id string, meta map[string]any) error
	FailJob(ctx context.Context, id, reason string, meta map[string]any) error
	// ReleaseJob returns a non-terminal job to scheduled so the next
	// dispatch can pick it up again.
	ReleaseJob(ctx context.Context, id, lastError string) error
	Close() error
}
