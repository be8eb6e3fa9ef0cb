package queue

import (
	"context"
	"sort"
)

// Store persists queued memories across restarts. Implementations
// serialize writes; reads may run concurrently with them.
type Store interface {
	Enqueue(ctx context.Context, item QueuedMemory) error
	Get(ctx context.Context, localID string) (QueuedMemory, error)
	GetByStatus(ctx context.Context, status Status) ([]QueuedMemory, error)
	List(ctx context.Context) ([]QueuedMemory, error)
	Update(ctx context.Context, item QueuedMemory) error
	Remove(ctx context.Context, localID string) error
	// RecoverInterrupted moves items stuck in syncing back to queued and
	// returns how many were moved.
	RecoverInterrupted(ctx context.Context) (int, error)
	Close() error
}

// sortOldestFirst orders by creation time, ties broken by LocalID.
func sortOldestFirst(items []QueuedMemory) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].LocalID < items[j].LocalID
	})
}
