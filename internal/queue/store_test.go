package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/memories/internal/apperr"
	"github.com/ent0n29/memories/internal/capture"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory": NewInMemoryStore(),
		"sqlite": sqlite,
	}
}

func newItem(id string, created time.Time) QueuedMemory {
	return QueuedMemory{
		Version:    CurrentVersion,
		LocalID:    id,
		MemoryType: capture.MemoryTypeMoment,
		InputText:  ptr("text " + id),
		Status:     StatusQueued,
		CreatedAt:  created,
		CapturedAt: created,
	}
}

func TestStoreContract(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

			require.NoError(t, store.Enqueue(ctx, newItem("c", base.Add(3*time.Second))))
			require.NoError(t, store.Enqueue(ctx, newItem("a", base.Add(1*time.Second))))
			require.NoError(t, store.Enqueue(ctx, newItem("b", base.Add(2*time.Second))))

			err := store.Enqueue(ctx, newItem("a", base))
			require.True(t, apperr.Is(err, apperr.CodeDuplicateLocalID), "got %v", err)

			queued, err := store.GetByStatus(ctx, StatusQueued)
			require.NoError(t, err)
			require.Len(t, queued, 3)
			assert.Equal(t, []string{"a", "b", "c"}, ids(queued))

			b, err := store.Get(ctx, "b")
			require.NoError(t, err)
			b.Status = StatusFailed
			b.RetryCount = 1
			b.ErrorMessage = ptr("boom")
			require.NoError(t, store.Update(ctx, b))

			failed, err := store.GetByStatus(ctx, StatusFailed)
			require.NoError(t, err)
			require.Len(t, failed, 1)
			assert.Equal(t, 1, failed[0].RetryCount)
			assert.Equal(t, "boom", *failed[0].ErrorMessage)

			missing := newItem("zzz", base)
			require.True(t, apperr.Is(store.Update(ctx, missing), apperr.CodeNotFound))

			require.NoError(t, store.Remove(ctx, "a"))
			require.NoError(t, store.Remove(ctx, "a"), "remove of absent item is a no-op")
			_, err = store.Get(ctx, "a")
			require.True(t, apperr.Is(err, apperr.CodeNotFound))

			all, err := store.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"b", "c"}, ids(all))
		})
	}
}

func TestStoreRecoverInterrupted(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			item := newItem("stuck", time.Now().UTC())
			item.Status = StatusSyncing
			require.NoError(t, store.Enqueue(ctx, item))
			require.NoError(t, store.Enqueue(ctx, newItem("fine", time.Now().UTC())))

			n, err := store.RecoverInterrupted(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			got, err := store.Get(ctx, "stuck")
			require.NoError(t, err)
			assert.Equal(t, StatusQueued, got.Status)
		})
	}
}

func TestStoreConcurrentWritersAndReaders(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(2)
				go func(i int) {
					defer wg.Done()
					assert.NoError(t, store.Enqueue(ctx, newItem(fmt.Sprintf("item-%02d", i), time.Now().UTC())))
				}(i)
				go func() {
					defer wg.Done()
					_, err := store.GetByStatus(ctx, StatusQueued)
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			all, err := store.List(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 20)
		})
	}
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "queue.db")
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	full := fullItem()
	require.NoError(t, store.Enqueue(context.Background(), full))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Get(context.Background(), full.LocalID)
	require.NoError(t, err)
	assert.Equal(t, full, got)
}

func TestSQLiteStoreSkipsUnreadableRows(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Enqueue(ctx, newItem("good", base.Add(time.Second))))
	stuck := newItem("stuck", base.Add(2*time.Second))
	stuck.Status = StatusSyncing
	require.NoError(t, store.Enqueue(ctx, stuck))

	for _, row := range []struct{ id, status string }{{"old", "queued"}, {"old-syncing", "syncing"}} {
		_, err := store.db.ExecContext(ctx, `
INSERT INTO queued_memories(local_id, status, created_at_ms, payload_json)
VALUES (?, ?, ?, ?)`, row.id, row.status, base.UnixMilli(), `{"local_id":"`+row.id+`","retry_count":"x"}`)
		require.NoError(t, err)
	}

	queued, err := store.GetByStatus(ctx, StatusQueued)
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, ids(queued))

	recovered, err := store.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"good", "stuck"}, ids(all))
}

func ids(items []QueuedMemory) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.LocalID)
	}
	return out
}
