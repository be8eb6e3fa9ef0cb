package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/memories/internal/apperr"
	"github.com/ent0n29/memories/internal/capture"
	"github.com/ent0n29/memories/internal/protocol"
	"github.com/ent0n29/memories/internal/queue"
)

type fakeSaver struct {
	mu    sync.Mutex
	calls []string
	// fail maps a local id to the error its saves return.
	fail  map[string]error
	block chan struct{}
	next  atomic.Int64
}

func (f *fakeSaver) Save(ctx context.Context, item queue.QueuedMemory) (protocol.SaveResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, item.LocalID)
	err := f.fail[item.LocalID]
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return protocol.SaveResponse{}, ctx.Err()
		}
	}
	if err != nil {
		return protocol.SaveResponse{}, err
	}
	return protocol.SaveResponse{MemoryID: "srv-" + item.LocalID}, nil
}

func (f *fakeSaver) setFail(localID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail == nil {
		f.fail = map[string]error{}
	}
	if err == nil {
		delete(f.fail, localID)
		return
	}
	f.fail[localID] = err
}

func (f *fakeSaver) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type harness struct {
	engine *Engine
	store  *queue.InMemoryStore
	saver  *fakeSaver
	online atomic.Bool
	clock  time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store: queue.NewInMemoryStore(),
		saver: &fakeSaver{},
		clock: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC),
	}
	h.online.Store(true)
	h.engine = NewEngine(h.store, h.saver, ProbeFunc(func(context.Context) bool { return h.online.Load() }), cfg, nil)
	h.engine.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) enqueue(t *testing.T, localID, text string, createdOffset time.Duration) {
	t.Helper()
	d := capture.Draft{MemoryType: capture.MemoryTypeMoment, InputText: text, CapturedAt: h.clock}
	item := queue.FromDraft(localID, "user-1", d, h.clock.Add(createdOffset))
	require.NoError(t, h.store.Enqueue(context.Background(), item))
}

func TestSyncOnceOfflineIsSilent(t *testing.T) {
	h := newHarness(t, Config{})
	h.enqueue(t, "a", "hello", 0)
	h.online.Store(false)

	summary, err := h.engine.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Offline)
	assert.Zero(t, summary.Attempted)
	assert.Empty(t, h.saver.Calls())

	item, err := h.store.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, item.Status)
}

func TestSyncOncePreservesCreationOrder(t *testing.T) {
	h := newHarness(t, Config{})
	h.enqueue(t, "z-third", "3", 3*time.Second)
	h.enqueue(t, "y-first", "1", 1*time.Second)
	h.enqueue(t, "x-second", "2", 2*time.Second)

	summary, err := h.engine.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PassSummary{Attempted: 3, Completed: 3}, summary)
	assert.Equal(t, []string{"y-first", "x-second", "z-third"}, h.saver.Calls())

	left, err := h.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestSyncOnceIsolatesFailures(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 3})
	h.enqueue(t, "a", "1", 1*time.Second)
	h.enqueue(t, "b", "2", 2*time.Second)
	h.enqueue(t, "c", "3", 3*time.Second)
	h.saver.setFail("b", apperr.NewNetwork("reset", nil))

	events, cancel := h.engine.Subscribe()
	defer cancel()

	summary, err := h.engine.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PassSummary{Attempted: 3, Completed: 2, Failed: 1}, summary)

	b, err := h.store.Get(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, b.Status)
	assert.Equal(t, 1, b.RetryCount)
	assert.Equal(t, apperr.CodeNetwork, b.ErrorCode)
	require.NotNil(t, b.ErrorMessage)

	var completed, failed int
	for i := 0; i < 3; i++ {
		evt := <-events
		switch evt.Type {
		case EventCompleted:
			completed++
			assert.Equal(t, "srv-"+evt.LocalID, evt.ServerMemoryID)
			assert.Equal(t, capture.MemoryTypeMoment, evt.MemoryType)
		case EventFailed:
			failed++
			assert.False(t, evt.Permanent)
		}
	}
	assert.Equal(t, 2, completed)
	assert.Equal(t, 1, failed)
}

func TestSyncRetryCapStopsAutomaticRetries(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 3})
	h.enqueue(t, "a", "hello", 0)
	h.saver.setFail("a", apperr.NewSave("boom", nil))

	for i := 0; i < 6; i++ {
		_, err := h.engine.SyncOnce(context.Background())
		require.NoError(t, err)
	}
	assert.Len(t, h.saver.Calls(), 3)

	item, err := h.store.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, item.Status)
	assert.Equal(t, 3, item.RetryCount)
}

func TestSyncHonorsBackoff(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 5, BackoffBase: time.Minute, BackoffCap: time.Hour})
	h.enqueue(t, "a", "hello", 0)
	h.saver.setFail("a", apperr.NewNetwork("timeout", nil))

	_, err := h.engine.SyncOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, h.saver.Calls(), 1)

	// RetryCount is 1 now, so the next attempt waits base*2.
	h.clock = h.clock.Add(time.Minute)
	_, err = h.engine.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.saver.Calls(), 1)

	h.clock = h.clock.Add(time.Minute)
	h.saver.setFail("a", nil)
	summary, err := h.engine.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed)
	assert.Len(t, h.saver.Calls(), 2)
}

func TestSyncFatalErrorWaitsForUser(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 5})
	h.enqueue(t, "a", "hello", 0)
	h.saver.setFail("a", apperr.NewStorageQuota("full"))

	events, cancel := h.engine.Subscribe()
	defer cancel()

	_, err := h.engine.SyncOnce(context.Background())
	require.NoError(t, err)
	evt := <-events
	assert.Equal(t, EventFailed, evt.Type)
	assert.True(t, evt.Permanent)
	assert.Equal(t, apperr.CodeStorageQuota, evt.Code)

	h.clock = h.clock.Add(24 * time.Hour)
	_, err = h.engine.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.saver.Calls(), 1, "fatal failures are never retried automatically")

	h.saver.setFail("a", nil)
	require.NoError(t, h.engine.Retry(context.Background(), "a"))
	item, err := h.store.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, item.Status)
	assert.Zero(t, item.RetryCount)

	summary, err := h.engine.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed)
}

func TestSyncOfflineErrorStopsPassWithoutConsumingAttempt(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 2})
	h.enqueue(t, "a", "1", 1*time.Second)
	h.enqueue(t, "b", "2", 2*time.Second)
	h.saver.setFail("a", apperr.NewOffline(errors.New("connection refused")))

	summary, err := h.engine.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Offline)
	assert.Equal(t, []string{"a"}, h.saver.Calls())

	a, err := h.store.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, a.Status)
	assert.Zero(t, a.RetryCount)
}

func TestSyncResumesStaleSyncingItems(t *testing.T) {
	h := newHarness(t, Config{})
	h.enqueue(t, "a", "hello", 0)
	item, err := h.store.Get(context.Background(), "a")
	require.NoError(t, err)
	item.Status = queue.StatusSyncing
	require.NoError(t, h.store.Update(context.Background(), item))

	summary, err := h.engine.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed)
}

func TestSyncAbandonedPassLeavesItemResumable(t *testing.T) {
	h := newHarness(t, Config{})
	h.enqueue(t, "a", "hello", 0)
	h.saver.block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.engine.SyncOnce(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return len(h.saver.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	_, err := h.engine.SyncOnce(context.Background())
	require.ErrorIs(t, err, ErrPassInProgress)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	item, err := h.store.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusSyncing, item.Status)
	assert.Zero(t, item.RetryCount)

	h.saver.mu.Lock()
	h.saver.block = nil
	h.saver.mu.Unlock()
	summary, err := h.engine.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed)
}

func TestOfflineCaptureSyncsAfterReconnect(t *testing.T) {
	h := newHarness(t, Config{})
	h.online.Store(false)
	events, cancel := h.engine.Subscribe()
	defer cancel()

	res, err := h.engine.Submit(context.Background(), "user-1", capture.Draft{MemoryType: capture.MemoryTypeMoment, InputText: "hello"})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Len(t, res.LocalID, 26)

	queued, err := h.store.GetByStatus(context.Background(), queue.StatusQueued)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, res.LocalID, queued[0].LocalID)

	h.online.Store(true)
	summary, err := h.engine.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed)

	evt := <-events
	assert.Equal(t, EventCompleted, evt.Type)
	assert.Equal(t, res.LocalID, evt.LocalID)
	assert.NotEmpty(t, evt.ServerMemoryID)
	assert.Equal(t, capture.MemoryTypeMoment, evt.MemoryType)

	left, err := h.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestSubmitOnlineSavesDirectly(t *testing.T) {
	h := newHarness(t, Config{})
	res, err := h.engine.Submit(context.Background(), "user-1", capture.Draft{MemoryType: capture.MemoryTypeMoment, InputText: "hi"})
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.Equal(t, "srv-"+res.LocalID, res.ServerMemoryID)

	left, err := h.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestSubmitQueuesOnFailure(t *testing.T) {
	h := newHarness(t, Config{})
	ids := []string{"retryable", "fatal"}
	h.engine.newID = func(time.Time) string {
		id := ids[0]
		ids = ids[1:]
		return id
	}
	h.saver.setFail("retryable", apperr.NewNetwork("timeout", nil))
	h.saver.setFail("fatal", apperr.NewPermission("no access"))

	res, err := h.engine.Submit(context.Background(), "user-1", capture.Draft{MemoryType: capture.MemoryTypeMoment, InputText: "a"})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, queue.StatusQueued, res.Status)

	res, err = h.engine.Submit(context.Background(), "user-1", capture.Draft{MemoryType: capture.MemoryTypeMoment, InputText: "b"})
	require.True(t, apperr.Is(err, apperr.CodePermission))
	assert.True(t, res.Queued)
	assert.Equal(t, queue.StatusFailed, res.Status)

	fatal, err := h.store.Get(context.Background(), "fatal")
	require.NoError(t, err)
	assert.Equal(t, apperr.CodePermission, fatal.ErrorCode)
}

func TestSubmitRejectsUnsavableDraft(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.engine.Submit(context.Background(), "user-1", capture.Draft{MemoryType: capture.MemoryTypeMoment, Tags: []string{"x"}})
	require.True(t, apperr.Is(err, apperr.CodeInvalidRequest))

	_, err = h.engine.Submit(context.Background(), "user-1", capture.Draft{MemoryType: capture.MemoryTypeStory, InputText: "no audio"})
	require.True(t, apperr.Is(err, apperr.CodeInvalidRequest))
	assert.Empty(t, h.saver.Calls())
}

func TestRetryAndDiscard(t *testing.T) {
	h := newHarness(t, Config{})
	h.enqueue(t, "a", "hello", 0)

	err := h.engine.Retry(context.Background(), "a")
	require.True(t, apperr.Is(err, apperr.CodeInvalidRequest), "queued items are not retryable")
	require.True(t, apperr.Is(h.engine.Retry(context.Background(), "missing"), apperr.CodeNotFound))

	require.NoError(t, h.engine.Discard(context.Background(), "a"))
	_, err = h.store.Get(context.Background(), "a")
	require.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestRunSyncsOnReconnect(t *testing.T) {
	h := newHarness(t, Config{Interval: time.Hour, ProbeInterval: 10 * time.Millisecond})
	h.online.Store(false)
	h.enqueue(t, "a", "hello", 0)
	events, cancelSub := h.engine.Subscribe()
	defer cancelSub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, h.saver.Calls())
	h.online.Store(true)

	select {
	case evt := <-events:
		assert.Equal(t, "a", evt.LocalID)
		assert.Equal(t, EventCompleted, evt.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no completion event after reconnect")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestRunRecoversInterruptedItemsAndHonorsTrigger(t *testing.T) {
	h := newHarness(t, Config{Interval: time.Hour, ProbeInterval: time.Hour})
	h.enqueue(t, "a", "hello", 0)
	item, err := h.store.Get(context.Background(), "a")
	require.NoError(t, err)
	item.Status = queue.StatusSyncing
	require.NoError(t, h.store.Update(context.Background(), item))
	h.saver.setFail("a", apperr.NewNetwork("flaky", nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.engine.Run(ctx) }()

	require.Eventually(t, func() bool { return len(h.saver.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	h.saver.setFail("a", nil)
	require.Eventually(t, func() bool { return !h.engine.Running() }, time.Second, 5*time.Millisecond)

	h.engine.Trigger()
	require.Eventually(t, func() bool {
		_, err := h.store.Get(context.Background(), "a")
		return apperr.Is(err, apperr.CodeNotFound)
	}, time.Second, 5*time.Millisecond)
}
