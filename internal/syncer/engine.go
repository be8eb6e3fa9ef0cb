package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ent0n29/memories/internal/apperr"
	"github.com/ent0n29/memories/internal/capture"
	"github.com/ent0n29/memories/internal/observability"
	"github.com/ent0n29/memories/internal/queue"
	"github.com/ent0n29/memories/internal/reliability"
)

var ErrPassInProgress = errors.New("sync pass already in progress")

// Engine drains the local queue through the remote save.
type Engine struct {
	store   queue.Store
	saver   Saver
	probe   ConnectivityProbe
	cfg     Config
	metrics *observability.Metrics

	now   func() time.Time
	newID func(time.Time) string

	running  atomic.Bool
	triggers chan struct{}

	mu          sync.Mutex
	subscribers map[int]chan Event
	nextSubID   int
}

func NewEngine(store queue.Store, saver Saver, probe ConnectivityProbe, cfg Config, metrics *observability.Metrics) *Engine {
	return &Engine{
		store:       store,
		saver:       saver,
		probe:       probe,
		cfg:         cfg.withDefaults(),
		metrics:     metrics,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       newLocalID,
		triggers:    make(chan struct{}, 1),
		subscribers: make(map[int]chan Event),
	}
}

// newLocalID mints a ULID, so ids sort by creation time.
func newLocalID(at time.Time) string {
	return ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String()
}

// Subscribe returns a channel of item events and its cancel func.
// Slow subscribers miss events rather than stall a pass.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	e.mu.Lock()
	e.nextSubID++
	id := e.nextSubID
	e.subscribers[id] = ch
	e.mu.Unlock()

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if c, ok := e.subscribers[id]; ok {
			delete(e.subscribers, id)
			close(c)
		}
	}
}

func (e *Engine) publish(evt Event) {
	if evt.Type == EventCompleted {
		e.metrics.ObserveSyncEvent()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Trigger asks Run for a pass as soon as possible. It never blocks.
func (e *Engine) Trigger() {
	select {
	case e.triggers <- struct{}{}:
	default:
	}
}

// Running reports whether a pass is in flight.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// SyncOnce runs one pass. Offline is not an error: the pass ends quietly.
func (e *Engine) SyncOnce(ctx context.Context) (PassSummary, error) {
	if !e.running.CompareAndSwap(false, true) {
		return PassSummary{}, ErrPassInProgress
	}
	defer e.running.Store(false)

	started := time.Now()
	summary, err := e.pass(ctx)
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case summary.Offline && summary.Attempted == 0:
		result = "offline"
	case summary.Failed > 0:
		result = "partial"
	}
	e.metrics.ObserveSyncPass(result, time.Since(started))
	e.refreshDepth(context.WithoutCancel(ctx))
	return summary, err
}

func (e *Engine) pass(ctx context.Context) (PassSummary, error) {
	var summary PassSummary
	online := e.probe.IsOnline(ctx)
	e.metrics.SetOnline(online)
	if !online {
		summary.Offline = true
		return summary, nil
	}

	items, err := e.candidates(ctx, e.now())
	if err != nil {
		return summary, err
	}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Attempted++
		switch e.syncItem(ctx, item) {
		case outcomeCompleted:
			summary.Completed++
		case outcomeFailed:
			summary.Failed++
		case outcomeOffline:
			summary.Offline = true
			return summary, nil
		case outcomeAbandoned:
			return summary, ctx.Err()
		}
	}
	return summary, nil
}

// candidates returns queued items, syncing items left by an abandoned pass,
// and failed items whose backoff has elapsed, oldest first.
func (e *Engine) candidates(ctx context.Context, now time.Time) ([]queue.QueuedMemory, error) {
	var out []queue.QueuedMemory
	for _, status := range []queue.Status{queue.StatusQueued, queue.StatusSyncing} {
		items, err := e.store.GetByStatus(ctx, status)
		if err != nil {
			return nil, fmt.Errorf("load %s items: %w", status, err)
		}
		out = append(out, items...)
	}
	failed, err := e.store.GetByStatus(ctx, queue.StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("load failed items: %w", err)
	}
	for _, item := range failed {
		if e.retryable(item, now) {
			out = append(out, item)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].LocalID < out[j].LocalID
	})
	return out, nil
}

func (e *Engine) retryable(item queue.QueuedMemory, now time.Time) bool {
	if item.RetryCount >= e.cfg.MaxAttempts || apperr.IsFatalCode(item.ErrorCode) {
		return false
	}
	if item.LastRetryAt == nil {
		return true
	}
	return !now.Before(item.LastRetryAt.Add(e.Backoff(item.RetryCount)))
}

// Backoff is the wait after the retryCount-th failure before the next attempt.
func (e *Engine) Backoff(retryCount int) time.Duration {
	return reliability.ExponentialBackoff(retryCount, e.cfg.BackoffBase, e.cfg.BackoffCap)
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeFailed
	outcomeOffline
	outcomeAbandoned
)

func (e *Engine) syncItem(ctx context.Context, item queue.QueuedMemory) outcome {
	started := time.Now()
	now := e.now()
	item.Status = queue.StatusSyncing
	item.LastRetryAt = &now
	if err := e.store.Update(ctx, item); err != nil {
		log.Printf("syncer: mark %s syncing: %v", item.LocalID, err)
		e.metrics.ObserveSyncItem("store_error", time.Since(started))
		return outcomeFailed
	}

	res, err := e.saver.Save(ctx, item)
	// Bookkeeping must land even when the pass is being abandoned.
	storeCtx := context.WithoutCancel(ctx)
	if err == nil {
		e.complete(storeCtx, item, res.MemoryID)
		e.metrics.ObserveSyncItem("completed", time.Since(started))
		return outcomeCompleted
	}
	if ctx.Err() != nil {
		// Left in syncing; the next pass picks it up again.
		e.metrics.ObserveSyncItem("abandoned", time.Since(started))
		return outcomeAbandoned
	}

	code := apperr.CodeOf(err)
	msg := err.Error()
	item.ErrorMessage = &msg
	item.ErrorCode = code

	if code == apperr.CodeOffline {
		item.Status = queue.StatusQueued
		if uerr := e.store.Update(storeCtx, item); uerr != nil {
			log.Printf("syncer: requeue %s: %v", item.LocalID, uerr)
		}
		e.metrics.SetOnline(false)
		e.metrics.ObserveSyncItem("offline", time.Since(started))
		return outcomeOffline
	}

	item.RetryCount++
	item.Status = queue.StatusFailed
	if uerr := e.store.Update(storeCtx, item); uerr != nil {
		log.Printf("syncer: record failure of %s: %v", item.LocalID, uerr)
	}
	permanent := apperr.IsFatalCode(code) || item.RetryCount >= e.cfg.MaxAttempts
	log.Printf("syncer: item %s failed (%s, attempt %d/%d): %v", item.LocalID, code, item.RetryCount, e.cfg.MaxAttempts, err)
	e.publish(Event{
		Type:       EventFailed,
		LocalID:    item.LocalID,
		MemoryType: item.MemoryType,
		Code:       code,
		Detail:     msg,
		RetryCount: item.RetryCount,
		Permanent:  permanent,
		At:         e.now(),
	})
	e.metrics.ObserveSyncItem("failed", time.Since(started))
	return outcomeFailed
}

func (e *Engine) complete(ctx context.Context, item queue.QueuedMemory, serverID string) {
	item.Status = queue.StatusCompleted
	item.ServerMemoryID = &serverID
	item.ErrorMessage = nil
	item.ErrorCode = ""
	if err := e.store.Update(ctx, item); err != nil {
		log.Printf("syncer: mark %s completed: %v", item.LocalID, err)
	}
	if err := e.store.Remove(ctx, item.LocalID); err != nil {
		log.Printf("syncer: remove %s: %v", item.LocalID, err)
	}
	e.publish(Event{
		Type:           EventCompleted,
		LocalID:        item.LocalID,
		ServerMemoryID: serverID,
		MemoryType:     item.MemoryType,
		At:             e.now(),
	})
}

// Submit is the direct save path for a finished draft. Online, it saves
// right away; otherwise, or when the save fails, the draft is queued.
// Fatal failures are queued as failed and returned so the caller can tell
// the user; the content is never dropped.
func (e *Engine) Submit(ctx context.Context, userID string, draft capture.Draft) (SubmitResult, error) {
	if !draft.CanSave() {
		return SubmitResult{}, apperr.NewInvalidRequest("draft has nothing to save")
	}
	now := e.now()
	item := queue.FromDraft(e.newID(now), userID, draft, now)
	result := SubmitResult{LocalID: item.LocalID}

	// A started save runs to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	if !e.probe.IsOnline(ctx) {
		return e.enqueue(ctx, item, result)
	}

	started := time.Now()
	res, err := e.saver.Save(ctx, item)
	if err == nil {
		e.metrics.ObserveSyncItem("completed", time.Since(started))
		e.publish(Event{
			Type:           EventCompleted,
			LocalID:        item.LocalID,
			ServerMemoryID: res.MemoryID,
			MemoryType:     item.MemoryType,
			At:             e.now(),
		})
		result.ServerMemoryID = res.MemoryID
		result.Status = queue.StatusCompleted
		return result, nil
	}

	code := apperr.CodeOf(err)
	msg := err.Error()
	item.ErrorMessage = &msg
	item.ErrorCode = code
	if apperr.IsFatalCode(code) {
		item.Status = queue.StatusFailed
		item.RetryCount = 1
		item.LastRetryAt = &now
		queued, qerr := e.enqueue(ctx, item, result)
		if qerr != nil {
			return queued, qerr
		}
		return queued, err
	}
	log.Printf("syncer: direct save of %s failed (%s), queued: %v", item.LocalID, code, err)
	return e.enqueue(ctx, item, result)
}

func (e *Engine) enqueue(ctx context.Context, item queue.QueuedMemory, result SubmitResult) (SubmitResult, error) {
	if err := e.store.Enqueue(ctx, item); err != nil {
		return result, fmt.Errorf("queue capture: %w", err)
	}
	e.refreshDepth(ctx)
	result.Queued = true
	result.Status = item.Status
	return result, nil
}

// Retry puts a failed item back in the queue with a fresh attempt budget.
func (e *Engine) Retry(ctx context.Context, localID string) error {
	item, err := e.store.Get(ctx, localID)
	if err != nil {
		return err
	}
	if item.Status != queue.StatusFailed {
		return apperr.NewInvalidRequest(fmt.Sprintf("item %s is %s, only failed items can be retried", localID, item.Status))
	}
	item.Status = queue.StatusQueued
	item.RetryCount = 0
	item.LastRetryAt = nil
	item.ErrorMessage = nil
	item.ErrorCode = ""
	if err := e.store.Update(ctx, item); err != nil {
		return err
	}
	e.refreshDepth(ctx)
	e.Trigger()
	return nil
}

// Discard drops an item the user gave up on. An item being synced right
// now cannot be discarded.
func (e *Engine) Discard(ctx context.Context, localID string) error {
	item, err := e.store.Get(ctx, localID)
	if err != nil {
		return err
	}
	if item.Status == queue.StatusSyncing && e.Running() {
		return apperr.NewInvalidRequest(fmt.Sprintf("item %s is syncing", localID))
	}
	if err := e.store.Remove(ctx, localID); err != nil {
		return err
	}
	e.refreshDepth(ctx)
	return nil
}

func (e *Engine) List(ctx context.Context) ([]queue.QueuedMemory, error) {
	return e.store.List(ctx)
}

// Run recovers interrupted items, then syncs on the interval, on every
// offline to online transition, and on Trigger, until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if n, err := e.store.RecoverInterrupted(ctx); err != nil {
		return fmt.Errorf("recover interrupted items: %w", err)
	} else if n > 0 {
		log.Printf("syncer: moved %d interrupted items back to queued", n)
	}

	syncTicker := time.NewTicker(e.cfg.Interval)
	defer syncTicker.Stop()
	probeTicker := time.NewTicker(e.cfg.ProbeInterval)
	defer probeTicker.Stop()

	online := e.probe.IsOnline(ctx)
	e.metrics.SetOnline(online)
	if online {
		e.runPass(ctx, "startup")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-syncTicker.C:
			e.runPass(ctx, "interval")
		case <-e.triggers:
			e.runPass(ctx, "manual")
		case <-probeTicker.C:
			up := e.probe.IsOnline(ctx)
			e.metrics.SetOnline(up)
			if up && !online {
				e.runPass(ctx, "reconnect")
			}
			online = up
		}
	}
}

func (e *Engine) runPass(ctx context.Context, reason string) {
	summary, err := e.SyncOnce(ctx)
	switch {
	case errors.Is(err, ErrPassInProgress), ctx.Err() != nil:
		return
	case err != nil:
		log.Printf("syncer: %s pass failed: %v", reason, err)
	case summary.Attempted > 0:
		log.Printf("syncer: %s pass: %d attempted, %d completed, %d failed", reason, summary.Attempted, summary.Completed, summary.Failed)
	}
}

func (e *Engine) refreshDepth(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	items, err := e.store.List(ctx)
	if err != nil {
		return
	}
	counts := map[queue.Status]int{}
	for _, item := range items {
		counts[item.Status]++
	}
	for _, status := range []queue.Status{queue.StatusQueued, queue.StatusSyncing, queue.StatusFailed} {
		e.metrics.SetQueueDepth(string(status), counts[status])
	}
}
