package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ent0n29/memories/internal/observability"
	"github.com/ent0n29/memories/internal/records"
)

// Failure reasons written to job metadata.
const (
	ReasonMemoryNotFound    = "memory_not_found"
	ReasonMaxAttempts       = "max_attempts_exceeded"
	ReasonUnknownMemoryType = "unknown_memory_type"
)

type Config struct {
	BatchSize   int
	Lease       time.Duration
	MaxAttempts int
}

// Summary counts what one dispatch tick did with the jobs it claimed.
type Summary struct {
	Claimed    int `json:"claimed"`
	Dispatched int `json:"dispatched"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
	Released   int `json:"released"`
}

// Dispatcher claims scheduled processing jobs and hands each to the
// processor of its memory type. It never waits for processing to finish.
type Dispatcher struct {
	store    records.Store
	registry *Registry
	cfg      Config
	metrics  *observability.Metrics
}

func NewDispatcher(store records.Store, registry *Registry, cfg Config, metrics *observability.Metrics) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Dispatcher{store: store, registry: registry, cfg: cfg, metrics: metrics}
}

// Dispatch runs one tick. Overlapping ticks are safe: a claimed job stays
// invisible to other claims for the lease.
func (d *Dispatcher) Dispatch(ctx context.Context) (Summary, error) {
	started := time.Now()
	defer func() { d.metrics.ObserveStage(observability.StageDispatchTick, time.Since(started)) }()

	jobs, err := d.store.ClaimScheduledJobs(ctx, d.cfg.BatchSize, d.cfg.Lease)
	if err != nil {
		return Summary{}, fmt.Errorf("claim jobs: %w", err)
	}
	summary := Summary{Claimed: len(jobs)}
	for _, job := range jobs {
		result := d.dispatchOne(ctx, job)
		d.metrics.ObserveDispatch(result)
		switch result {
		case "dispatched":
			summary.Dispatched++
		case "skipped":
			summary.Skipped++
		case "released":
			summary.Released++
		default:
			summary.Failed++
		}
	}
	return summary, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, job records.ProcessingJob) string {
	mem, err := d.store.GetMemory(ctx, job.MemoryID)
	if errors.Is(err, records.ErrNotFound) {
		return d.fail(ctx, job, ReasonMemoryNotFound, nil)
	}
	if err != nil {
		log.Printf("dispatch: load memory %s for job %s: %v", job.MemoryID, job.ID, err)
		return d.release(ctx, job, err.Error())
	}

	if job.Attempts > d.cfg.MaxAttempts {
		return d.fail(ctx, job, ReasonMaxAttempts, map[string]any{"attempts": job.Attempts})
	}

	if mem.TitleGeneratedAt != nil {
		if err := d.store.CompleteJob(ctx, job.ID, map[string]any{records.MetaSkipped: true}); err != nil {
			log.Printf("dispatch: complete skipped job %s: %v", job.ID, err)
			return "error"
		}
		return "skipped"
	}

	memoryType := job.MemoryType()
	if memoryType == "" {
		memoryType = mem.MemoryType
	}
	handle, ok := d.registry.Lookup(memoryType)
	if !ok {
		return d.fail(ctx, job, ReasonUnknownMemoryType, map[string]any{records.MetaMemoryType: string(memoryType)})
	}

	if err := handle.Invoke(ctx, mem.ID); err != nil {
		log.Printf("dispatch: invoke %s processor for memory %s: %v", memoryType, mem.ID, err)
		return d.release(ctx, job, fmt.Sprintf("invoke failed: %v", err))
	}
	log.Printf("dispatch: job %s (%s, attempt %d) handed to processor", job.ID, memoryType, job.Attempts)
	return "dispatched"
}

func (d *Dispatcher) fail(ctx context.Context, job records.ProcessingJob, reason string, meta map[string]any) string {
	if err := d.store.FailJob(ctx, job.ID, reason, meta); err != nil && !errors.Is(err, records.ErrNotFound) {
		log.Printf("dispatch: fail job %s: %v", job.ID, err)
		return "error"
	}
	log.Printf("dispatch: job %s failed: %s", job.ID, reason)
	return "failed"
}

func (d *Dispatcher) release(ctx context.Context, job records.ProcessingJob, lastError string) string {
	if err := d.store.ReleaseJob(ctx, job.ID, lastError); err != nil {
		log.Printf("dispatch: release job %s: %v", job.ID, err)
		return "error"
	}
	return "released"
}
