package processor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ent0n29/memories/internal/observability"
	"github.com/ent0n29/memories/internal/records"
)

const ReasonGeneratorFailed = "processor_failed"

// Processor runs text processing for one memory and owns its job from
// scheduled to a terminal state.
type Processor struct {
	store       records.Store
	gen         Generator
	maxAttempts int
	metrics     *observability.Metrics
	now         func() time.Time
}

func New(store records.Store, gen Generator, maxAttempts int, metrics *observability.Metrics) *Processor {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Processor{
		store:       store,
		gen:         gen,
		maxAttempts: maxAttempts,
		metrics:     metrics,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Process handles the active job of memoryID. A memory without an active
// job, or whose job another run already started, is left alone.
func (p *Processor) Process(ctx context.Context, memoryID string) error {
	started := time.Now()
	memoryType := "unknown"
	outcome, err := p.process(ctx, memoryID, &memoryType)
	p.metrics.ObserveProcessorRun(memoryType, outcome, time.Since(started))
	return err
}

func (p *Processor) process(ctx context.Context, memoryID string, memoryType *string) (string, error) {
	job, err := p.store.ActiveJobForMemory(ctx, memoryID)
	if errors.Is(err, records.ErrNotFound) {
		return "no_job", nil
	}
	if err != nil {
		return "error", fmt.Errorf("find job for memory %s: %w", memoryID, err)
	}
	if t := job.MemoryType(); t != "" {
		*memoryType = string(t)
	}

	started, err := p.store.MarkJobProcessing(ctx, job.ID)
	if errors.Is(err, records.ErrInvalidJobState) || errors.Is(err, records.ErrNotFound) {
		return "busy", nil
	}
	if err != nil {
		return "error", fmt.Errorf("start job %s: %w", job.ID, err)
	}
	job = started

	mem, err := p.store.GetMemory(ctx, memoryID)
	if errors.Is(err, records.ErrNotFound) {
		return "failed", p.store.FailJob(ctx, job.ID, "memory_not_found", nil)
	}
	if err != nil {
		return p.retryOrFail(ctx, job, fmt.Errorf("load memory: %w", err))
	}
	if mem.TitleGeneratedAt != nil {
		return "skipped", p.store.CompleteJob(ctx, job.ID, map[string]any{records.MetaSkipped: true})
	}

	text := strings.TrimSpace(mem.InputText)
	if text == "" {
		return "empty", p.store.CompleteJob(ctx, job.ID, map[string]any{"emptyInput": true})
	}

	out, err := p.gen.Generate(ctx, Input{MemoryType: mem.MemoryType, Text: text, Tags: mem.Tags})
	if err != nil {
		return p.retryOrFail(ctx, job, err)
	}
	if _, err := p.store.ApplyProcessing(ctx, mem.ID, out, p.now()); err != nil {
		return p.retryOrFail(ctx, job, fmt.Errorf("store processing output: %w", err))
	}
	if err := p.store.CompleteJob(ctx, job.ID, map[string]any{"titleGenerated": out.Title != ""}); err != nil {
		return "error", fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	log.Printf("processor: memory %s processed (job %s, attempt %d)", mem.ID, job.ID, job.Attempts)
	return "complete", nil
}

// retryOrFail reschedules the job while attempts remain, else fails it.
func (p *Processor) retryOrFail(ctx context.Context, job records.ProcessingJob, cause error) (string, error) {
	if job.Attempts < p.maxAttempts {
		log.Printf("processor: job %s attempt %d/%d failed, rescheduling: %v", job.ID, job.Attempts, p.maxAttempts, cause)
		if err := p.store.ReleaseJob(ctx, job.ID, cause.Error()); err != nil {
			return "error", fmt.Errorf("release job %s: %w", job.ID, err)
		}
		return "released", cause
	}
	log.Printf("processor: job %s failed after %d attempts: %v", job.ID, job.Attempts, cause)
	if err := p.store.FailJob(ctx, job.ID, ReasonGeneratorFailed, map[string]any{"error": cause.Error()}); err != nil {
		return "error", fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	return "failed", cause
}
