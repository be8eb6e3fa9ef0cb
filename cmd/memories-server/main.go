package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ent0n29/memories/internal/capture"
	"github.com/ent0n29/memories/internal/config"
	"github.com/ent0n29/memories/internal/dispatch"
	"github.com/ent0n29/memories/internal/httpapi"
	"github.com/ent0n29/memories/internal/media"
	"github.com/ent0n29/memories/internal/observability"
	"github.com/ent0n29/memories/internal/processor"
	"github.com/ent0n29/memories/internal/records"
	"github.com/ent0n29/memories/internal/reliability"
	"github.com/ent0n29/memories/internal/save"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := records.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("record store init failed: %v", err)
	}
	defer store.Close()
	if cfg.DatabaseURL == "" {
		log.Printf("record store: in-memory (DATABASE_URL not set)")
	} else {
		log.Printf("record store: postgres")
	}

	files, err := media.NewFileStore(cfg.MediaDir, cfg.MediaBaseURL, cfg.MediaQuotaBytes)
	if err != nil {
		log.Fatalf("media store init failed: %v", err)
	}
	uploader := media.NewUploader(files, reliability.RetryPolicy{
		Attempts:   cfg.UploadAttempts,
		Timeout:    cfg.UploadTimeout,
		Backoff:    250 * time.Millisecond,
		BackoffCap: 2 * time.Second,
	}, metrics)
	saver := save.NewService(store, uploader, metrics)

	gen, err := processor.NewGenerator(processor.GeneratorConfig{
		Mode:    cfg.ProcessorMode,
		APIBase: cfg.LLMAPIBase,
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.LLMModel,
	})
	if err != nil {
		log.Fatalf("processor init failed: %v", err)
	}
	proc := processor.New(store, gen, cfg.JobMaxAttempts, metrics)

	var handles map[capture.MemoryType]dispatch.Handle
	if cfg.ProcessorURL != "" {
		handles = dispatch.HTTPHandles(cfg.ProcessorURL, 10*time.Second)
		log.Printf("processors: remote at %s", cfg.ProcessorURL)
	} else {
		handles = dispatch.AsyncHandles(func(capture.MemoryType) func(ctx context.Context, memoryID string) error {
			return proc.Process
		})
		log.Printf("processors: in-process (%T)", gen)
	}
	registry, err := dispatch.NewRegistry(handles)
	if err != nil {
		log.Fatalf("processor registry init failed: %v", err)
	}
	dispatcher := dispatch.NewDispatcher(store, registry, dispatch.Config{
		BatchSize:   cfg.DispatchBatchSize,
		Lease:       cfg.DispatchLease,
		MaxAttempts: cfg.JobMaxAttempts,
	}, metrics)

	api := httpapi.New(cfg, store, saver, dispatcher, proc, files.Handler(), metrics)
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	if cfg.DispatchCron != "" {
		trigger, err := dispatch.NewCronTrigger(cfg.DispatchCron, func(ctx context.Context) error {
			summary, err := dispatcher.Dispatch(ctx)
			if summary.Claimed > 0 {
				log.Printf("dispatch: claimed %d, dispatched %d, skipped %d, failed %d, released %d",
					summary.Claimed, summary.Dispatched, summary.Skipped, summary.Failed, summary.Released)
			}
			return err
		})
		if err != nil {
			log.Fatalf("dispatch trigger init failed: %v", err)
		}
		go func() {
			if err := trigger.Run(runCtx); err != nil {
				log.Printf("dispatch trigger stopped: %v", err)
			}
		}()
		log.Printf("dispatch schedule: %s", cfg.DispatchCron)
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}
	waitBackground(shutdownCtx, api, handles)

	log.Printf("shutdown complete")
}

// waitBackground lets in-flight processor runs finish until ctx expires.
func waitBackground(ctx context.Context, api *httpapi.Server, handles map[capture.MemoryType]dispatch.Handle) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		api.Wait()
		for _, h := range handles {
			if inv, ok := h.(*dispatch.AsyncInvoker); ok {
				inv.Wait()
			}
		}
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("shutdown: processor runs still in flight")
	}
}
