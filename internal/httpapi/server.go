package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/yuin/goldmark"

	"github.com/ent0n29/memories/internal/apperr"
	"github.com/ent0n29/memories/internal/config"
	"github.com/ent0n29/memories/internal/dispatch"
	"github.com/ent0n29/memories/internal/observability"
	"github.com/ent0n29/memories/internal/protocol"
	"github.com/ent0n29/memories/internal/records"
	"github.com/ent0n29/memories/internal/save"
)

// Processor runs type-specific processing of one memory.
type Processor interface {
	Process(ctx context.Context, memoryID string) error
}

type Server struct {
	cfg        config.ServerConfig
	store      records.Store
	saver      *save.Service
	dispatcher *dispatch.Dispatcher
	processor  Processor
	media      http.Handler
	metrics    *observability.Metrics
	markdown   goldmark.Markdown

	background sync.WaitGroup
}

func New(cfg config.ServerConfig, store records.Store, saver *save.Service, dispatcher *dispatch.Dispatcher, processor Processor, media http.Handler, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:        cfg,
		store:      store,
		saver:      saver,
		dispatcher: dispatcher,
		processor:  processor,
		media:      media,
		metrics:    metrics,
		markdown:   goldmark.New(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Delete("/v1/perf/latency", s.handlePerfReset)

	r.Post("/v1/memories", s.handleSaveMemory)
	r.Get("/v1/memories/{id}", s.handleGetMemory)
	r.Patch("/v1/memories/{id}/title", s.handleUpdateTitle)
	r.Get("/v1/memories/{id}/jobs", s.handleListJobs)

	r.Post("/v1/dispatch", s.handleDispatch)
	r.Post("/v1/processors/{memoryType}", s.handleProcess)

	if s.media != nil {
		r.Handle("/media/*", http.StripPrefix("/media/", s.media))
	}
	return r
}

// Wait blocks until background processing started by the API has finished.
func (s *Server) Wait() {
	s.background.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.storeMode(),
	})
}

func (s *Server) storeMode() string {
	switch s.store.(type) {
	case *records.PostgresStore:
		return "postgres"
	case nil:
		return "disabled"
	default:
		return "in-memory"
	}
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code apperr.Code, message string) {
	respondJSON(w, status, protocol.ErrorResponse{
		Error:     message,
		Code:      string(code),
		Retryable: apperr.New(code, message).Retryable(),
	})
}

// respondAppError answers with the status and code carried by err.
func respondAppError(w http.ResponseWriter, err error) {
	if errors.Is(err, records.ErrNotFound) {
		respondError(w, http.StatusNotFound, apperr.CodeNotFound, err.Error())
		return
	}
	e, ok := apperr.As(err)
	if !ok {
		log.Printf("httpapi: internal error: %v", err)
		e = apperr.NewInternal(err)
	}
	respondJSON(w, e.Status, protocol.ErrorResponse{
		Error:     e.Error(),
		Code:      string(e.Code),
		Retryable: e.Retryable(),
		Details:   e.Details,
	})
}
