package agentapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/memories/internal/apperr"
	"github.com/ent0n29/memories/internal/capture"
	"github.com/ent0n29/memories/internal/observability"
	"github.com/ent0n29/memories/internal/protocol"
	"github.com/ent0n29/memories/internal/queue"
	"github.com/ent0n29/memories/internal/syncer"
)

// Server is the local API of the capture agent: it submits drafts, exposes
// the offline queue and streams sync outcomes to UI clients.
type Server struct {
	engine   *syncer.Engine
	userID   string
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(engine *syncer.Engine, userID string, metrics *observability.Metrics) *Server {
	return &Server{
		engine:  engine,
		userID:  userID,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     sameOrigin,
		},
	}
}

// sameOrigin lets non-browser clients through and browsers only from the
// agent's own origin.
func sameOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Post("/v1/captures", s.handleSubmit)
	r.Get("/v1/queue", s.handleListQueue)
	r.Post("/v1/queue/{id}/retry", s.handleRetry)
	r.Delete("/v1/queue/{id}", s.handleDiscard)
	r.Post("/v1/sync", s.handleSync)
	r.Get("/v1/events", s.handleEvents)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"syncing": s.engine.Running(),
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var draft capture.Draft
	if err := decodeJSON(r, &draft); err != nil {
		respondAppError(w, apperr.NewInvalidRequest(err.Error()))
		return
	}
	memoryType, err := capture.ParseMemoryType(string(draft.MemoryType))
	if err != nil {
		respondAppError(w, apperr.NewInvalidRequest(err.Error()))
		return
	}
	draft.MemoryType = memoryType
	draft.Tags = capture.NormalizeTags(draft.Tags)
	if len(draft.PhotoPaths) > capture.MaxPhotos {
		respondAppError(w, apperr.NewCapacity("photos", capture.MaxPhotos))
		return
	}
	if len(draft.VideoPaths) > capture.MaxVideos {
		respondAppError(w, apperr.NewCapacity("videos", capture.MaxVideos))
		return
	}
	if draft.CapturedAt.IsZero() {
		draft.CapturedAt = time.Now().UTC()
	}

	result, err := s.engine.Submit(r.Context(), s.userID, draft)
	if err != nil {
		if e, ok := apperr.As(err); ok && result.Queued {
			// The capture is kept as a failed queue item; tell the caller where.
			details := map[string]any{"local_id": result.LocalID, "queued": true}
			for k, v := range e.Details {
				details[k] = v
			}
			respondJSON(w, e.Status, protocol.ErrorResponse{
				Error:     e.Error(),
				Code:      string(e.Code),
				Retryable: false,
				Details:   details,
			})
			return
		}
		respondAppError(w, err)
		return
	}
	status := http.StatusCreated
	if result.Queued {
		status = http.StatusAccepted
	}
	respondJSON(w, status, result)
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	items, err := s.engine.List(r.Context())
	if err != nil {
		respondAppError(w, err)
		return
	}
	out := make([]QueueItem, 0, len(items))
	for _, item := range items {
		out = append(out, NewQueueItem(item))
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Retry(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"local_id": chi.URLParam(r, "id"), "status": queue.StatusQueued})
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Discard(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.SyncOnce(r.Context())
	if errors.Is(err, syncer.ErrPassInProgress) {
		respondJSON(w, http.StatusConflict, protocol.ErrorResponse{
			Error:     err.Error(),
			Code:      "PASS_IN_PROGRESS",
			Retryable: true,
		})
		return
	}
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
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

func respondAppError(w http.ResponseWriter, err error) {
	e, ok := apperr.As(err)
	if !ok {
		log.Printf("agentapi: internal error: %v", err)
		e = apperr.NewInternal(err)
	}
	respondJSON(w, e.Status, protocol.ErrorResponse{
		Error:     e.Error(),
		Code:      string(e.Code),
		Retryable: e.Retryable(),
		Details:   e.Details,
	})
}
