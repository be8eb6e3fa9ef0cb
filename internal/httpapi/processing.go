package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/memories/internal/apperr"
	"github.com/ent0n29/memories/internal/capture"
	"github.com/ent0n29/memories/internal/protocol"
)

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		respondError(w, http.StatusNotImplemented, apperr.CodeInternal, "dispatcher not configured")
		return
	}
	summary, err := s.dispatcher.Dispatch(r.Context())
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// handleProcess accepts a memory id and processes it in the background.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if s.processor == nil {
		respondError(w, http.StatusNotImplemented, apperr.CodeInternal, "processor not configured")
		return
	}
	memoryType, err := capture.ParseMemoryType(chi.URLParam(r, "memoryType"))
	if err != nil {
		respondError(w, http.StatusNotFound, apperr.CodeNotFound, err.Error())
		return
	}
	var req protocol.ProcessRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, apperr.CodeInvalidRequest, err.Error())
		return
	}
	req.MemoryID = strings.TrimSpace(req.MemoryID)
	if req.MemoryID == "" {
		respondError(w, http.StatusBadRequest, apperr.CodeInvalidRequest, "memory_id is required")
		return
	}

	ctx := context.WithoutCancel(r.Context())
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if err := s.processor.Process(ctx, req.MemoryID); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("httpapi: %s processor for memory %s: %v", memoryType, req.MemoryID, err)
		}
	}()
	respondJSON(w, http.StatusAccepted, map[string]any{
		"memory_id":   req.MemoryID,
		"memory_type": memoryType,
		"status":      "accepted",
	})
}
