package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/memories/internal/apperr"
	"github.com/ent0n29/memories/internal/capture"
	"github.com/ent0n29/memories/internal/media"
	"github.com/ent0n29/memories/internal/protocol"
	"github.com/ent0n29/memories/internal/records"
	"github.com/ent0n29/memories/internal/save"
)

// Parts beyond this many bytes spill to temporary files.
const multipartMemory = 32 << 20

// Per-file ceilings that size the default save body limit.
const (
	maxPhotoBytes    int64 = 25 << 20
	maxVideoBytes    int64 = 500 << 20
	maxAudioBytes    int64 = 100 << 20
	payloadAllowance int64 = 1 << 20

	defaultSaveBodyLimit = capture.MaxPhotos*maxPhotoBytes + capture.MaxVideos*maxVideoBytes + maxAudioBytes + payloadAllowance
)

func (s *Server) saveBodyLimit() int64 {
	if s.cfg.SaveBodyLimitBytes > 0 {
		return s.cfg.SaveBodyLimitBytes
	}
	return defaultSaveBodyLimit
}

func respondTooLarge(w http.ResponseWriter, limit int64) {
	respondError(w, http.StatusRequestEntityTooLarge, apperr.CodeCapacity, fmt.Sprintf("request body exceeds %d bytes", limit))
}

type memoryResponse struct {
	records.MemoryRecord
	DisplayText string `json:"display_text"`
	DisplayHTML string `json:"display_html"`
}

type updateTitleRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleSaveMemory(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.Header.Get(protocol.HeaderUserID))
	if userID == "" {
		userID = "anonymous"
	}
	limit := s.saveBodyLimit()
	if r.ContentLength > limit {
		respondTooLarge(w, limit)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondTooLarge(w, limit)
			return
		}
		respondError(w, http.StatusBadRequest, apperr.CodeInvalidRequest, "expected multipart/form-data: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	raw := r.MultipartForm.Value[protocol.FieldPayload]
	if len(raw) == 0 || strings.TrimSpace(raw[0]) == "" {
		respondError(w, http.StatusBadRequest, apperr.CodeInvalidRequest, "payload field is required")
		return
	}
	var payload protocol.SavePayload
	if err := json.Unmarshal([]byte(raw[0]), &payload); err != nil {
		respondError(w, http.StatusBadRequest, apperr.CodeInvalidRequest, "invalid payload: "+err.Error())
		return
	}
	key := strings.TrimSpace(r.Header.Get(protocol.HeaderIdempotencyKey))
	switch {
	case payload.LocalID == "":
		payload.LocalID = key
	case key != "" && key != payload.LocalID:
		respondError(w, http.StatusBadRequest, apperr.CodeInvalidRequest, "Idempotency-Key does not match local_id")
		return
	}

	req := save.Request{
		UserID:        userID,
		LocalID:       payload.LocalID,
		MemoryType:    capture.MemoryType(strings.ToLower(strings.TrimSpace(payload.MemoryType))),
		InputText:     payload.InputText,
		Tags:          payload.Tags,
		AudioDuration: time.Duration(payload.AudioDurationMS) * time.Millisecond,
		Latitude:      payload.Latitude,
		Longitude:     payload.Longitude,
		CapturedAt:    payload.CapturedAt,
	}
	req.Media = append(req.Media, formSources(r.MultipartForm, protocol.FieldPhoto, media.KindPhoto)...)
	req.Media = append(req.Media, formSources(r.MultipartForm, protocol.FieldVideo, media.KindVideo)...)
	req.Media = append(req.Media, formSources(r.MultipartForm, protocol.FieldAudio, media.KindAudio)...)

	// A started save runs to completion even if the client goes away.
	res, err := s.saver.Save(context.WithoutCancel(r.Context()), req)
	if err != nil {
		respondAppError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Deduplicated {
		status = http.StatusOK
	}
	respondJSON(w, status, toSaveResponse(res))
}

func formSources(form *multipart.Form, field string, kind media.Kind) []media.Source {
	headers := form.File[field]
	out := make([]media.Source, 0, len(headers))
	for _, fh := range headers {
		out = append(out, media.Source{
			Kind:        kind,
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Open: func() (io.ReadCloser, error) {
				return fh.Open()
			},
		})
	}
	return out
}

func toSaveResponse(res save.Result) protocol.SaveResponse {
	out := protocol.SaveResponse{
		MemoryID:     res.MemoryID,
		PhotoURLs:    res.PhotoURLs,
		VideoURLs:    res.VideoURLs,
		AudioURL:     res.AudioURL,
		HasLocation:  res.HasLocation,
		Deduplicated: res.Deduplicated,
	}
	for _, f := range res.FailedUploads {
		out.FailedUploads = append(out.FailedUploads, protocol.FailedUpload{
			Kind:  string(f.Kind),
			Name:  f.Name,
			Error: f.Error,
		})
	}
	return out
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetMemory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.toMemoryResponse(rec))
}

func (s *Server) handleUpdateTitle(w http.ResponseWriter, r *http.Request) {
	var req updateTitleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, apperr.CodeInvalidRequest, err.Error())
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		respondError(w, http.StatusBadRequest, apperr.CodeInvalidRequest, "title is required")
		return
	}
	rec, err := s.store.UpdateTitle(r.Context(), chi.URLParam(r, "id"), title)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.toMemoryResponse(rec))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetMemory(r.Context(), id); err != nil {
		respondAppError(w, err)
		return
	}
	jobs, err := s.store.ListJobsForMemory(r.Context(), id)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"memory_id": id, "jobs": jobs})
}

func (s *Server) toMemoryResponse(rec records.MemoryRecord) memoryResponse {
	text := rec.DisplayText()
	out := memoryResponse{MemoryRecord: rec, DisplayText: text}
	if strings.TrimSpace(text) == "" {
		return out
	}
	var buf bytes.Buffer
	if err := s.markdown.Convert([]byte(text), &buf); err == nil {
		out.DisplayHTML = buf.String()
	}
	return out
}
