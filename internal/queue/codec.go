package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ent0n29/memories/internal/apperr"
	"github.com/ent0n29/memories/internal/capture"
)

// CurrentVersion is the persisted schema version written by Encode.
// Version 1 had no audio fields and no error code; version 2 stored the
// audio duration in whole milliseconds.
const CurrentVersion = 3

// document is the persisted JSON shape. Optional fields are pointers so
// that older documents decode with nil instead of failing.
type document struct {
	Version        int                    `json:"version"`
	LocalID        string                 `json:"local_id"`
	UserID         string                 `json:"user_id,omitempty"`
	MemoryType     capture.MemoryType     `json:"memory_type"`
	InputText      *string                `json:"input_text"`
	PhotoPaths     []string               `json:"photo_paths,omitempty"`
	VideoPaths     []string               `json:"video_paths,omitempty"`
	Tags           []string               `json:"tags,omitempty"`
	AudioPath      *string                `json:"audio_path,omitempty"`
	AudioNanos     *int64                 `json:"audio_duration_ns,omitempty"`
	AudioMillis    *int64                 `json:"audio_duration_ms,omitempty"`
	Latitude       *float64               `json:"latitude"`
	Longitude      *float64               `json:"longitude"`
	LocationStatus capture.LocationStatus `json:"location_status,omitempty"`
	CapturedAt     time.Time              `json:"captured_at"`
	ServerMemoryID *string                `json:"server_memory_id"`
	Status         Status                 `json:"status"`
	RetryCount     int                    `json:"retry_count"`
	CreatedAt      time.Time              `json:"created_at"`
	LastRetryAt    *time.Time             `json:"last_retry_at"`
	ErrorMessage   *string                `json:"error_message"`
	ErrorCode      apperr.Code            `json:"error_code,omitempty"`
}

// Encode serializes q at CurrentVersion.
func Encode(q QueuedMemory) ([]byte, error) {
	doc := document{
		Version:        CurrentVersion,
		LocalID:        q.LocalID,
		UserID:         q.UserID,
		MemoryType:     q.MemoryType,
		InputText:      q.InputText,
		PhotoPaths:     q.PhotoPaths,
		VideoPaths:     q.VideoPaths,
		Tags:           q.Tags,
		AudioPath:      q.AudioPath,
		Latitude:       q.Latitude,
		Longitude:      q.Longitude,
		LocationStatus: q.LocationStatus,
		CapturedAt:     q.CapturedAt,
		ServerMemoryID: q.ServerMemoryID,
		Status:         q.Status,
		RetryCount:     q.RetryCount,
		CreatedAt:      q.CreatedAt,
		LastRetryAt:    q.LastRetryAt,
		ErrorMessage:   q.ErrorMessage,
		ErrorCode:      q.ErrorCode,
	}
	if q.AudioDuration != nil {
		ns := q.AudioDuration.Nanoseconds()
		doc.AudioNanos = &ns
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode queued memory: %w", err)
	}
	return data, nil
}

// Decode parses any known version. Fields absent from older documents
// stay nil; documents without a version are treated as version 1.
func Decode(data []byte) (QueuedMemory, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return QueuedMemory{}, fmt.Errorf("decode queued memory: %w", err)
	}
	if doc.LocalID == "" {
		return QueuedMemory{}, fmt.Errorf("decode queued memory: missing local_id")
	}
	if doc.Version <= 0 {
		doc.Version = 1
	}
	if doc.Status == "" {
		doc.Status = StatusQueued
	}
	q := QueuedMemory{
		Version:        doc.Version,
		LocalID:        doc.LocalID,
		UserID:         doc.UserID,
		MemoryType:     doc.MemoryType,
		InputText:      doc.InputText,
		PhotoPaths:     doc.PhotoPaths,
		VideoPaths:     doc.VideoPaths,
		Tags:           doc.Tags,
		AudioPath:      doc.AudioPath,
		Latitude:       doc.Latitude,
		Longitude:      doc.Longitude,
		LocationStatus: doc.LocationStatus,
		CapturedAt:     doc.CapturedAt,
		ServerMemoryID: doc.ServerMemoryID,
		Status:         doc.Status,
		RetryCount:     doc.RetryCount,
		CreatedAt:      doc.CreatedAt,
		LastRetryAt:    doc.LastRetryAt,
		ErrorMessage:   doc.ErrorMessage,
		ErrorCode:      doc.ErrorCode,
	}
	switch {
	case doc.AudioNanos != nil:
		d := time.Duration(*doc.AudioNanos)
		q.AudioDuration = &d
	case doc.AudioMillis != nil:
		d := time.Duration(*doc.AudioMillis) * time.Millisecond
		q.AudioDuration = &d
	}
	return q, nil
}
