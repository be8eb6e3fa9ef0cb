package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Multipart form fields of POST /v1/memories.
const (
	FieldPayload = "payload"
	FieldPhoto   = "photo"
	FieldVideo   = "video"
	FieldAudio   = "audio"

	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderUserID         = "X-User-ID"
)

// SavePayload is the JSON part of a remote save request.
type SavePayload struct {
	LocalID         string    `json:"local_id"`
	MemoryType      string    `json:"memory_type"`
	InputText       string    `json:"input_text,omitempty"`
	Tags            []string  `json:"tags,omitempty"`
	AudioDurationMS int64     `json:"audio_duration_ms,omitempty"`
	Latitude        *float64  `json:"latitude,omitempty"`
	Longitude       *float64  `json:"longitude,omitempty"`
	CapturedAt      time.Time `json:"captured_at"`
}

type FailedUpload struct {
	Kind  string `json:"kind"`
	Name  string `json:"name"`
	Error string `json:"error"`
}

type SaveResponse struct {
	MemoryID      string         `json:"memory_id"`
	PhotoURLs     []string       `json:"photo_urls"`
	VideoURLs     []string       `json:"video_urls"`
	AudioURL      string         `json:"audio_url,omitempty"`
	HasLocation   bool           `json:"has_location"`
	Deduplicated  bool           `json:"deduplicated"`
	FailedUploads []FailedUpload `json:"failed_uploads,omitempty"`
}

// ErrorResponse is the body of every non-2xx API answer.
type ErrorResponse struct {
	Error     string         `json:"error"`
	Code      string         `json:"code"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// ProcessRequest is the body a processor handle receives: the memory id only.
type ProcessRequest struct {
	MemoryID string `json:"memory_id"`
}

// MessageType identifies websocket payload variants of the agent event stream.
type MessageType string

const (
	TypeSyncCompleted MessageType = "sync_completed"
	TypeSyncFailed    MessageType = "sync_failed"
	TypePassFinished  MessageType = "pass_finished"
	TypeErrorEvent    MessageType = "error_event"

	TypeClientSync MessageType = "client_sync"
	TypeClientPing MessageType = "client_ping"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// SyncCompleted tells UI consumers a queued capture now has a server record.
type SyncCompleted struct {
	Type           MessageType `json:"type"`
	LocalID        string      `json:"local_id"`
	ServerMemoryID string      `json:"server_memory_id"`
	MemoryType     string      `json:"memory_type"`
}

type SyncFailed struct {
	Type       MessageType `json:"type"`
	LocalID    string      `json:"local_id"`
	Code       string      `json:"code"`
	Detail     string      `json:"detail"`
	RetryCount int         `json:"retry_count"`
	Permanent  bool        `json:"permanent"`
}

type PassFinished struct {
	Type      MessageType `json:"type"`
	Attempted int         `json:"attempted"`
	Completed int         `json:"completed"`
	Failed    int         `json:"failed"`
	Offline   bool        `json:"offline"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

type ClientSync struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason,omitempty"`
}

type ClientPing struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"ts_ms"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientSync:
		var msg ClientSync
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeClientPing:
		var msg ClientPing
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.TSMs < 0 {
			return nil, errors.New("invalid client_ping")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
