package agentapi

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ent0n29/memories/internal/queue"
)

const previewRunes = 80

// QueueItem is the API view of a queued capture.
type QueueItem struct {
	LocalID        string     `json:"local_id"`
	MemoryType     string     `json:"memory_type"`
	Status         string     `json:"status"`
	Preview        string     `json:"preview,omitempty"`
	Photos         int        `json:"photos"`
	Videos         int        `json:"videos"`
	HasAudio       bool       `json:"has_audio"`
	Tags           []string   `json:"tags,omitempty"`
	RetryCount     int        `json:"retry_count"`
	ErrorCode      string     `json:"error_code,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	ServerMemoryID string     `json:"server_memory_id,omitempty"`
	CapturedAt     time.Time  `json:"captured_at"`
	CreatedAt      time.Time  `json:"created_at"`
	LastRetryAt    *time.Time `json:"last_retry_at,omitempty"`
}

func NewQueueItem(item queue.QueuedMemory) QueueItem {
	out := QueueItem{
		LocalID:     item.LocalID,
		MemoryType:  string(item.MemoryType),
		Status:      string(item.Status),
		Photos:      len(item.PhotoPaths),
		Videos:      len(item.VideoPaths),
		HasAudio:    item.AudioPath != nil && *item.AudioPath != "",
		Tags:        item.Tags,
		RetryCount:  item.RetryCount,
		ErrorCode:   string(item.ErrorCode),
		CapturedAt:  item.CapturedAt,
		CreatedAt:   item.CreatedAt,
		LastRetryAt: item.LastRetryAt,
	}
	if item.InputText != nil {
		out.Preview = preview(*item.InputText)
	}
	if item.ErrorMessage != nil {
		out.ErrorMessage = *item.ErrorMessage
	}
	if item.ServerMemoryID != nil {
		out.ServerMemoryID = *item.ServerMemoryID
	}
	return out
}

func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= previewRunes {
		return text
	}
	return string([]rune(text)[:previewRunes-1]) + "…"
}
