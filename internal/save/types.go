package save

import (
	"time"

	"github.com/ent0n29/memories/internal/capture"
	"github.com/ent0n29/memories/internal/media"
)

// Request is one capture presented for saving. LocalID is the
// idempotency key: the same (UserID, LocalID) never yields two records.
type Request struct {
	UserID        string
	LocalID       string
	MemoryType    capture.MemoryType
	InputText     string
	Tags          []string
	AudioDuration time.Duration
	Latitude      *float64
	Longitude     *float64
	CapturedAt    time.Time
	Media         []media.Source
}

type Result struct {
	MemoryID      string               `json:"memory_id"`
	PhotoURLs     []string             `json:"photo_urls"`
	VideoURLs     []string             `json:"video_urls"`
	AudioURL      string               `json:"audio_url,omitempty"`
	HasLocation   bool                 `json:"has_location"`
	Deduplicated  bool                 `json:"deduplicated"`
	FailedUploads []media.FailedUpload `json:"failed_uploads,omitempty"`
}
