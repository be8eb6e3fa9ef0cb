package queue

import (
	"time"

	"github.com/ent0n29/memories/internal/apperr"
	"github.com/ent0n29/memories/internal/capture"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusSyncing   Status = "syncing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// QueuedMemory is a capture waiting for server confirmation.
// LocalID is immutable and is the idempotency key of every save attempt.
type QueuedMemory struct {
	Version        int
	LocalID        string
	UserID         string
	MemoryType     capture.MemoryType
	InputText      *string
	PhotoPaths     []string
	VideoPaths     []string
	Tags           []string
	AudioPath      *string
	AudioDuration  *time.Duration
	Latitude       *float64
	Longitude      *float64
	LocationStatus capture.LocationStatus
	CapturedAt     time.Time
	ServerMemoryID *string
	Status         Status
	RetryCount     int
	CreatedAt      time.Time
	LastRetryAt    *time.Time
	ErrorMessage   *string
	ErrorCode      apperr.Code
}

// FromDraft materializes a finalized draft as a queued item.
func FromDraft(localID, userID string, d capture.Draft, now time.Time) QueuedMemory {
	q := QueuedMemory{
		Version:        CurrentVersion,
		LocalID:        localID,
		UserID:         userID,
		MemoryType:     d.MemoryType,
		PhotoPaths:     d.PhotoPaths,
		VideoPaths:     d.VideoPaths,
		Tags:           capture.NormalizeTags(d.Tags),
		Latitude:       d.Latitude,
		Longitude:      d.Longitude,
		LocationStatus: d.LocationStatus,
		CapturedAt:     d.CapturedAt,
		Status:         StatusQueued,
		CreatedAt:      now.UTC(),
	}
	if d.InputText != "" {
		text := d.InputText
		q.InputText = &text
	}
	if d.AudioPath != "" {
		path := d.AudioPath
		dur := d.AudioDuration
		q.AudioPath = &path
		q.AudioDuration = &dur
	}
	if q.CapturedAt.IsZero() {
		q.CapturedAt = q.CreatedAt
	}
	return q
}

// Draft rebuilds the capture payload of the item.
func (q QueuedMemory) Draft() capture.Draft {
	d := capture.Draft{
		MemoryType:     q.MemoryType,
		PhotoPaths:     q.PhotoPaths,
		VideoPaths:     q.VideoPaths,
		Tags:           q.Tags,
		Latitude:       q.Latitude,
		Longitude:      q.Longitude,
		LocationStatus: q.LocationStatus,
		CapturedAt:     q.CapturedAt,
	}
	if q.InputText != nil {
		d.InputText = *q.InputText
	}
	if q.AudioPath != nil {
		d.AudioPath = *q.AudioPath
	}
	if q.AudioDuration != nil {
		d.AudioDuration = *q.AudioDuration
	}
	return d.Clone()
}

func (q QueuedMemory) Clone() QueuedMemory {
	out := q
	out.PhotoPaths = cloneStrings(q.PhotoPaths)
	out.VideoPaths = cloneStrings(q.VideoPaths)
	out.Tags = cloneStrings(q.Tags)
	out.InputText = clonePtr(q.InputText)
	out.AudioPath = clonePtr(q.AudioPath)
	out.AudioDuration = clonePtr(q.AudioDuration)
	out.Latitude = clonePtr(q.Latitude)
	out.Longitude = clonePtr(q.Longitude)
	out.ServerMemoryID = clonePtr(q.ServerMemoryID)
	out.LastRetryAt = clonePtr(q.LastRetryAt)
	out.ErrorMessage = clonePtr(q.ErrorMessage)
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
