package records

import (
	"strings"
	"time"

	"github.com/ent0n29/memories/internal/capture"
)

type JobState string

const (
	JobScheduled  JobState = "scheduled"
	JobProcessing JobState = "processing"
	JobComplete   JobState = "complete"
	JobFailed     JobState = "failed"
)

func (s JobState) Terminal() bool {
	return s == JobComplete || s == JobFailed
}

// Metadata keys written on processing jobs.
const (
	MetaMemoryType    = "memoryType"
	MetaFailureReason = "failureReason"
	MetaSkipped       = "skipped"
)

// MemoryRecord is the canonical server-side entry.
type MemoryRecord struct {
	ID               string             `json:"id"`
	UserID           string             `json:"user_id"`
	LocalID          string             `json:"local_id"`
	MemoryType       capture.MemoryType `json:"memory_type"`
	Title            string             `json:"title"`
	TitleEditedAt    *time.Time         `json:"title_edited_at,omitempty"`
	InputText        string             `json:"input_text,omitempty"`
	ProcessedText    *string            `json:"processed_text"`
	GeneratedTitle   *string            `json:"generated_title"`
	TitleGeneratedAt *time.Time         `json:"title_generated_at"`
	Tags             []string           `json:"tags"`
	PhotoURLs        []string           `json:"photo_urls"`
	VideoURLs        []string           `json:"video_urls"`
	AudioURL         string             `json:"audio_url,omitempty"`
	AudioDuration    time.Duration      `json:"audio_duration,omitempty"`
	Latitude         *float64           `json:"latitude"`
	Longitude        *float64           `json:"longitude"`
	CapturedAt       time.Time          `json:"captured_at"`
	CreatedAt        time.Time          `json:"created_at"`
}

// DisplayText prefers processed output, then the raw input, for every
// memory type alike. Empty means nothing to show.
func (m MemoryRecord) DisplayText() string {
	if m.ProcessedText != nil && strings.TrimSpace(*m.ProcessedText) != "" {
		return *m.ProcessedText
	}
	return m.InputText
}

func (m MemoryRecord) HasLocation() bool {
	return m.Latitude != nil && m.Longitude != nil
}

// NeedsProcessing reports whether a new record gets a processing job.
func (m MemoryRecord) NeedsProcessing() bool {
	return strings.TrimSpace(m.InputText) != ""
}

func (m MemoryRecord) Clone() MemoryRecord {
	out := m
	out.Tags = cloneStrings(m.Tags)
	out.PhotoURLs = cloneStrings(m.PhotoURLs)
	out.VideoURLs = cloneStrings(m.VideoURLs)
	out.TitleEditedAt = clonePtr(m.TitleEditedAt)
	out.ProcessedText = clonePtr(m.ProcessedText)
	out.GeneratedTitle = clonePtr(m.GeneratedTitle)
	out.TitleGeneratedAt = clonePtr(m.TitleGeneratedAt)
	out.Latitude = clonePtr(m.Latitude)
	out.Longitude = clonePtr(m.Longitude)
	return out
}

// ProcessingJob tracks text processing of one memory.
type ProcessingJob struct {
	ID           string         `json:"id"`
	MemoryID     string         `json:"memory_id"`
	State        JobState       `json:"state"`
	Attempts     int            `json:"attempts"`
	DispatchedAt *time.Time     `json:"dispatched_at,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"created_at"`
}

// MemoryType reads the type recorded in the job metadata.
func (j ProcessingJob) MemoryType() capture.MemoryType {
	if v, ok := j.Metadata[MetaMemoryType].(string); ok {
		return capture.MemoryType(v)
	}
	return ""
}

func (j ProcessingJob) Clone() ProcessingJob {
	out := j
	out.DispatchedAt = clonePtr(j.DispatchedAt)
	out.StartedAt = clonePtr(j.StartedAt)
	out.CompletedAt = clonePtr(j.CompletedAt)
	out.Metadata = mergeMetadata(j.Metadata, nil)
	return out
}

// ProcessingOutput is what a processor writes back to a memory.
type ProcessingOutput struct {
	ProcessedText string
	Title         string
}

func mergeMetadata(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
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
