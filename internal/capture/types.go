package capture

import (
	"fmt"
	"strings"
	"time"
)

type MemoryType string

const (
	MemoryTypeMoment  MemoryType = "moment"
	MemoryTypeStory   MemoryType = "story"
	MemoryTypeMemento MemoryType = "memento"
)

// MemoryTypes lists every memory type; processor tables must cover all of them.
var MemoryTypes = []MemoryType{MemoryTypeMoment, MemoryTypeStory, MemoryTypeMemento}

func (t MemoryType) Valid() bool {
	switch t {
	case MemoryTypeMoment, MemoryTypeStory, MemoryTypeMemento:
		return true
	default:
		return false
	}
}

func ParseMemoryType(raw string) (MemoryType, error) {
	t := MemoryType(strings.ToLower(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown memory type %q (expected moment|story|memento)", raw)
	}
	return t, nil
}

type LocationStatus string

const (
	LocationGranted     LocationStatus = "granted"
	LocationDenied      LocationStatus = "denied"
	LocationUnavailable LocationStatus = "unavailable"
)

const (
	MaxPhotos = 10
	MaxVideos = 3
)

// Draft is an in-progress, unsaved capture.
type Draft struct {
	MemoryType     MemoryType     `json:"memory_type"`
	InputText      string         `json:"input_text,omitempty"`
	PhotoPaths     []string       `json:"photo_paths,omitempty"`
	VideoPaths     []string       `json:"video_paths,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	AudioPath      string         `json:"audio_path,omitempty"`
	AudioDuration  time.Duration  `json:"audio_duration,omitempty"`
	Latitude       *float64       `json:"latitude,omitempty"`
	Longitude      *float64       `json:"longitude,omitempty"`
	LocationStatus LocationStatus `json:"location_status,omitempty"`
	CapturedAt     time.Time      `json:"captured_at,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
}

// CanSave reports whether the draft has the minimum content for its type.
// Stories need audio; everything else needs text, a photo or a video.
// Tags never count.
func (d Draft) CanSave() bool {
	if d.MemoryType == MemoryTypeStory {
		return strings.TrimSpace(d.AudioPath) != ""
	}
	return strings.TrimSpace(d.InputText) != "" || len(d.PhotoPaths) > 0 || len(d.VideoPaths) > 0
}

func (d Draft) HasLocation() bool {
	return d.Latitude != nil && d.Longitude != nil
}

func (d Draft) Clone() Draft {
	out := d
	out.PhotoPaths = cloneStrings(d.PhotoPaths)
	out.VideoPaths = cloneStrings(d.VideoPaths)
	out.Tags = cloneStrings(d.Tags)
	if d.Latitude != nil {
		v := *d.Latitude
		out.Latitude = &v
	}
	if d.Longitude != nil {
		v := *d.Longitude
		out.Longitude = &v
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
