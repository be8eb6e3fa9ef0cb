package capture

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/memories/internal/apperr"
)

var (
	ErrClosed           = errors.New("capture is closed")
	ErrAlreadyDictating = errors.New("dictation already running")
)

type State string

const (
	StateIdle      State = "idle"
	StateDictating State = "dictating"
)

// Capture holds one in-progress draft. All methods are safe for concurrent use.
type Capture struct {
	mu     sync.Mutex
	draft  Draft
	closed bool

	dictating  bool
	dictGen    int
	dictBase   string
	dictLast   string // latest transcript received
	dictFolded string // transcript prefix already part of dictBase
	dictCancel context.CancelFunc
	dictDone   chan struct{}
}

func New(memoryType MemoryType) *Capture {
	if !memoryType.Valid() {
		memoryType = MemoryTypeMoment
	}
	return &Capture{draft: Draft{MemoryType: memoryType, LocationStatus: LocationUnavailable}}
}

// Snapshot returns a copy of the current draft.
func (c *Capture) Snapshot() Draft {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft.Clone()
}

func (c *Capture) CanSave() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft.CanSave()
}

func (c *Capture) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dictating {
		return StateDictating
	}
	return StateIdle
}

func (c *Capture) SetMemoryType(t MemoryType) error {
	if !t.Valid() {
		return apperr.NewInvalidRequest("unknown memory type: " + string(t))
	}
	return c.mutate(func(d *Draft) error {
		d.MemoryType = t
		return nil
	})
}

// UpdateInputText replaces the text. During dictation the typed text
// becomes the new base and later updates only append what is spoken after
// the edit.
func (c *Capture) UpdateInputText(text string) error {
	return c.mutate(func(d *Draft) error {
		d.InputText = text
		if c.dictating {
			c.dictBase = text
			c.dictFolded = c.dictLast
		}
		return nil
	})
}

func (c *Capture) AddPhoto(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return apperr.NewInvalidRequest("photo path is required")
	}
	return c.mutate(func(d *Draft) error {
		if len(d.PhotoPaths) >= MaxPhotos {
			return apperr.NewCapacity("photos", MaxPhotos)
		}
		d.PhotoPaths = append(d.PhotoPaths, path)
		return nil
	})
}

func (c *Capture) AddVideo(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return apperr.NewInvalidRequest("video path is required")
	}
	return c.mutate(func(d *Draft) error {
		if len(d.VideoPaths) >= MaxVideos {
			return apperr.NewCapacity("videos", MaxVideos)
		}
		d.VideoPaths = append(d.VideoPaths, path)
		return nil
	})
}

func (c *Capture) RemovePhoto(path string) error {
	return c.mutate(func(d *Draft) error {
		d.PhotoPaths = removeFirst(d.PhotoPaths, path)
		return nil
	})
}

func (c *Capture) RemoveVideo(path string) error {
	return c.mutate(func(d *Draft) error {
		d.VideoPaths = removeFirst(d.VideoPaths, path)
		return nil
	})
}

// AddTag normalizes raw and adds it unless blank or already present.
func (c *Capture) AddTag(raw string) error {
	tag := NormalizeTag(raw)
	if tag == "" {
		return nil
	}
	return c.mutate(func(d *Draft) error {
		if !slices.Contains(d.Tags, tag) {
			d.Tags = append(d.Tags, tag)
		}
		return nil
	})
}

func (c *Capture) RemoveTag(raw string) error {
	tag := NormalizeTag(raw)
	return c.mutate(func(d *Draft) error {
		d.Tags = removeFirst(d.Tags, tag)
		return nil
	})
}

func (c *Capture) SetAudio(path string, duration time.Duration) error {
	return c.mutate(func(d *Draft) error {
		d.AudioPath = strings.TrimSpace(path)
		d.AudioDuration = duration
		return nil
	})
}

func (c *Capture) ClearAudio() error {
	return c.SetAudio("", 0)
}

// CaptureLocation asks loc for coordinates. Failures are recorded on the
// draft and returned; they never block other mutations.
func (c *Capture) CaptureLocation(ctx context.Context, loc Locator) error {
	lat, lon, err := loc.Locate(ctx)
	mutErr := c.mutate(func(d *Draft) error {
		if err != nil {
			d.Latitude, d.Longitude = nil, nil
			d.LocationStatus = LocationUnavailable
			if apperr.Is(err, apperr.CodePermission) {
				d.LocationStatus = LocationDenied
			}
			d.ErrorMessage = "location: " + err.Error()
			return nil
		}
		d.Latitude, d.Longitude = &lat, &lon
		d.LocationStatus = LocationGranted
		return nil
	})
	if mutErr != nil {
		return mutErr
	}
	return err
}

// Finalize stops any dictation, stamps CapturedAt and returns the draft
// ready for saving.
func (c *Capture) Finalize(now time.Time) (Draft, error) {
	c.StopDictation()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Draft{}, ErrClosed
	}
	if !c.draft.CanSave() {
		return Draft{}, apperr.NewInvalidRequest("draft has nothing to save")
	}
	c.draft.CapturedAt = now.UTC()
	c.draft.Tags = NormalizeTags(c.draft.Tags)
	return c.draft.Clone(), nil
}

// Close stops dictation and rejects every later mutation.
func (c *Capture) Close() {
	c.StopDictation()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Capture) mutate(fn func(d *Draft) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return fn(&c.draft)
}

func removeFirst(in []string, v string) []string {
	idx := slices.Index(in, v)
	if idx < 0 {
		return in
	}
	return slices.Delete(in, idx, idx+1)
}
