package save

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/memories/internal/apperr"
	"github.com/ent0n29/memories/internal/capture"
	"github.com/ent0n29/memories/internal/media"
	"github.com/ent0n29/memories/internal/records"
)

// Observer receives save outcomes.
type Observer interface {
	ObserveSave(outcome string, d time.Duration)
}

// Service is the server half of the remote save: upload media, write the
// record and schedule its processing job. It never generates titles.
type Service struct {
	store    records.Store
	uploader *media.Uploader
	observer Observer
	now      func() time.Time
}

func NewService(store records.Store, uploader *media.Uploader, observer Observer) *Service {
	return &Service{
		store:    store,
		uploader: uploader,
		observer: observer,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Save(ctx context.Context, req Request) (Result, error) {
	started := time.Now()
	res, err := s.save(ctx, req)
	if s.observer != nil {
		outcome := "created"
		switch {
		case err != nil:
			outcome = strings.ToLower(string(apperr.CodeOf(err)))
		case res.Deduplicated:
			outcome = "deduplicated"
		case len(res.FailedUploads) > 0:
			outcome = "partial"
		}
		s.observer.ObserveSave(outcome, time.Since(started))
	}
	return res, err
}

func (s *Service) save(ctx context.Context, req Request) (Result, error) {
	if err := validate(&req); err != nil {
		return Result{}, err
	}

	existing, err := s.store.GetMemoryByLocalID(ctx, req.UserID, req.LocalID)
	switch {
	case err == nil:
		return fromRecord(existing, true, nil), nil
	case !errors.Is(err, records.ErrNotFound):
		return Result{}, apperr.NewSave("look up memory", err)
	}

	uploaded, err := s.uploader.UploadAll(ctx, req.UserID, req.LocalID, req.Media)
	if err != nil {
		return Result{}, err
	}

	rec := records.MemoryRecord{
		UserID:        req.UserID,
		LocalID:       req.LocalID,
		MemoryType:    req.MemoryType,
		InputText:     req.InputText,
		Tags:          capture.NormalizeTags(req.Tags),
		PhotoURLs:     uploaded.PhotoURLs,
		VideoURLs:     uploaded.VideoURLs,
		AudioURL:      uploaded.AudioURL,
		AudioDuration: req.AudioDuration,
		Latitude:      req.Latitude,
		Longitude:     req.Longitude,
		CapturedAt:    req.CapturedAt,
		CreatedAt:     s.now(),
	}
	if rec.AudioURL == "" {
		rec.AudioDuration = 0
	}

	stored, created, err := s.store.CreateMemory(ctx, rec, rec.NeedsProcessing())
	if err != nil {
		return Result{}, apperr.NewSave("insert memory", err)
	}
	if !created {
		// A concurrent save of the same key won the insert.
		return fromRecord(stored, true, nil), nil
	}
	return fromRecord(stored, false, uploaded.Failed), nil
}

func validate(req *Request) error {
	req.UserID = strings.TrimSpace(req.UserID)
	req.LocalID = strings.TrimSpace(req.LocalID)
	if req.UserID == "" {
		return apperr.NewInvalidRequest("user id is required")
	}
	if req.LocalID == "" {
		return apperr.NewInvalidRequest("local_id is required")
	}
	if !req.MemoryType.Valid() {
		return apperr.NewInvalidRequest(fmt.Sprintf("unknown memory type %q", req.MemoryType))
	}
	if (req.Latitude == nil) != (req.Longitude == nil) {
		return apperr.NewInvalidRequest("latitude and longitude must be set together")
	}

	counts := map[media.Kind]int{}
	for _, src := range req.Media {
		counts[src.Kind]++
	}
	switch {
	case counts[media.KindPhoto] > capture.MaxPhotos:
		return apperr.NewCapacity("photos", capture.MaxPhotos)
	case counts[media.KindVideo] > capture.MaxVideos:
		return apperr.NewCapacity("videos", capture.MaxVideos)
	case counts[media.KindAudio] > 1:
		return apperr.NewCapacity("audio files", 1)
	}
	if req.CapturedAt.IsZero() {
		req.CapturedAt = time.Now().UTC()
	}
	return nil
}

func fromRecord(rec records.MemoryRecord, deduplicated bool, failed []media.FailedUpload) Result {
	photos := rec.PhotoURLs
	if photos == nil {
		photos = []string{}
	}
	videos := rec.VideoURLs
	if videos == nil {
		videos = []string{}
	}
	return Result{
		MemoryID:      rec.ID,
		PhotoURLs:     photos,
		VideoURLs:     videos,
		AudioURL:      rec.AudioURL,
		HasLocation:   rec.HasLocation(),
		Deduplicated:  deduplicated,
		FailedUploads: failed,
	}
}
