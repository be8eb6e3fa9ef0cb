package media

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/ent0n29/memories/internal/apperr"
	"github.com/ent0n29/memories/internal/observability"
	"github.com/ent0n29/memories/internal/reliability"
)

// Source is one attached file. Open is called once per attempt.
type Source struct {
	Kind        Kind
	Name        string
	ContentType string
	Open        func() (io.ReadCloser, error)
}

type FailedUpload struct {
	Kind  Kind   `json:"kind"`
	Name  string `json:"name"`
	Error string `json:"error"`
}

type UploadResult struct {
	PhotoURLs []string
	VideoURLs []string
	AudioURL  string
	Failed    []FailedUpload
}

// Observer receives per-file upload outcomes.
type Observer interface {
	ObserveUploadFailure(kind string)
	ObserveStage(stage string, d time.Duration)
}

// Uploader stores every file of a capture, retrying each on its own.
type Uploader struct {
	store    Store
	policy   reliability.RetryPolicy
	observer Observer
}

func NewUploader(store Store, policy reliability.RetryPolicy, observer Observer) *Uploader {
	if policy.Attempts <= 0 {
		policy.Attempts = 3
	}
	if policy.Timeout <= 0 {
		policy.Timeout = 30 * time.Second
	}
	return &Uploader{store: store, policy: policy, observer: observer}
}

// UploadAll stores sources in order. A file that keeps failing is listed in
// Failed and the rest carry on; only a quota failure aborts the batch.
func (u *Uploader) UploadAll(ctx context.Context, userID, localID string, sources []Source) (UploadResult, error) {
	var out UploadResult
	counts := map[Kind]int{}
	for _, src := range sources {
		if !src.Kind.Valid() {
			out.Failed = append(out.Failed, FailedUpload{Kind: src.Kind, Name: src.Name, Error: "unknown media kind"})
			continue
		}
		key := ObjectKey(userID, localID, src.Kind, counts[src.Kind], src.Name)
		counts[src.Kind]++

		started := time.Now()
		url, err := u.uploadOne(ctx, key, src)
		if u.observer != nil {
			u.observer.ObserveStage(observability.StageUpload, time.Since(started))
		}
		if err != nil {
			if apperr.Is(err, apperr.CodeStorageQuota) {
				return out, err
			}
			log.Printf("media: upload %s %q failed: %v", src.Kind, src.Name, err)
			if u.observer != nil {
				u.observer.ObserveUploadFailure(string(src.Kind))
			}
			out.Failed = append(out.Failed, FailedUpload{Kind: src.Kind, Name: src.Name, Error: err.Error()})
			continue
		}

		switch src.Kind {
		case KindPhoto:
			out.PhotoURLs = append(out.PhotoURLs, url)
		case KindVideo:
			out.VideoURLs = append(out.VideoURLs, url)
		case KindAudio:
			out.AudioURL = url
		}
	}
	return out, nil
}

func (u *Uploader) uploadOne(ctx context.Context, key string, src Source) (string, error) {
	var url string
	err := reliability.Retry(ctx, u.policy, func(ctx context.Context) error {
		rc, err := src.Open()
		if err != nil {
			return reliability.Permanent(fmt.Errorf("open %s: %w", src.Name, err))
		}
		defer rc.Close()

		got, err := u.store.Put(ctx, key, rc, src.ContentType)
		if err != nil {
			if !apperr.IsRetryable(err) {
				return reliability.Permanent(err)
			}
			return err
		}
		url = got
		return nil
	})
	return url, err
}
