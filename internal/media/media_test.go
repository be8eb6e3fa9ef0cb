package media

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/memories/internal/apperr"
	"github.com/ent0n29/memories/internal/reliability"
)

func stringSource(kind Kind, name, body string) Source {
	return Source{
		Kind: kind,
		Name: name,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(body)), nil
		},
	}
}

func TestObjectKeyIsDeterministicAndSafe(t *testing.T) {
	assert.Equal(t, "user-1/01HX/photo-0.jpg", ObjectKey("user-1", "01HX", KindPhoto, 0, "IMG_1.JPG"))
	assert.Equal(t, "_/_____/audio-0.m4a", ObjectKey("", "../..", KindAudio, 0, "/tmp/a.m4a"))
	assert.Equal(t, "a_b/x/video-2", ObjectKey("a/b", "x", KindVideo, 2, "clip"))
}

func TestFileStorePutOverwriteAndServe(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir(), "/media/", 0)
	require.NoError(t, err)

	url, err := s.Put(ctx, "u/l/photo-0.jpg", strings.NewReader("first"), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "/media/u/l/photo-0.jpg", url)
	assert.EqualValues(t, 5, s.Used())

	_, err = s.Put(ctx, "u/l/photo-0.jpg", strings.NewReader("second!"), "image/jpeg")
	require.NoError(t, err)
	assert.EqualValues(t, 7, s.Used())

	srv := httptest.NewServer(http.StripPrefix("/media", s.Handler()))
	defer srv.Close()
	resp, err := http.Get(srv.URL + url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "second!", string(body))

	require.NoError(t, s.Delete(ctx, "u/l/photo-0.jpg"))
	assert.EqualValues(t, 0, s.Used())
	require.NoError(t, s.Delete(ctx, "u/l/photo-0.jpg"))
}

func TestFileStoreRejectsEscapingKeys(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), "/media", 0)
	require.NoError(t, err)
	for _, key := range []string{"", "../etc/passwd", "a/../../b", "a\\b", "a/.hidden"} {
		_, err := s.Put(context.Background(), key, strings.NewReader("x"), "")
		require.True(t, apperr.Is(err, apperr.CodeInvalidRequest), "key %q: %v", key, err)
	}
}

func TestFileStoreQuota(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, "/media", 10)
	require.NoError(t, err)

	_, err = s.Put(context.Background(), "u/l/photo-0", strings.NewReader("12345678"), "")
	require.NoError(t, err)
	_, err = s.Put(context.Background(), "u/l/photo-1", strings.NewReader("12345"), "")
	require.True(t, apperr.Is(err, apperr.CodeStorageQuota))
	assert.EqualValues(t, 8, s.Used())

	reopened, err := NewFileStore(dir, "/media", 10)
	require.NoError(t, err)
	assert.EqualValues(t, 8, reopened.Used())
}

// hangingStore blocks forever on keys containing hang until the attempt times out.
type hangingStore struct {
	Store
	hang string

	mu    sync.Mutex
	calls map[string]int
}

func (h *hangingStore) Put(ctx context.Context, key string, r io.Reader, ct string) (string, error) {
	h.mu.Lock()
	if h.calls == nil {
		h.calls = map[string]int{}
	}
	h.calls[key]++
	h.mu.Unlock()
	if strings.Contains(key, h.hang) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return h.Store.Put(ctx, key, r, ct)
}

func TestUploaderKeepsPartialSuccess(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), "/media", 0)
	require.NoError(t, err)
	store := &hangingStore{Store: fs, hang: "photo-2"}
	u := NewUploader(store, reliability.RetryPolicy{Attempts: 2, Timeout: 20 * time.Millisecond}, nil)

	res, err := u.UploadAll(context.Background(), "user-1", "loc-1", []Source{
		stringSource(KindPhoto, "a.jpg", "a"),
		stringSource(KindPhoto, "b.jpg", "b"),
		stringSource(KindPhoto, "c.jpg", "c"),
		stringSource(KindAudio, "voice.m4a", "audio"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/media/user-1/loc-1/photo-0.jpg", "/media/user-1/loc-1/photo-1.jpg"}, res.PhotoURLs)
	assert.Equal(t, "/media/user-1/loc-1/audio-0.m4a", res.AudioURL)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "c.jpg", res.Failed[0].Name)
	assert.Equal(t, 2, store.calls["user-1/loc-1/photo-2.jpg"])
}

func TestUploaderSkipsUnreadableFilesWithoutRetry(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), "/media", 0)
	require.NoError(t, err)
	u := NewUploader(fs, reliability.RetryPolicy{Attempts: 3}, nil)

	opens := 0
	missing := Source{Kind: KindVideo, Name: "gone.mp4", Open: func() (io.ReadCloser, error) {
		opens++
		return nil, errors.New("no such file")
	}}
	res, err := u.UploadAll(context.Background(), "u", "l", []Source{missing, stringSource(KindVideo, "ok.mp4", "v")})
	require.NoError(t, err)
	assert.Equal(t, 1, opens)
	assert.Equal(t, []string{"/media/u/l/video-1.mp4"}, res.VideoURLs)
	require.Len(t, res.Failed, 1)
}

func TestUploaderAbortsOnQuota(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), "/media", 3)
	require.NoError(t, err)
	u := NewUploader(fs, reliability.RetryPolicy{Attempts: 3}, nil)

	res, err := u.UploadAll(context.Background(), "u", "l", []Source{
		stringSource(KindPhoto, "a.jpg", "ab"),
		stringSource(KindPhoto, "b.jpg", "cd"),
		stringSource(KindPhoto, "c.jpg", "e"),
	})
	require.True(t, apperr.Is(err, apperr.CodeStorageQuota))
	assert.Len(t, res.PhotoURLs, 1)
}
