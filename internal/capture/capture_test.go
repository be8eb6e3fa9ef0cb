package capture

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/memories/internal/apperr"
)

func TestStoryNeedsAudio(t *testing.T) {
	c := New(MemoryTypeStory)
	require.False(t, c.CanSave())

	require.NoError(t, c.UpdateInputText("a long story"))
	require.NoError(t, c.AddPhoto("/p.jpg"))
	require.False(t, c.CanSave())

	require.NoError(t, c.SetAudio("/tmp/a.m4a", 12*time.Second))
	require.True(t, c.CanSave())
}

func TestMediaCapsRejectWithoutChangingState(t *testing.T) {
	c := New(MemoryTypeMoment)
	for i := 0; i < MaxPhotos; i++ {
		require.NoError(t, c.AddPhoto("/p.jpg"))
	}
	err := c.AddPhoto("/one-too-many.jpg")
	require.True(t, apperr.Is(err, apperr.CodeCapacity))
	assert.Len(t, c.Snapshot().PhotoPaths, MaxPhotos)

	for i := 0; i < MaxVideos; i++ {
		require.NoError(t, c.AddVideo("/v.mp4"))
	}
	err = c.AddVideo("/v4.mp4")
	require.True(t, apperr.Is(err, apperr.CodeCapacity))
	assert.Len(t, c.Snapshot().VideoPaths, MaxVideos)
}

func TestTagsAreNormalizedAndNeverEnableSave(t *testing.T) {
	c := New(MemoryTypeMoment)
	require.NoError(t, c.AddTag("  Beach "))
	require.NoError(t, c.AddTag("BEACH"))
	require.NoError(t, c.AddTag("Sunset"))
	assert.Equal(t, []string{"beach", "sunset"}, c.Snapshot().Tags)
	assert.False(t, c.CanSave())

	require.NoError(t, c.RemoveTag("SUNSET"))
	assert.Equal(t, []string{"beach"}, c.Snapshot().Tags)
}

func TestFinalizeStampsCapturedAt(t *testing.T) {
	c := New(MemoryTypeMoment)
	_, err := c.Finalize(time.Now())
	require.True(t, apperr.Is(err, apperr.CodeInvalidRequest))

	require.NoError(t, c.UpdateInputText("hello"))
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	d, err := c.Finalize(now)
	require.NoError(t, err)
	assert.Equal(t, now, d.CapturedAt)
}

func TestClosedCaptureRejectsMutations(t *testing.T) {
	c := New(MemoryTypeMoment)
	c.Close()
	require.ErrorIs(t, c.UpdateInputText("x"), ErrClosed)
	require.ErrorIs(t, c.AddTag("x"), ErrClosed)
}

type chanTranscriber struct {
	ch chan Transcript
}

func (c *chanTranscriber) Transcribe(ctx context.Context) (<-chan Transcript, error) {
	out := make(chan Transcript)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case tr, ok := <-c.ch:
				if !ok {
					return
				}
				select {
				case out <- tr:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestDictationAppendsToTypedText(t *testing.T) {
	c := New(MemoryTypeMoment)
	require.NoError(t, c.UpdateInputText("Typed first."))

	tr := &chanTranscriber{ch: make(chan Transcript)}
	require.NoError(t, c.StartDictation(context.Background(), tr))
	assert.Equal(t, StateDictating, c.State())
	require.ErrorIs(t, c.StartDictation(context.Background(), tr), ErrAlreadyDictating)

	tr.ch <- Transcript{Text: "then"}
	tr.ch <- Transcript{Text: "then spoken"}
	waitFor(t, func() bool { return c.Snapshot().InputText == "Typed first. then spoken" })

	c.StopDictation()
	assert.Equal(t, StateIdle, c.State())

	// No update may land after StopDictation returned.
	select {
	case tr.ch <- Transcript{Text: "late"}:
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, "Typed first. then spoken", c.Snapshot().InputText)
}

func TestTypingDuringDictationIsKept(t *testing.T) {
	c := New(MemoryTypeMoment)
	tr := &chanTranscriber{ch: make(chan Transcript)}
	require.NoError(t, c.StartDictation(context.Background(), tr))
	defer c.StopDictation()

	tr.ch <- Transcript{Text: "the harbour"}
	waitFor(t, func() bool { return c.Snapshot().InputText == "the harbour" })

	require.NoError(t, c.UpdateInputText("The harbour at dawn."))
	tr.ch <- Transcript{Text: "the harbour with grandma"}
	waitFor(t, func() bool { return c.Snapshot().InputText == "The harbour at dawn. with grandma" })
}

func TestDictationErrorIsRecordedNotFatal(t *testing.T) {
	c := New(MemoryTypeMoment)
	tr := &chanTranscriber{ch: make(chan Transcript, 1)}
	require.NoError(t, c.StartDictation(context.Background(), tr))
	tr.ch <- Transcript{Err: errors.New("mic unplugged")}

	waitFor(t, func() bool { return c.State() == StateIdle })
	assert.Contains(t, c.Snapshot().ErrorMessage, "mic unplugged")
	require.NoError(t, c.AddTag("still works"))
}

func TestLineTranscriberAccumulates(t *testing.T) {
	c := New(MemoryTypeMoment)
	require.NoError(t, c.StartDictation(context.Background(), LineTranscriber{R: strings.NewReader("hello\n\nworld\n")}))
	waitFor(t, func() bool { return c.State() == StateIdle })
	assert.Equal(t, "hello world", c.Snapshot().InputText)
}

func TestCaptureLocation(t *testing.T) {
	c := New(MemoryTypeMoment)
	require.NoError(t, c.CaptureLocation(context.Background(), StaticLocator{Lat: 48.85, Lon: 2.35, Set: true}))
	d := c.Snapshot()
	require.True(t, d.HasLocation())
	assert.Equal(t, LocationGranted, d.LocationStatus)

	err := c.CaptureLocation(context.Background(), StaticLocator{Denied: true})
	require.True(t, apperr.Is(err, apperr.CodePermission))
	d = c.Snapshot()
	assert.False(t, d.HasLocation())
	assert.Equal(t, LocationDenied, d.LocationStatus)
	assert.NotEmpty(t, d.ErrorMessage)

	err = c.CaptureLocation(context.Background(), StaticLocator{})
	require.ErrorIs(t, err, ErrNoFix)
	assert.Equal(t, LocationUnavailable, c.Snapshot().LocationStatus)
}
