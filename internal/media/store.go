package media

import (
	"context"
	"io"
	"path"
	"strconv"
	"strings"
)

// Kind is the class of an attached media file.
type Kind string

const (
	KindPhoto Kind = "photo"
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

func (k Kind) Valid() bool {
	switch k {
	case KindPhoto, KindVideo, KindAudio:
		return true
	default:
		return false
	}
}

// Store persists media objects and returns the URL they are served under.
// Putting an existing key replaces the object.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

// ObjectKey derives the storage key of the index-th file of kind for one
// capture. Keys depend only on the idempotency key, so a retried save
// overwrites its earlier objects.
func ObjectKey(userID, localID string, kind Kind, index int, filename string) string {
	name := string(kind) + "-" + strconv.Itoa(index) + extension(filename)
	return path.Join(safeSegment(userID), safeSegment(localID), name)
}

func extension(filename string) string {
	ext := strings.ToLower(path.Ext(strings.ReplaceAll(filename, "\\", "/")))
	if len(ext) < 2 || len(ext) > 8 {
		return ""
	}
	for _, r := range ext[1:] {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return ""
		}
	}
	return ext
}

func safeSegment(raw string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
