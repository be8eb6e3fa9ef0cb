package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ent0n29/memories/internal/apperr"
)

const tempPrefix = ".upload-"

// FileStore keeps media objects under a directory and enforces an optional
// byte quota across everything it holds.
type FileStore struct {
	root    string
	baseURL string
	quota   int64

	mu   sync.Mutex
	used int64
}

// NewFileStore opens (or creates) root. quota <= 0 means unlimited.
func NewFileStore(root, baseURL string, quota int64) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("media root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	s := &FileStore{
		root:    root,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		quota:   quota,
	}
	used, err := s.scanUsage()
	if err != nil {
		return nil, err
	}
	s.used = used
	return s, nil
}

func (s *FileStore) scanUsage() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan media usage: %w", err)
	}
	return total, nil
}

func (s *FileStore) Put(ctx context.Context, key string, r io.Reader, _ string) (string, error) {
	full, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), tempPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("create temp media file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	size, copyErr := io.Copy(tmp, &contextReader{ctx: ctx, r: r})
	closeErr := tmp.Close()
	if copyErr != nil {
		return "", fmt.Errorf("write media object: %w", copyErr)
	}
	if closeErr != nil {
		return "", fmt.Errorf("close media object: %w", closeErr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var previous int64
	if info, err := os.Stat(full); err == nil {
		previous = info.Size()
	}
	if s.quota > 0 && s.used-previous+size > s.quota {
		return "", apperr.NewStorageQuota(fmt.Sprintf("media quota of %d bytes exceeded", s.quota))
	}
	if err := os.Rename(tmpName, full); err != nil {
		return "", fmt.Errorf("commit media object: %w", err)
	}
	s.used += size - previous
	return s.URL(key), nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	full, err := s.resolve(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat media object: %w", err)
	}
	if err := os.Remove(full); err != nil {
		return fmt.Errorf("delete media object: %w", err)
	}
	s.used -= info.Size()
	return nil
}

// Used reports the bytes currently held.
func (s *FileStore) Used() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

func (s *FileStore) URL(key string) string {
	return s.baseURL + "/" + strings.TrimLeft(path.Clean("/"+key), "/")
}

// Handler serves stored objects; mount it under the base URL path.
func (s *FileStore) Handler() http.Handler {
	return http.FileServer(http.Dir(s.root))
}

func (s *FileStore) resolve(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.Contains(key, "\\") || strings.Contains(key, "..") {
		return "", apperr.NewInvalidRequest("invalid media key")
	}
	clean := path.Clean("/" + key)
	if clean == "/" || strings.Contains(clean, "/.") {
		return "", apperr.NewInvalidRequest("invalid media key")
	}
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
