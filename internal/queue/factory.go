package queue

import "strings"

// NewStore opens a SQLite-backed queue at path, or an in-memory queue when
// path is empty.
func NewStore(path string) (Store, error) {
	if strings.TrimSpace(path) == "" {
		return NewInMemoryStore(), nil
	}
	return NewSQLiteStore(path)
}
