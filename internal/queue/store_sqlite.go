package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/ent0n29/memories/internal/apperr"
)

// schemaVersion is the SQLite user_version this store migrates to.
const schemaVersion = 1

// SQLiteStore keeps the queue in a single SQLite file. The row carries
// status and creation time for selection; the item itself is the
// versioned JSON document from Encode.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // serializes writers
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create queue directory: %w", err)
		}
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	_ = os.Chmod(path, 0o600)
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read queue schema version: %w", err)
	}
	if version < 1 {
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS queued_memories (
				local_id TEXT PRIMARY KEY,
				status TEXT NOT NULL,
				created_at_ms INTEGER NOT NULL,
				payload_json TEXT NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS queued_memories_status_idx ON queued_memories(status, created_at_ms, local_id);`,
		}
		for _, stmt := range stmts {
			if _, err := db.Exec(stmt); err != nil {
				return fmt.Errorf("migrate queue schema failed on %q: %w", stmt, err)
			}
		}
	}
	if version < schemaVersion {
		if _, err := db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
			return fmt.Errorf("set queue schema version: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Enqueue(ctx context.Context, item QueuedMemory) error {
	if item.LocalID == "" {
		return apperr.NewInvalidRequest("local_id is required")
	}
	payload, err := Encode(item)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO queued_memories(local_id, status, created_at_ms, payload_json)
VALUES (?, ?, ?, ?)
ON CONFLICT(local_id) DO NOTHING`, item.LocalID, string(item.Status), item.CreatedAt.UnixMilli(), string(payload))
	if err != nil {
		return fmt.Errorf("enqueue memory: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("enqueue memory: %w", err)
	}
	if affected == 0 {
		return apperr.NewDuplicateLocalID(item.LocalID)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, localID string) (QueuedMemory, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload_json FROM queued_memories WHERE local_id = ?`, localID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return QueuedMemory{}, apperr.NewNotFound("queued memory", localID)
		}
		return QueuedMemory{}, fmt.Errorf("get queued memory: %w", err)
	}
	return Decode([]byte(payload))
}

func (s *SQLiteStore) GetByStatus(ctx context.Context, status Status) ([]QueuedMemory, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT local_id, payload_json FROM queued_memories
WHERE status = ?
ORDER BY created_at_ms ASC, local_id ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list queued memories by status: %w", err)
	}
	return scanItems(rows)
}

func (s *SQLiteStore) List(ctx context.Context) ([]QueuedMemory, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT local_id, payload_json FROM queued_memories
ORDER BY created_at_ms ASC, local_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list queued memories: %w", err)
	}
	return scanItems(rows)
}

func (s *SQLiteStore) Update(ctx context.Context, item QueuedMemory) error {
	payload, err := Encode(item)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
UPDATE queued_memories
SET status = ?, created_at_ms = ?, payload_json = ?
WHERE local_id = ?`, string(item.Status), item.CreatedAt.UnixMilli(), string(payload), item.LocalID)
	if err != nil {
		return fmt.Errorf("update queued memory: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return apperr.NewNotFound("queued memory", item.LocalID)
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queued_memories WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("remove queued memory: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecoverInterrupted(ctx context.Context) (int, error) {
	stuck, err := s.GetByStatus(ctx, StatusSyncing)
	if err != nil {
		return 0, err
	}
	for _, item := range stuck {
		item.Status = StatusQueued
		if err := s.Update(ctx, item); err != nil {
			return 0, fmt.Errorf("recover %s: %w", item.LocalID, err)
		}
	}
	return len(stuck), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanItems decodes every row. A row that no longer decodes is logged and
// left out so the rest of the queue keeps syncing.
func scanItems(rows *sql.Rows) ([]QueuedMemory, error) {
	defer rows.Close()
	out := make([]QueuedMemory, 0)
	for rows.Next() {
		var localID, payload string
		if err := rows.Scan(&localID, &payload); err != nil {
			return nil, fmt.Errorf("scan queued memory: %w", err)
		}
		item, err := Decode([]byte(payload))
		if err != nil {
			log.Printf("queue: skipping unreadable item %s: %v", localID, err)
			continue
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queued memories: %w", err)
	}
	return out, nil
}
