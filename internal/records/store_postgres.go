package records

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/memories/internal/capture"
)

// PostgresStore persists memories and processing jobs in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			local_id TEXT NOT NULL DEFAULT '',
			memory_type TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			title_edited_at TIMESTAMPTZ NULL,
			input_text TEXT NOT NULL DEFAULT '',
			processed_text TEXT NULL,
			generated_title TEXT NULL,
			title_generated_at TIMESTAMPTZ NULL,
			tags TEXT[] NOT NULL DEFAULT '{}',
			photo_urls TEXT[] NOT NULL DEFAULT '{}',
			video_urls TEXT[] NOT NULL DEFAULT '{}',
			audio_url TEXT NOT NULL DEFAULT '',
			audio_duration_ms BIGINT NOT NULL DEFAULT 0,
			latitude DOUBLE PRECISION NULL,
			longitude DOUBLE PRECISION NULL,
			captured_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_memories_user_local ON memories (user_id, local_id) WHERE local_id <> '';`,
		`CREATE INDEX IF NOT EXISTS idx_memories_user_created ON memories (user_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS processing_jobs (
			id TEXT PRIMARY KEY,
			memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
			state TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			dispatched_at TIMESTAMPTZ NULL,
			started_at TIMESTAMPTZ NULL,
			completed_at TIMESTAMPTZ NULL,
			last_error TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_processing_jobs_one_active ON processing_jobs (memory_id) WHERE state IN ('scheduled', 'processing');`,
		`CREATE INDEX IF NOT EXISTS idx_processing_jobs_claim ON processing_jobs (state, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init records schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const memoryColumns = `id, user_id, local_id, memory_type, title, title_edited_at, input_text, processed_text,
	generated_title, title_generated_at, tags, photo_urls, video_urls, audio_url, audio_duration_ms,
	latitude, longitude, captured_at, created_at`

const jobColumns = `id, memory_id, state, attempts, dispatched_at, started_at, completed_at, last_error, metadata, created_at`

func (s *PostgresStore) CreateMemory(ctx context.Context, rec MemoryRecord, scheduleJob bool) (MemoryRecord, bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return MemoryRecord{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var insertedID string
	err = tx.QueryRow(ctx,
		`INSERT INTO memories (
			id, user_id, local_id, memory_type, title, input_text, tags, photo_urls, video_urls,
			audio_url, audio_duration_ms, latitude, longitude, captured_at, created_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
		)
		ON CONFLICT (user_id, local_id) WHERE local_id <> '' DO NOTHING
		RETURNING id`,
		rec.ID,
		rec.UserID,
		rec.LocalID,
		string(rec.MemoryType),
		rec.Title,
		rec.InputText,
		nonNil(rec.Tags),
		nonNil(rec.PhotoURLs),
		nonNil(rec.VideoURLs),
		rec.AudioURL,
		rec.AudioDuration.Milliseconds(),
		rec.Latitude,
		rec.Longitude,
		rec.CapturedAt,
		rec.CreatedAt,
	).Scan(&insertedID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			_ = tx.Rollback(ctx)
			existing, getErr := s.GetMemoryByLocalID(ctx, rec.UserID, rec.LocalID)
			if getErr != nil {
				return MemoryRecord{}, false, fmt.Errorf("load existing memory: %w", getErr)
			}
			return existing, false, nil
		}
		return MemoryRecord{}, false, fmt.Errorf("insert memory: %w", err)
	}

	if scheduleJob {
		_, err = tx.Exec(ctx,
			`INSERT INTO processing_jobs (id, memory_id, state, attempts, metadata, created_at)
			 VALUES ($1, $2, $3, 0, $4, $5)
			 ON CONFLICT (memory_id) WHERE state IN ('scheduled', 'processing') DO NOTHING`,
			uuid.NewString(),
			rec.ID,
			string(JobScheduled),
			map[string]any{MetaMemoryType: string(rec.MemoryType)},
			rec.CreatedAt,
		)
		if err != nil {
			return MemoryRecord{}, false, fmt.Errorf("schedule processing job: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return MemoryRecord{}, false, fmt.Errorf("commit tx: %w", err)
	}
	return rec.Clone(), true, nil
}

func (s *PostgresStore) GetMemory(ctx context.Context, id string) (MemoryRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id=$1`, id)
	return scanMemory(row)
}

func (s *PostgresStore) GetMemoryByLocalID(ctx context.Context, userID, localID string) (MemoryRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+memoryColumns+` FROM memories WHERE user_id=$1 AND local_id=$2 AND local_id <> ''`, userID, localID)
	return scanMemory(row)
}

func (s *PostgresStore) DeleteMemory(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM memories WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateTitle(ctx context.Context, id, title string) (MemoryRecord, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE memories SET title=$2, title_edited_at=now() WHERE id=$1 RETURNING `+memoryColumns,
		id, title,
	)
	return scanMemory(row)
}

func (s *PostgresStore) ApplyProcessing(ctx context.Context, id string, out ProcessingOutput, at time.Time) (MemoryRecord, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE memories SET
			processed_text = COALESCE(NULLIF($2, ''), processed_text),
			generated_title = COALESCE(NULLIF($3, ''), generated_title),
			title_generated_at = CASE WHEN $3 <> '' THEN $4 ELSE title_generated_at END,
			title = CASE WHEN $3 <> '' AND title_edited_at IS NULL THEN $3 ELSE title END
		 WHERE id=$1
		 RETURNING `+memoryColumns,
		id,
		strings.TrimSpace(out.ProcessedText),
		strings.TrimSpace(out.Title),
		at.UTC(),
	)
	return scanMemory(row)
}

func (s *PostgresStore) ClaimScheduledJobs(ctx context.Context, limit int, lease time.Duration) ([]ProcessingJob, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE processing_jobs AS j
		 SET attempts = j.attempts + 1, dispatched_at = now()
		 FROM (
			SELECT id FROM processing_jobs
			WHERE state = 'scheduled'
			  AND (dispatched_at IS NULL OR dispatched_at <= now() - make_interval(secs => $2))
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		 ) AS claimed
		 WHERE j.id = claimed.id
		 RETURNING j.id, j.memory_id, j.state, j.attempts, j.dispatched_at, j.started_at, j.completed_at,
		           j.last_error, j.metadata, j.created_at`,
		limit, lease.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("claim scheduled jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (ProcessingJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE id=$1`, id)
	return scanJob(row)
}

func (s *PostgresStore) ActiveJobForMemory(ctx context.Context, memoryID string) (ProcessingJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM processing_jobs
		 WHERE memory_id=$1 AND state IN ('scheduled', 'processing')
		 ORDER BY created_at DESC LIMIT 1`,
		memoryID,
	)
	return scanJob(row)
}

func (s *PostgresStore) ListJobsForMemory(ctx context.Context, memoryID string) ([]ProcessingJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM processing_jobs WHERE memory_id=$1 ORDER BY created_at ASC`,
		memoryID,
	)
	if err != nil {
		return nil, fmt.Errorf("list processing jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) MarkJobProcessing(ctx context.Context, id string) (ProcessingJob, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE processing_jobs SET state='processing', started_at=now()
		 WHERE id=$1 AND state='scheduled'
		 RETURNING `+jobColumns,
		id,
	)
	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		if _, getErr := s.GetJob(ctx, id); getErr == nil {
			return ProcessingJob{}, ErrInvalidJobState
		}
	}
	return job, err
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id string, meta map[string]any) error {
	return s.finishJob(ctx, id, JobComplete, "", meta)
}

func (s *PostgresStore) FailJob(ctx context.Context, id, reason string, meta map[string]any) error {
	return s.finishJob(ctx, id, JobFailed, reason, meta)
}

func (s *PostgresStore) finishJob(ctx context.Context, id string, state JobState, reason string, meta map[string]any) error {
	meta = mergeMetadata(meta, nil)
	if reason != "" {
		meta[MetaFailureReason] = reason
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE processing_jobs SET
			state=$2,
			completed_at=now(),
			metadata = metadata || $3::jsonb,
			last_error = CASE WHEN $4 <> '' THEN $4 ELSE last_error END
		 WHERE id=$1 AND state IN ('scheduled', 'processing')`,
		id, string(state), meta, reason,
	)
	if err != nil {
		return fmt.Errorf("finish processing job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return getErr
		}
		return ErrInvalidJobState
	}
	return nil
}

func (s *PostgresStore) ReleaseJob(ctx context.Context, id, lastError string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE processing_jobs SET state='scheduled', dispatched_at=NULL, last_error=$2
		 WHERE id=$1 AND state IN ('scheduled', 'processing')`,
		id, lastError,
	)
	if err != nil {
		return fmt.Errorf("release processing job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return getErr
		}
		return ErrInvalidJobState
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanMemory(row pgx.Row) (MemoryRecord, error) {
	var (
		rec        MemoryRecord
		memoryType string
		audioMS    int64
	)
	if err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.LocalID,
		&memoryType,
		&rec.Title,
		&rec.TitleEditedAt,
		&rec.InputText,
		&rec.ProcessedText,
		&rec.GeneratedTitle,
		&rec.TitleGeneratedAt,
		&rec.Tags,
		&rec.PhotoURLs,
		&rec.VideoURLs,
		&rec.AudioURL,
		&audioMS,
		&rec.Latitude,
		&rec.Longitude,
		&rec.CapturedAt,
		&rec.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MemoryRecord{}, ErrNotFound
		}
		return MemoryRecord{}, fmt.Errorf("scan memory: %w", err)
	}
	rec.MemoryType = capture.MemoryType(memoryType)
	rec.AudioDuration = time.Duration(audioMS) * time.Millisecond
	return rec, nil
}

func scanJob(row pgx.Row) (ProcessingJob, error) {
	var (
		job   ProcessingJob
		state string
	)
	if err := row.Scan(
		&job.ID,
		&job.MemoryID,
		&state,
		&job.Attempts,
		&job.DispatchedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.LastError,
		&job.Metadata,
		&job.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ProcessingJob{}, ErrNotFound
		}
		return ProcessingJob{}, fmt.Errorf("scan processing job: %w", err)
	}
	job.State = JobState(state)
	if job.Metadata == nil {
		job.Metadata = map[string]any{}
	}
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]ProcessingJob, error) {
	defer rows.Close()
	out := make([]ProcessingJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate processing jobs: %w", err)
	}
	return out, nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
