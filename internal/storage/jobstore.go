/**
 * PostgreSQL job store for the PDF OCR worker
 *
 * Persists job records for the batch queue mode so operators can query the
 * history and outcome of every enqueued job. The single-process CLI path does
 * not touch the database.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// JobStore handles database operations for OCR jobs.
type JobStore struct {
	db *sql.DB
}

// JobRecord is one row of the ocr_jobs table.
type JobRecord struct {
	ID             string
	Path           string
	Status         string
	ErrorCode      string
	ErrorMessage   string
	ErrorDetails   map[string]interface{}
	PagesTotal     int
	PagesProcessed int
	Words          int
	Chars          int
	FromCache      bool
	DurationMS     int64
	OutputPath     string
	Options        map[string]interface{}
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Completion carries the fields written when a job finishes successfully.
type Completion struct {
	PagesTotal     int
	PagesProcessed int
	Words          int
	Chars          int
	FromCache      bool
	DurationMS     int64
	OutputPath     string
}

// NewJobStore connects to PostgreSQL and verifies the connection.
func NewJobStore(databaseURL string) (*JobStore, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &JobStore{db: db}, nil
}

// Migrate creates the ocr_jobs table if it does not exist.
func (s *JobStore) Migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS ocr_jobs (
			id              UUID PRIMARY KEY,
			path            TEXT NOT NULL,
			status          TEXT NOT NULL,
			error_code      TEXT,
			error_message   TEXT,
			error_details   JSONB,
			pages_total     INTEGER NOT NULL DEFAULT 0,
			pages_processed INTEGER NOT NULL DEFAULT 0,
			words           INTEGER NOT NULL DEFAULT 0,
			chars           INTEGER NOT NULL DEFAULT 0,
			from_cache      BOOLEAN NOT NULL DEFAULT FALSE,
			duration_ms     BIGINT NOT NULL DEFAULT 0,
			output_path     TEXT,
			options         JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create ocr_jobs table: %w", err)
	}
	return nil
}

// CreateJob inserts a new job row in status queued. Re-enqueueing the same
// job ID resets its status.
func (s *JobStore) CreateJob(ctx context.Context, jobID, path string, options interface{}) error {
	if jobID == "" {
		return fmt.Errorf("job ID is required")
	}

	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	query := `
		INSERT INTO ocr_jobs (id, path, status, options, created_at, updated_at)
		VALUES ($1::uuid, $2, 'queued', $3::jsonb, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			path       = EXCLUDED.path,
			status     = 'queued',
			options    = EXCLUDED.options,
			updated_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, jobID, path, optionsJSON); err != nil {
		return fmt.Errorf("failed to create job (job=%s): %w", jobID, err)
	}
	return nil
}

// UpdateStatus moves a job to a new status.
func (s *JobStore) UpdateStatus(ctx context.Context, jobID, status string) error {
	if jobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if status == "" {
		return fmt.Errorf("status is required")
	}

	query := `UPDATE ocr_jobs SET status = $2, updated_at = NOW() WHERE id = $1::uuid`
	res, err := s.db.ExecContext(ctx, query, jobID, status)
	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s): %w", jobID, status, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("job not found: %s", jobID)
	}
	return nil
}

// Complete marks a job done and records its statistics.
func (s *JobStore) Complete(ctx context.Context, jobID string, c *Completion) error {
	if jobID == "" {
		return fmt.Errorf("job ID is required")
	}

	query := `
		UPDATE ocr_jobs SET
			status          = 'done',
			pages_total     = $2,
			pages_processed = $3,
			words           = $4,
			chars           = $5,
			from_cache      = $6,
			duration_ms     = $7,
			output_path     = $8,
			error_code      = NULL,
			error_message   = NULL,
			updated_at      = NOW()
		WHERE id = $1::uuid
	`
	res, err := s.db.ExecContext(ctx, query, jobID,
		c.PagesTotal, c.PagesProcessed, c.Words, c.Chars,
		c.FromCache, c.DurationMS, c.OutputPath)
	if err != nil {
		return fmt.Errorf("failed to complete job (job=%s): %w", jobID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("job not found: %s", jobID)
	}
	return nil
}

// Fail marks a job failed or cancelled with its structured error. details is
// the serialized error context (page number, cause chain) and may be nil.
func (s *JobStore) Fail(ctx context.Context, jobID, status, errorCode, errorMessage string, details map[string]interface{}) error {
	if jobID == "" {
		return fmt.Errorf("job ID is required")
	}

	var detailsJSON []byte
	if details != nil {
		var err error
		if detailsJSON, err = json.Marshal(details); err != nil {
			return fmt.Errorf("failed to marshal error details: %w", err)
		}
	}

	query := `
		UPDATE ocr_jobs SET
			status        = $2,
			error_code    = NULLIF($3, ''),
			error_message = NULLIF($4, ''),
			error_details = $5::jsonb,
			updated_at    = NOW()
		WHERE id = $1::uuid
	`
	res, err := s.db.ExecContext(ctx, query, jobID, status, errorCode, errorMessage, detailsJSON)
	if err != nil {
		return fmt.Errorf("failed to fail job (job=%s): %w", jobID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("job not found: %s", jobID)
	}
	return nil
}

// GetJob retrieves a job record by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT id, path, status, error_code, error_message, error_details,
		       pages_total, pages_processed, words, chars,
		       from_cache, duration_ms, output_path, options,
		       created_at, updated_at
		FROM ocr_jobs
		WHERE id = $1::uuid
	`

	var (
		rec                     JobRecord
		errorCode, errorMessage sql.NullString
		outputPath              sql.NullString
		detailsJSON             []byte
		optionsJSON             []byte
	)

	err := s.db.QueryRowContext(ctx, query, jobID).Scan(
		&rec.ID, &rec.Path, &rec.Status, &errorCode, &errorMessage, &detailsJSON,
		&rec.PagesTotal, &rec.PagesProcessed, &rec.Words, &rec.Chars,
		&rec.FromCache, &rec.DurationMS, &outputPath, &optionsJSON,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	rec.ErrorCode = errorCode.String
	rec.ErrorMessage = errorMessage.String
	rec.OutputPath = outputPath.String

	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &rec.ErrorDetails); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error details: %w", err)
		}
	}
	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &rec.Options); err != nil {
			return nil, fmt.Errorf("failed to unmarshal options: %w", err)
		}
	}

	return &rec, nil
}

// Ping checks database connectivity
func (s *JobStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *JobStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Stats returns connection pool statistics
func (s *JobStore) Stats() sql.DBStats {
	return s.db.Stats()
}
