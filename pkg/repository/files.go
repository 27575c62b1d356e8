package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hatchworks/conveyor/pkg/types"
)

// ProcessedFile records one ingested document, whether it arrived as
// an email attachment or from an object store.
type ProcessedFile struct {
	ID               string          `db:"id" json:"id"`
	OwnerEmail       string          `db:"owner_email" json:"owner_email"`
	SourceType       string          `db:"source_type" json:"source_type"`
	OriginalFilename string          `db:"original_filename" json:"original_filename"`
	ContentType      string          `db:"content_type" json:"content_type"`
	SizeBytes        int64           `db:"size_bytes" json:"size_bytes"`
	R2ObjectKey      string          `db:"r2_object_key" json:"r2_object_key"`
	Status           string          `db:"status" json:"status"`
	AdditionalData   json.RawMessage `db:"additional_data" json:"additional_data,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// FileRepository tracks processed files in Postgres
type FileRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewFileRepository wraps an existing connection pool
func NewFileRepository(db *sqlx.DB) *FileRepository {
	return &FileRepository{db: db, now: time.Now}
}

// Record inserts or refreshes a processed-file row
func (r *FileRepository) Record(ctx context.Context, file *ProcessedFile) error {
	now := r.now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO processed_files
			(id, owner_email, source_type, original_filename, content_type, size_bytes,
			 r2_object_key, status, additional_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			additional_data = EXCLUDED.additional_data,
			updated_at = EXCLUDED.updated_at`,
		file.ID, file.OwnerEmail, file.SourceType, file.OriginalFilename,
		file.ContentType, file.SizeBytes, file.R2ObjectKey, file.Status,
		nullJSON(file.AdditionalData), now)
	if err != nil {
		return fmt.Errorf("failed to record processed file %s: %w", file.ID, err)
	}
	return nil
}

// SetStatus updates a file's processing status
func (r *FileRepository) SetStatus(ctx context.Context, id string, status types.JobStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE processed_files SET status = $1, updated_at = $2 WHERE id = $3`,
		status, r.now(), id)
	if err != nil {
		return fmt.Errorf("failed to update file %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Get returns one processed-file record
func (r *FileRepository) Get(ctx context.Context, id string) (*ProcessedFile, error) {
	var file ProcessedFile
	err := r.db.GetContext(ctx, &file,
		`SELECT * FROM processed_files WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get processed file %s: %w", id, err)
	}
	return &file, nil
}

// ListByOwner returns an owner's files, newest first
func (r *FileRepository) ListByOwner(ctx context.Context, owner string, limit int) ([]ProcessedFile, error) {
	var files []ProcessedFile
	err := r.db.SelectContext(ctx, &files, `
		SELECT * FROM processed_files WHERE owner_email = $1
		ORDER BY created_at DESC LIMIT $2`,
		owner, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list files for %s: %w", owner, err)
	}
	return files, nil
}
