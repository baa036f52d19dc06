package claimsdb

import (
	"context"
	"fmt"
)

// IngestionError is one recorded ingestion failure. Append-only.
type IngestionError struct {
	ID              string
	IngestionFileID int64
	Stage           string
	ObjectType      string
	ObjectKey       string
	Code            string
	Message         string
	Retryable       bool
	CreatedAt       string
}

// LogError records an ingestion error. Non-blocking sink: a failing error
// store is logged via slog but never propagates, so error recording can
// never abort the pipeline itself.
func (s *Store) LogError(ctx context.Context, e IngestionError) {
	retryable := 0
	if e.Retryable {
		retryable = 1
	}
	var fileID any
	if e.IngestionFileID != 0 {
		fileID = e.IngestionFileID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingestion_error
			(id, ingestion_file_id, stage, object_type, object_key, code, message, retryable, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.newErrID(), fileID, e.Stage, e.ObjectType, e.ObjectKey,
		e.Code, e.Message, retryable, now())
	if err != nil {
		s.logger.Error("ingestion error log failed",
			"error", err, "stage", e.Stage, "code", e.Code)
	}
}

// ErrorFilter narrows ListErrors. Zero values match everything.
type ErrorFilter struct {
	FileRowID int64
	Stage     string
	Code      string
	Limit     int
}

// ListErrors returns recorded errors matching the filter, newest first.
func (s *Store) ListErrors(ctx context.Context, f ErrorFilter) ([]*IngestionError, error) {
	q := `SELECT id, COALESCE(ingestion_file_id, 0), stage, object_type, object_key,
	             code, message, retryable, created_at
	      FROM ingestion_error WHERE 1=1`
	var args []any
	if f.FileRowID != 0 {
		q += ` AND ingestion_file_id = ?`
		args = append(args, f.FileRowID)
	}
	if f.Stage != "" {
		q += ` AND stage = ?`
		args = append(args, f.Stage)
	}
	if f.Code != "" {
		q += ` AND code = ?`
		args = append(args, f.Code)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list errors: %w", err)
	}
	defer rows.Close()

	var out []*IngestionError
	for rows.Next() {
		e := &IngestionError{}
		var retryable int
		if err := rows.Scan(&e.ID, &e.IngestionFileID, &e.Stage, &e.ObjectType,
			&e.ObjectKey, &e.Code, &e.Message, &retryable, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Retryable = retryable == 1
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountErrors returns the number of errors recorded for a file.
func (s *Store) CountErrors(ctx context.Context, fileRowID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ingestion_error WHERE ingestion_file_id = ?`,
		fileRowID).Scan(&n)
	return n, err
}
