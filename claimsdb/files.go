package claimsdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/axonhealth/claimsink/claimxml"
)

// IngestionFile is one received XML document (the SSOT for its bytes and
// header).
type IngestionFile struct {
	ID              int64
	FileID          string
	FileName        string
	Source          string
	RootType        string
	SenderID        string
	ReceiverID      string
	TransactionDate string
	RecordCount     int
	Disposition     string
	Verified        bool
	CreatedAt       string
	UpdatedAt       string
}

// RegisterFile inserts (or finds) the ingestion_file stub for an external
// file id. The single round trip is the pipeline's coordination point:
// double delivery dedupes on the unique file_id. Returns the internal row
// id and whether the file was already fully verified.
func (s *Store) RegisterFile(ctx context.Context, fileID, fileName, source string) (int64, bool, error) {
	var id int64
	var verified int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ingestion_file (file_id, file_name, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (file_id) DO UPDATE SET file_id = excluded.file_id
		RETURNING id, verified`,
		fileID, fileName, source, now(), now(),
	).Scan(&id, &verified)
	if err != nil {
		return 0, false, fmt.Errorf("register file %s: %w", fileID, err)
	}
	return id, verified == 1, nil
}

// SetFileHeader stores the parsed header and raw bytes on the file row.
// The XML bytes are written once and never overwritten.
func (s *Store) SetFileHeader(ctx context.Context, id int64, rootType string, h claimxml.Header, raw []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ingestion_file
		SET root_type = ?, sender_id = ?, receiver_id = ?, transaction_date = ?,
		    record_count = ?, disposition = ?,
		    raw_xml = COALESCE(raw_xml, ?)
		WHERE id = ?`,
		rootType, h.SenderID, h.ReceiverID, ts(h.TransactionDate),
		h.RecordCount, h.DispositionFlag, raw, id,
	)
	if err != nil {
		return fmt.Errorf("set file header: %w", err)
	}
	return nil
}

// MarkFileVerified flags the file as fully verified; replays of a verified
// file are discarded at fetch time.
func (s *Store) MarkFileVerified(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_file SET verified = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark file verified: %w", err)
	}
	return nil
}

// GetFile returns a file row by internal id. Returns nil, nil if not found.
func (s *Store) GetFile(ctx context.Context, id int64) (*IngestionFile, error) {
	return s.scanFile(s.db.QueryRowContext(ctx, fileColumns+` WHERE id = ?`, id))
}

// GetFileByExternalID returns a file row by external file id.
// Returns nil, nil if not found.
func (s *Store) GetFileByExternalID(ctx context.Context, fileID string) (*IngestionFile, error) {
	return s.scanFile(s.db.QueryRowContext(ctx, fileColumns+` WHERE file_id = ?`, fileID))
}

const fileColumns = `
	SELECT id, file_id, file_name, source, root_type, sender_id, receiver_id,
	       transaction_date, record_count, disposition, verified, created_at, updated_at
	FROM ingestion_file`

func (s *Store) scanFile(row *sql.Row) (*IngestionFile, error) {
	f := &IngestionFile{}
	var verified int
	err := row.Scan(&f.ID, &f.FileID, &f.FileName, &f.Source, &f.RootType,
		&f.SenderID, &f.ReceiverID, &f.TransactionDate, &f.RecordCount,
		&f.Disposition, &verified, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f.Verified = verified == 1
	return f, nil
}

// --- Runs ---

// Run is one pipeline execution for one file.
type Run struct {
	ID              string
	IngestionFileID int64
	Source          string
	StartedAt       string
	FinishedAt      string
	ClaimsParsed    int
	ClaimsPersisted int
	ClaimsSkipped   int
	Errors          int
	VerifyOK        bool
}

// RunCounts are the aggregate counters written when a run finishes.
type RunCounts struct {
	ClaimsParsed    int
	ClaimsPersisted int
	ClaimsSkipped   int
	Errors          int
	VerifyOK        bool
}

// StartRun opens a run row for a file and returns the run id.
func (s *Store) StartRun(ctx context.Context, fileRowID int64, source string) (string, error) {
	id := s.newRunID()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingestion_run (id, ingestion_file_id, source, started_at)
		VALUES (?, ?, ?, ?)`,
		id, fileRowID, source, now())
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	return id, nil
}

// FinishRun records the aggregate counts and closes the run.
func (s *Store) FinishRun(ctx context.Context, runID string, c RunCounts) error {
	verifyOK := 0
	if c.VerifyOK {
		verifyOK = 1
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE ingestion_run
		SET finished_at = ?, claims_parsed = ?, claims_persisted = ?,
		    claims_skipped = ?, errors = ?, verify_ok = ?
		WHERE id = ?`,
		now(), c.ClaimsParsed, c.ClaimsPersisted, c.ClaimsSkipped,
		c.Errors, verifyOK, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ingestion_file_id, source, started_at,
		       COALESCE(finished_at, ''), claims_parsed, claims_persisted,
		       claims_skipped, errors, verify_ok
		FROM ingestion_run ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r := &Run{}
		var verifyOK int
		if err := rows.Scan(&r.ID, &r.IngestionFileID, &r.Source, &r.StartedAt,
			&r.FinishedAt, &r.ClaimsParsed, &r.ClaimsPersisted,
			&r.ClaimsSkipped, &r.Errors, &verifyOK); err != nil {
			return nil, err
		}
		r.VerifyOK = verifyOK == 1
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// FileAge reports how long ago the file row was created (ops surface).
func (f *IngestionFile) FileAge(nowTime time.Time) time.Duration {
	created, err := time.Parse(time.RFC3339, f.CreatedAt)
	if err != nil {
		return 0
	}
	return nowTime.Sub(created)
}
