package claimsdb

import (
	"context"
	"database/sql"
	"errors"
)

// FileCounts are the persisted row counts for one ingestion file, compared
// against the document's declared RecordCount during verification.
type FileCounts struct {
	Claims          int
	Activities      int
	RemitClaims     int
	RemitActivities int
	Attachments     int
}

// CountsForFile returns what actually landed in the database for a file.
func (s *Store) CountsForFile(ctx context.Context, fileRowID int64) (FileCounts, error) {
	var c FileCounts

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(cl.id),
		       (SELECT COUNT(a.id) FROM activity a WHERE a.claim_id IN
		           (SELECT id FROM claim WHERE submission_id = sub.id))
		FROM submission sub
		LEFT JOIN claim cl ON cl.submission_id = sub.id
		WHERE sub.ingestion_file_id = ?
		GROUP BY sub.id`, fileRowID).Scan(&c.Claims, &c.Activities)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return c, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(rc.id),
		       (SELECT COUNT(ra.id) FROM remittance_activity ra WHERE ra.remittance_claim_id IN
		           (SELECT id FROM remittance_claim WHERE remittance_id = r.id))
		FROM remittance r
		LEFT JOIN remittance_claim rc ON rc.remittance_id = r.id
		WHERE r.ingestion_file_id = ?
		GROUP BY r.id`, fileRowID).Scan(&c.RemitClaims, &c.RemitActivities)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return c, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(ca.id)
		FROM claim_attachment ca
		JOIN claim_event e ON e.id = ca.claim_event_id
		LEFT JOIN submission sub ON sub.id = e.submission_id
		LEFT JOIN remittance r ON r.id = e.remittance_id
		WHERE sub.ingestion_file_id = ? OR r.ingestion_file_id = ?`,
		fileRowID, fileRowID).Scan(&c.Attachments)
	if err != nil {
		return c, err
	}
	return c, nil
}
