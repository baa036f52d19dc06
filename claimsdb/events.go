package claimsdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/axonhealth/claimsink/claimxml"
	"github.com/axonhealth/claimsink/refdata"
)

// upsertClaimKey creates or finds the claim spine row in a single round
// trip. The no-op DO UPDATE makes RETURNING yield the id on conflict too.
func upsertClaimKey(ctx context.Context, q refdata.Querier, claimID string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO claim_key (claim_id, created_at) VALUES (?, ?)
		ON CONFLICT (claim_id) DO UPDATE SET claim_id = excluded.claim_id
		RETURNING id`,
		claimID, now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert claim_key %s: %w", claimID, err)
	}
	return id, nil
}

// insertEvent records a lifecycle event. Idempotent on
// (claim_key_id, event_type, event_time); replays return the existing id.
func insertEvent(ctx context.Context, q refdata.Querier, claimKeyID int64, eventType int, eventTime time.Time, submissionID, remittanceID sql.NullInt64) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO claim_event (claim_key_id, event_type, event_time, submission_id, remittance_id, tx_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (claim_key_id, event_type, event_time)
			DO UPDATE SET event_type = excluded.event_type
		RETURNING id`,
		claimKeyID, eventType, ts(eventTime), submissionID, remittanceID, ts(eventTime)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert claim_event type=%d: %w", eventType, err)
	}
	return id, nil
}

// snapshotSubmissionActivity projects a submission activity (and its
// observations) into the event's snapshot tables. Idempotent on
// (claim_event_id, activity_id_at_event).
func snapshotSubmissionActivity(ctx context.Context, q refdata.Querier, eventID int64, a *claimxml.Activity) error {
	var snapID int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO claim_event_activity
			(claim_event_id, activity_id_at_event, start_at, act_type, code, quantity, net, clinician_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (claim_event_id, activity_id_at_event)
			DO UPDATE SET activity_id_at_event = excluded.activity_id_at_event
		RETURNING id`,
		eventID, a.ID, a.Start, a.Type, a.Code, a.Quantity, a.Net, a.Clinician).Scan(&snapID)
	if err != nil {
		return fmt.Errorf("snapshot activity %s: %w", a.ID, err)
	}

	for _, o := range a.Observations {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO event_observation
				(claim_event_activity_id, obs_type, obs_code, obs_value, value_type, value_hash)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (claim_event_activity_id, obs_type, obs_code, value_hash) DO NOTHING`,
			snapID, o.Type, o.Code, o.Value, o.ValueType, valueHash(o.Value)); err != nil {
			return fmt.Errorf("snapshot observation %s/%s: %w", a.ID, o.Code, err)
		}
	}
	return nil
}

// snapshotRemittanceActivity projects a remittance activity with its
// adjudication metric fields into the event's snapshot table.
func snapshotRemittanceActivity(ctx context.Context, q refdata.Querier, eventID int64, a *claimxml.RemittanceActivity) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO claim_event_activity
			(claim_event_id, activity_id_at_event, start_at, act_type, code, quantity, net,
			 clinician_code, list_price, gross, patient_share, payment_amount, denial_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (claim_event_id, activity_id_at_event) DO NOTHING`,
		eventID, a.ID, a.Start, a.Type, a.Code, a.Quantity, a.Net,
		a.Clinician, a.ListPrice, a.Gross, a.PatientShare, a.PaymentAmount, a.DenialCode)
	if err != nil {
		return fmt.Errorf("snapshot remittance activity %s: %w", a.ID, err)
	}
	return nil
}

// appendTimeline derives a status row from an event. Append-only; replays
// of the same (event, status) pair are no-ops.
func appendTimeline(ctx context.Context, q refdata.Querier, claimKeyID int64, status int, statusTime time.Time, eventID int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO claim_status_timeline (claim_key_id, status, status_time, claim_event_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (claim_event_id, status) DO NOTHING`,
		claimKeyID, status, ts(statusTime), eventID, now())
	if err != nil {
		return fmt.Errorf("append timeline status=%d: %w", status, err)
	}
	return nil
}

// valueHash is the observation dedup key: SHA-256 of the raw value.
func valueHash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// TimelineEntry is one derived status row (read path).
type TimelineEntry struct {
	Status       int
	StatusTime   string
	ClaimEventID int64
}

// Timeline returns the status history for a business claim id, ordered by
// status_time.
func (s *Store) Timeline(ctx context.Context, claimID string) ([]TimelineEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.status, t.status_time, t.claim_event_id
		FROM claim_status_timeline t
		JOIN claim_key k ON k.id = t.claim_key_id
		WHERE k.claim_id = ?
		ORDER BY t.status_time, t.id`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TimelineEntry
	for rows.Next() {
		var e TimelineEntry
		if err := rows.Scan(&e.Status, &e.StatusTime, &e.ClaimEventID); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
