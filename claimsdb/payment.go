package claimsdb

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/axonhealth/claimsink/refdata"
)

// ClaimPayment is the per-claim payment aggregate, recomputed from the full
// remittance history after every remittance-side change.
type ClaimPayment struct {
	ClaimKeyID          int64
	SubmittedAmount     float64
	PaidAmount          float64
	RejectedAmount      float64
	DeniedActivityCount int
	ActivityCount       int
	RemitActivityCount  int
	FirstRemittanceAt   string
	LastRemittanceAt    string
	SettlementReference string
	DateSettlement      string
	PaymentStatus       int
	ProcessingCycles    int
	UpdatedAt           string
}

// RecalcClaimPayment rebuilds the claim_payment row for one claim from its
// stored submission and remittance history. Runs on the caller's transaction
// so the aggregate commits atomically with the remittance that changed it.
func (s *Store) RecalcClaimPayment(ctx context.Context, q refdata.Querier, claimKeyID int64) error {
	var submitted float64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(a.net), 0)
		FROM activity a
		JOIN claim cl ON cl.id = a.claim_id
		WHERE cl.claim_key_id = ?`, claimKeyID).Scan(&submitted)
	if err != nil {
		return fmt.Errorf("recalc submitted: %w", err)
	}

	var activityCount int
	err = q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM activity a
		JOIN claim cl ON cl.id = a.claim_id
		WHERE cl.claim_key_id = ?`, claimKeyID).Scan(&activityCount)
	if err != nil {
		return fmt.Errorf("recalc activity count: %w", err)
	}

	var paid float64
	var deniedCount, remitActCount int
	err = q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(ra.payment_amount), 0),
		       COALESCE(SUM(CASE WHEN ra.denial_code != '' THEN 1 ELSE 0 END), 0),
		       COUNT(ra.id)
		FROM remittance_activity ra
		JOIN remittance_claim rc ON rc.id = ra.remittance_claim_id
		WHERE rc.claim_key_id = ?`, claimKeyID).Scan(&paid, &deniedCount, &remitActCount)
	if err != nil {
		return fmt.Errorf("recalc paid: %w", err)
	}

	var cycles int
	var firstAt, lastAt sql.NullString
	err = q.QueryRowContext(ctx, `
		SELECT COUNT(rc.id), MIN(r.tx_at), MAX(r.tx_at)
		FROM remittance_claim rc
		JOIN remittance r ON r.id = rc.remittance_id
		WHERE rc.claim_key_id = ?`, claimKeyID).Scan(&cycles, &firstAt, &lastAt)
	if err != nil {
		return fmt.Errorf("recalc cycles: %w", err)
	}

	var settleRef, settleDate sql.NullString
	err = q.QueryRowContext(ctx, `
		SELECT rc.payment_reference, rc.date_settlement
		FROM remittance_claim rc
		JOIN remittance r ON r.id = rc.remittance_id
		WHERE rc.claim_key_id = ?
		ORDER BY r.tx_at DESC, rc.id DESC LIMIT 1`, claimKeyID).Scan(&settleRef, &settleDate)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("recalc settlement: %w", err)
	}

	// Before the first remittance nothing is rejected, only outstanding.
	rejected := 0.0
	if cycles > 0 {
		rejected = submitted - paid
		if rejected < 0 {
			rejected = 0
		}
	}

	status := 0
	if cycles > 0 {
		switch {
		case submitted > amountEpsilon && math.Abs(paid-submitted) <= amountEpsilon:
			status = StatusPaid
		case paid > amountEpsilon && paid < submitted-amountEpsilon:
			status = StatusPartiallyPaid
		case paid <= amountEpsilon && remitActCount > 0 && deniedCount == remitActCount:
			status = StatusRejected
		default:
			status = StatusPartiallyPaid
		}
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO claim_payment
			(claim_key_id, submitted_amount, paid_amount, rejected_amount,
			 denied_activity_count, activity_count, remit_activity_count,
			 first_remittance_at, last_remittance_at,
			 settlement_reference, date_settlement,
			 payment_status, processing_cycles, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (claim_key_id) DO UPDATE SET
			submitted_amount      = excluded.submitted_amount,
			paid_amount           = excluded.paid_amount,
			rejected_amount       = excluded.rejected_amount,
			denied_activity_count = excluded.denied_activity_count,
			activity_count        = excluded.activity_count,
			remit_activity_count  = excluded.remit_activity_count,
			first_remittance_at   = excluded.first_remittance_at,
			last_remittance_at    = excluded.last_remittance_at,
			settlement_reference  = excluded.settlement_reference,
			date_settlement       = excluded.date_settlement,
			payment_status        = excluded.payment_status,
			processing_cycles     = excluded.processing_cycles,
			updated_at            = excluded.updated_at`,
		claimKeyID, submitted, paid, rejected,
		deniedCount, activityCount, remitActCount,
		firstAt.String, lastAt.String,
		settleRef.String, settleDate.String,
		status, cycles, now())
	if err != nil {
		return fmt.Errorf("upsert claim_payment: %w", err)
	}
	return nil
}

// RecalcAllPayments rebuilds every claim_payment aggregate that has at least
// one remittance. Ops/repair surface after bulk backfills.
func (s *Store) RecalcAllPayments(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT claim_key_id FROM remittance_claim`)
	if err != nil {
		return 0, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	n := 0
	for _, id := range ids {
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			return s.RecalcClaimPayment(ctx, tx, id)
		})
		if err != nil {
			return n, fmt.Errorf("recalc claim_key %d: %w", id, err)
		}
		n++
	}
	return n, nil
}

// GetClaimPayment returns the payment aggregate for a business claim id.
// Returns nil, nil if the claim has no aggregate yet.
func (s *Store) GetClaimPayment(ctx context.Context, claimID string) (*ClaimPayment, error) {
	p := &ClaimPayment{}
	err := s.db.QueryRowContext(ctx, `
		SELECT p.claim_key_id, p.submitted_amount, p.paid_amount, p.rejected_amount,
		       p.denied_activity_count, p.activity_count, p.remit_activity_count,
		       p.first_remittance_at, p.last_remittance_at,
		       p.settlement_reference, p.date_settlement,
		       p.payment_status, p.processing_cycles, p.updated_at
		FROM claim_payment p
		JOIN claim_key k ON k.id = p.claim_key_id
		WHERE k.claim_id = ?`, claimID).Scan(
		&p.ClaimKeyID, &p.SubmittedAmount, &p.PaidAmount, &p.RejectedAmount,
		&p.DeniedActivityCount, &p.ActivityCount, &p.RemitActivityCount,
		&p.FirstRemittanceAt, &p.LastRemittanceAt,
		&p.SettlementReference, &p.DateSettlement,
		&p.PaymentStatus, &p.ProcessingCycles, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}
