package claimsdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/axonhealth/claimsink/claimxml"
	"github.com/axonhealth/claimsink/refdata"
)

// PersistRemittance stores one parsed remittance advice: the remittance row,
// per-claim adjudication rows, the REMITTED lifecycle event with its snapshot,
// the derived payment status and the refreshed claim_payment aggregate.
//
// A remittance may reference a claim whose submission was never ingested; the
// claim spine row is created on the fly and the status derivation falls back
// conservatively. Each claim runs in its own transaction.
func (s *Store) PersistRemittance(ctx context.Context, fileRowID int64, out *claimxml.Outcome, resolver *refdata.Resolver) (PersistResult, error) {
	doc := out.Remittance
	if doc == nil {
		return PersistResult{}, errors.New("outcome carries no remittance")
	}

	var remittanceID int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO remittance (ingestion_file_id, tx_at) VALUES (?, ?)
		ON CONFLICT (ingestion_file_id) DO UPDATE SET tx_at = excluded.tx_at
		RETURNING id`,
		fileRowID, ts(doc.Header.TransactionDate)).Scan(&remittanceID)
	if err != nil {
		return PersistResult{}, fmt.Errorf("upsert remittance: %w", err)
	}

	var res PersistResult
	for i := range doc.Claims {
		c := &doc.Claims[i]

		if missing := claimxml.MissingRemitClaimFields(c); len(missing) > 0 {
			s.LogError(ctx, IngestionError{
				IngestionFileID: fileRowID,
				Stage:           StageValidate,
				ObjectType:      "remittance_claim",
				ObjectKey:       c.ID,
				Code:            "MISSING_REMIT_CLAIM_REQUIRED",
				Message:         "missing required fields: " + strings.Join(missing, ", "),
			})
			res.Skipped++
			res.Errors++
			continue
		}

		var deferred []IngestionError
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			var txErr error
			deferred, txErr = s.persistRemittanceClaim(ctx, tx, fileRowID, remittanceID, doc.Header, c, resolver)
			return txErr
		})
		switch {
		case err == nil:
			res.Persisted++
			// Object-level validation errors are collected inside the
			// transaction and logged only after it commits.
			for _, e := range deferred {
				e.IngestionFileID = fileRowID
				s.LogError(ctx, e)
				res.Errors++
			}
		default:
			s.LogError(ctx, IngestionError{
				IngestionFileID: fileRowID,
				Stage:           StagePersist,
				ObjectType:      "remittance_claim",
				ObjectKey:       c.ID,
				Code:            "PERSIST_FAILED",
				Message:         err.Error(),
				Retryable:       true,
			})
			res.Skipped++
			res.Errors++
		}
	}
	return res, nil
}

// persistRemittanceClaim writes one adjudicated claim inside tx. An
// activity missing its id is skipped on its own; the VALIDATE error comes
// back for post-commit logging.
func (s *Store) persistRemittanceClaim(ctx context.Context, tx *sql.Tx, fileRowID, remittanceID int64, h claimxml.Header, c *claimxml.RemittanceClaim, resolver *refdata.Resolver) ([]IngestionError, error) {
	var deferred []IngestionError

	keyID, err := upsertClaimKey(ctx, tx, c.ID)
	if err != nil {
		return nil, err
	}

	origin := refdata.Origin{IngestionFileID: fileRowID, ClaimExternalID: c.ID}
	// The payer adjudicating the remittance is the document sender.
	payerRef, err := resolver.Resolve(ctx, tx, refdata.Payer, h.SenderID, "", origin)
	if err != nil {
		return nil, err
	}
	providerRef, err := resolver.Resolve(ctx, tx, refdata.Provider, c.ProviderID, "", origin)
	if err != nil {
		return nil, err
	}
	denialRef, err := resolver.Resolve(ctx, tx, refdata.DenialCode, c.DenialCode, "", origin)
	if err != nil {
		return nil, err
	}

	var remitClaimID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO remittance_claim
			(remittance_id, claim_key_id, id_payer, provider_code, denial_code,
			 payment_reference, date_settlement, facility_code,
			 payer_ref_id, provider_ref_id, denial_ref_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (remittance_id, claim_key_id) DO UPDATE SET
			id_payer          = excluded.id_payer,
			provider_code     = excluded.provider_code,
			denial_code       = excluded.denial_code,
			payment_reference = excluded.payment_reference,
			date_settlement   = excluded.date_settlement,
			facility_code     = excluded.facility_code
		RETURNING id`,
		remittanceID, keyID, c.IDPayer, c.ProviderID, c.DenialCode,
		c.PaymentReference, c.DateSettlement, c.FacilityID,
		payerRef, providerRef, denialRef).Scan(&remitClaimID)
	if err != nil {
		return nil, fmt.Errorf("upsert remittance claim %s: %w", c.ID, err)
	}

	valid := make([]*claimxml.RemittanceActivity, 0, len(c.Activities))
	for i := range c.Activities {
		a := &c.Activities[i]
		if missing := claimxml.MissingRemitActivityFields(a); len(missing) > 0 {
			deferred = append(deferred, IngestionError{
				Stage:      StageValidate,
				ObjectType: "remittance_activity",
				ObjectKey:  c.ID + "/" + a.ID,
				Code:       "MISSING_REMIT_ACTIVITY_REQUIRED",
				Message:    "missing required fields: " + strings.Join(missing, ", "),
			})
			continue
		}
		valid = append(valid, a)
	}
	for _, a := range valid {
		actDenialRef, err := resolver.Resolve(ctx, tx, refdata.DenialCode, a.DenialCode, "", origin)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO remittance_activity
				(remittance_claim_id, activity_id, start_at, act_type, code, quantity,
				 net, list_price, gross, patient_share, payment_amount, denial_code,
				 clinician_code, prior_auth_id, denial_ref_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (remittance_claim_id, activity_id) DO UPDATE SET
				payment_amount = excluded.payment_amount,
				denial_code    = excluded.denial_code`,
			remitClaimID, a.ID, a.Start, a.Type, a.Code, a.Quantity,
			a.Net, a.ListPrice, a.Gross, a.PatientShare, a.PaymentAmount, a.DenialCode,
			a.Clinician, a.PriorAuthID, actDenialRef); err != nil {
			return nil, fmt.Errorf("upsert remittance activity %s: %w", a.ID, err)
		}
	}

	eventID, err := insertEvent(ctx, tx, keyID, EventRemitted, h.TransactionDate,
		sql.NullInt64{}, sql.NullInt64{Int64: remittanceID, Valid: true})
	if err != nil {
		return nil, err
	}
	for _, a := range valid {
		if err := snapshotRemittanceActivity(ctx, tx, eventID, a); err != nil {
			return nil, err
		}
	}

	status, err := deriveRemitStatus(ctx, tx, keyID, remitClaimID, valid)
	if err != nil {
		return nil, err
	}
	if err := appendTimeline(ctx, tx, keyID, status, h.TransactionDate, eventID); err != nil {
		return nil, err
	}

	return deferred, s.RecalcClaimPayment(ctx, tx, keyID)
}

// deriveRemitStatus maps one remittance claim onto a payment status.
//
// PAID needs the paid sum to match the submitted net exactly (within the
// money epsilon) and a positive net, so a remittance arriving before its
// submission can never look fully paid. Everything that is neither fully
// paid nor fully denied lands on PARTIALLY_PAID.
func deriveRemitStatus(ctx context.Context, q refdata.Querier, claimKeyID, remitClaimID int64, acts []*claimxml.RemittanceActivity) (int, error) {
	var netRequested float64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(a.net), 0)
		FROM activity a
		JOIN claim cl ON cl.id = a.claim_id
		WHERE cl.claim_key_id = ?`, claimKeyID).Scan(&netRequested)
	if err != nil {
		return 0, fmt.Errorf("sum submitted net: %w", err)
	}

	var paid float64
	err = q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(payment_amount), 0)
		FROM remittance_activity WHERE remittance_claim_id = ?`,
		remitClaimID).Scan(&paid)
	if err != nil {
		return 0, fmt.Errorf("sum paid: %w", err)
	}

	allDenied := len(acts) > 0
	for _, a := range acts {
		if a.DenialCode == "" || a.PaymentAmount > amountEpsilon {
			allDenied = false
			break
		}
	}

	switch {
	case netRequested > amountEpsilon && math.Abs(paid-netRequested) <= amountEpsilon:
		return StatusPaid, nil
	case paid > amountEpsilon && paid < netRequested-amountEpsilon:
		return StatusPartiallyPaid, nil
	case paid <= amountEpsilon && allDenied:
		return StatusRejected, nil
	default:
		return StatusPartiallyPaid, nil
	}
}
