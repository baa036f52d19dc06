package claimsdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/axonhealth/claimsink/claimxml"
	"github.com/axonhealth/claimsink/refdata"
)

// PersistResult aggregates the per-claim outcomes of persisting one document.
type PersistResult struct {
	Persisted int
	Skipped   int
	Errors    int
}

// skipClaim aborts a per-claim transaction without counting it as persisted.
// The wrapped IngestionError is logged after the rollback completes.
type skipClaim struct {
	e IngestionError
}

func (s skipClaim) Error() string { return s.e.Code + ": " + s.e.Message }

// PersistSubmission stores one parsed submission document: the submission
// row, the normalized claim graph, the lifecycle event with its activity
// snapshot, the derived status row and any extracted attachments.
//
// Each claim runs in its own transaction. A claim that fails validation or
// persistence is logged and skipped; the rest of the file still commits.
// Replaying a file the claims already came from is a no-op.
func (s *Store) PersistSubmission(ctx context.Context, fileRowID int64, out *claimxml.Outcome, resolver *refdata.Resolver) (PersistResult, error) {
	doc := out.Submission
	if doc == nil {
		return PersistResult{}, errors.New("outcome carries no submission")
	}

	var submissionID int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO submission (ingestion_file_id, tx_at) VALUES (?, ?)
		ON CONFLICT (ingestion_file_id) DO UPDATE SET tx_at = excluded.tx_at
		RETURNING id`,
		fileRowID, ts(doc.Header.TransactionDate)).Scan(&submissionID)
	if err != nil {
		return PersistResult{}, fmt.Errorf("upsert submission: %w", err)
	}

	var res PersistResult
	for i := range doc.Claims {
		c := &doc.Claims[i]

		if missing := claimxml.MissingClaimFields(c); len(missing) > 0 {
			s.LogError(ctx, IngestionError{
				IngestionFileID: fileRowID,
				Stage:           StageValidate,
				ObjectType:      "claim",
				ObjectKey:       c.ID,
				Code:            "MISSING_CLAIM_REQUIRED",
				Message:         "missing required fields: " + strings.Join(missing, ", "),
			})
			res.Skipped++
			res.Errors++
			continue
		}

		var deferred []IngestionError
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			var txErr error
			deferred, txErr = s.persistSubmissionClaim(ctx, tx, fileRowID, submissionID, doc.Header, c, out, resolver)
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
			var skip skipClaim
			if errors.As(err, &skip) {
				skip.e.IngestionFileID = fileRowID
				s.LogError(ctx, skip.e)
				res.Skipped++
				res.Errors++
				continue
			}
			s.LogError(ctx, IngestionError{
				IngestionFileID: fileRowID,
				Stage:           StagePersist,
				ObjectType:      "claim",
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

// persistSubmissionClaim writes one claim's graph inside tx. Invalid
// diagnoses and activities are skipped object-by-object; their VALIDATE
// errors come back in the first return value for post-commit logging (the
// error sink must not run while the transaction holds the connection).
func (s *Store) persistSubmissionClaim(ctx context.Context, tx *sql.Tx, fileRowID, submissionID int64, h claimxml.Header, c *claimxml.SubmissionClaim, out *claimxml.Outcome, resolver *refdata.Resolver) ([]IngestionError, error) {
	var deferred []IngestionError

	keyID, err := upsertClaimKey(ctx, tx, c.ID)
	if err != nil {
		return nil, err
	}

	// Duplicate guard: a claim already submitted from another file must carry
	// a Resubmission block to be accepted again.
	var existingSubmissionID int64
	err = tx.QueryRowContext(ctx,
		`SELECT submission_id FROM claim WHERE claim_key_id = ?`, keyID).Scan(&existingSubmissionID)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if err == nil && existingSubmissionID != submissionID && c.Resubmission == nil {
		return nil, skipClaim{e: IngestionError{
			Stage:      StagePersist,
			ObjectType: "claim",
			ObjectKey:  c.ID,
			Code:       "DUP_SUBMISSION_NO_RESUB",
			Message:    "claim already submitted and carries no resubmission block",
		}}
	}

	origin := refdata.Origin{IngestionFileID: fileRowID, ClaimExternalID: c.ID}
	payerRef, err := resolver.Resolve(ctx, tx, refdata.Payer, c.PayerID, "", origin)
	if err != nil {
		return nil, err
	}
	providerRef, err := resolver.Resolve(ctx, tx, refdata.Provider, c.ProviderID, "", origin)
	if err != nil {
		return nil, err
	}

	var claimRowID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO claim
			(claim_key_id, submission_id, id_payer, member_id, payer_code,
			 provider_code, emirates_id, gross, patient_share, net,
			 payer_ref_id, provider_ref_id, tx_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (claim_key_id) DO UPDATE SET
			submission_id = excluded.submission_id,
			id_payer      = excluded.id_payer,
			member_id     = excluded.member_id,
			payer_code    = excluded.payer_code,
			provider_code = excluded.provider_code,
			emirates_id   = excluded.emirates_id,
			gross         = excluded.gross,
			patient_share = excluded.patient_share,
			net           = excluded.net,
			tx_at         = excluded.tx_at
		RETURNING id`,
		keyID, submissionID, c.IDPayer, c.MemberID, c.PayerID,
		c.ProviderID, c.EmiratesID, c.Gross, c.PatientShare, c.Net,
		payerRef, providerRef, ts(h.TransactionDate)).Scan(&claimRowID)
	if err != nil {
		return nil, fmt.Errorf("upsert claim %s: %w", c.ID, err)
	}

	if enc := c.Encounter; enc != nil && enc.FacilityID != "" {
		facilityRef, err := resolver.Resolve(ctx, tx, refdata.Facility, enc.FacilityID, "", origin)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO encounter
				(claim_id, facility_code, facility_ref_id, enc_type, patient_id,
				 start_at, end_at, start_type, end_type, transfer_source, transfer_dest)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (claim_id) DO UPDATE SET
				facility_code = excluded.facility_code,
				enc_type      = excluded.enc_type,
				patient_id    = excluded.patient_id,
				start_at      = excluded.start_at,
				end_at        = excluded.end_at`,
			claimRowID, enc.FacilityID, facilityRef, enc.Type, enc.PatientID,
			enc.Start, enc.End, enc.StartType, enc.EndType,
			enc.TransferSrc, enc.TransferDest); err != nil {
			return nil, fmt.Errorf("upsert encounter: %w", err)
		}
	}

	for _, d := range c.Diagnoses {
		if missing := claimxml.MissingDiagnosisFields(&d); len(missing) > 0 {
			deferred = append(deferred, IngestionError{
				Stage:      StageValidate,
				ObjectType: "diagnosis",
				ObjectKey:  c.ID,
				Code:       "MISSING_DIAGNOSIS_REQUIRED",
				Message:    "missing required fields: " + strings.Join(missing, ", "),
			})
			continue
		}
		diagRef, err := resolver.Resolve(ctx, tx, refdata.DiagnosisCode, d.Code, "ICD-10-CM", origin)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO diagnosis (claim_id, diag_type, code, diagnosis_ref_id)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (claim_id, diag_type, code) DO NOTHING`,
			claimRowID, d.Type, d.Code, diagRef); err != nil {
			return nil, fmt.Errorf("insert diagnosis %s: %w", d.Code, err)
		}
	}

	valid := make([]*claimxml.Activity, 0, len(c.Activities))
	for i := range c.Activities {
		a := &c.Activities[i]
		if missing := claimxml.MissingActivityFields(a); len(missing) > 0 {
			deferred = append(deferred, IngestionError{
				Stage:      StageValidate,
				ObjectType: "activity",
				ObjectKey:  c.ID + "/" + a.ID,
				Code:       "MISSING_ACTIVITY_REQUIRED",
				Message:    "missing required fields: " + strings.Join(missing, ", "),
			})
			continue
		}
		valid = append(valid, a)
	}
	for _, a := range valid {
		if err := s.persistActivity(ctx, tx, claimRowID, a, resolver, origin); err != nil {
			return nil, err
		}
	}

	// SUBMITTED event, snapshot and timeline row, written for every claim.
	// A resubmission adds its own event and row on top.
	eventID, err := insertEvent(ctx, tx, keyID, EventSubmitted, h.TransactionDate,
		sql.NullInt64{Int64: submissionID, Valid: true}, sql.NullInt64{})
	if err != nil {
		return nil, err
	}
	for _, a := range valid {
		if err := snapshotSubmissionActivity(ctx, tx, eventID, a); err != nil {
			return nil, err
		}
	}
	if err := appendTimeline(ctx, tx, keyID, StatusSubmitted, h.TransactionDate, eventID); err != nil {
		return nil, err
	}

	attachEventID := eventID
	if r := c.Resubmission; r != nil {
		resubEventID, err := insertEvent(ctx, tx, keyID, EventResubmitted, h.TransactionDate,
			sql.NullInt64{Int64: submissionID, Valid: true}, sql.NullInt64{})
		if err != nil {
			return nil, err
		}
		for _, a := range valid {
			if err := snapshotSubmissionActivity(ctx, tx, resubEventID, a); err != nil {
				return nil, err
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO claim_resubmission (claim_id, claim_event_id, resub_type, comment, attachment)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (claim_event_id) DO NOTHING`,
			claimRowID, resubEventID, r.Type, r.Comment, r.Attachment); err != nil {
			return nil, fmt.Errorf("insert resubmission: %w", err)
		}
		if err := appendTimeline(ctx, tx, keyID, StatusResubmitted, h.TransactionDate, resubEventID); err != nil {
			return nil, err
		}
		attachEventID = resubEventID
	}

	for _, att := range out.ClaimAttachments(c.ID) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO claim_attachment (claim_key_id, claim_event_id, file_name, data)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (claim_key_id, claim_event_id, file_name) DO NOTHING`,
			keyID, attachEventID, att.FileName, att.Data); err != nil {
			return nil, fmt.Errorf("insert attachment %s: %w", att.FileName, err)
		}
	}

	// Seed the payment aggregate so the submitted amount is queryable
	// before the first remittance arrives.
	return deferred, s.RecalcClaimPayment(ctx, tx, keyID)
}

func (s *Store) persistActivity(ctx context.Context, tx *sql.Tx, claimRowID int64, a *claimxml.Activity, resolver *refdata.Resolver, origin refdata.Origin) error {
	clinicianRef, err := resolver.Resolve(ctx, tx, refdata.Clinician, a.Clinician, "", origin)
	if err != nil {
		return err
	}
	codeRef, err := resolver.Resolve(ctx, tx, refdata.ActivityCode, a.Code, a.Type, origin)
	if err != nil {
		return err
	}

	var actRowID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO activity
			(claim_id, activity_id, start_at, act_type, code, quantity, net,
			 clinician_code, prior_auth_id, clinician_ref_id, activity_code_ref_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (claim_id, activity_id) DO UPDATE SET
			start_at       = excluded.start_at,
			act_type       = excluded.act_type,
			code           = excluded.code,
			quantity       = excluded.quantity,
			net            = excluded.net,
			clinician_code = excluded.clinician_code,
			prior_auth_id  = excluded.prior_auth_id
		RETURNING id`,
		claimRowID, a.ID, a.Start, a.Type, a.Code, a.Quantity, a.Net,
		a.Clinician, a.PriorAuthID, clinicianRef, codeRef).Scan(&actRowID)
	if err != nil {
		return fmt.Errorf("upsert activity %s: %w", a.ID, err)
	}

	for _, o := range a.Observations {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO observation (activity_id, obs_type, obs_code, obs_value, value_type, value_hash)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (activity_id, obs_type, obs_code, value_hash) DO NOTHING`,
			actRowID, o.Type, o.Code, o.Value, o.ValueType, valueHash(o.Value)); err != nil {
			return fmt.Errorf("insert observation %s/%s: %w", a.ID, o.Code, err)
		}
	}
	return nil
}
