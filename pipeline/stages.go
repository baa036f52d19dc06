package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/axonhealth/claimsink/claimsdb"
	"github.com/axonhealth/claimsink/claimxml"
)

// process walks one file through the six stages. Every early return has
// already logged its error and closed the run.
func (o *Orchestrator) process(ctx context.Context, job Job) Report {
	report := Report{FileID: job.FileID}

	// Stage 1: register. The unique file_id dedupes double delivery.
	fileRowID, verified, err := o.store.RegisterFile(ctx, job.FileID, job.FileName, job.Source)
	if err != nil {
		report.Err = fmt.Errorf("register: %w", err)
		return report
	}
	if verified {
		// Replay of a fully verified file: nothing to ingest, but a lost
		// ack may need repeating.
		report.AlreadyVerified = true
		report.VerifyOK = true
		report.Acked = o.ack(ctx, job, fileRowID)
		return report
	}

	runID, err := o.store.StartRun(ctx, fileRowID, job.Source)
	if err != nil {
		report.Err = fmt.Errorf("start run: %w", err)
		return report
	}
	report.RunID = runID
	defer func() {
		if err := o.store.FinishRun(ctx, runID, claimsdb.RunCounts{
			ClaimsParsed:    report.ClaimsParsed,
			ClaimsPersisted: report.Persisted,
			ClaimsSkipped:   report.Skipped,
			Errors:          report.Errors,
			VerifyOK:        report.VerifyOK,
		}); err != nil {
			o.logger.ErrorContext(ctx, "finish run failed", "run_id", runID, "error", err)
		}
	}()

	raw, err := job.Payload()
	if err != nil {
		report.Err = fmt.Errorf("payload: %w", err)
		report.Errors++
		o.store.LogError(ctx, claimsdb.IngestionError{
			IngestionFileID: fileRowID,
			Stage:           claimsdb.StageTransport,
			ObjectType:      "file",
			ObjectKey:       job.FileID,
			Code:            "PAYLOAD_UNREADABLE",
			Message:         err.Error(),
			Retryable:       true,
		})
		return report
	}

	// Stage 2: parse.
	out, err := claimxml.Parse(raw)
	if err != nil {
		report.Err = err
		report.Errors++
		var pe *claimxml.ParseError
		code, objType, objKey := "MALFORMED_XML", "file", job.FileID
		if errors.As(err, &pe) {
			code, objType, objKey = pe.Code, pe.ObjectType, pe.ObjectKey
		}
		o.store.LogError(ctx, claimsdb.IngestionError{
			IngestionFileID: fileRowID,
			Stage:           claimsdb.StageParse,
			ObjectType:      objType,
			ObjectKey:       objKey,
			Code:            code,
			Message:         err.Error(),
		})
		return report
	}

	// Stage 3: validate the header; claim-level validation happens inside
	// the persister so one bad claim cannot sink the file.
	header := out.DocHeader()
	if missing := claimxml.MissingHeaderFields(header); len(missing) > 0 {
		report.Err = fmt.Errorf("header missing %s", strings.Join(missing, ", "))
		report.Errors++
		o.store.LogError(ctx, claimsdb.IngestionError{
			IngestionFileID: fileRowID,
			Stage:           claimsdb.StageValidate,
			ObjectType:      "header",
			ObjectKey:       job.FileID,
			Code:            "MISSING_HEADER_REQUIRED",
			Message:         report.Err.Error(),
		})
		return report
	}
	if err := o.store.SetFileHeader(ctx, fileRowID, string(out.Root), header, raw); err != nil {
		report.Err = fmt.Errorf("set header: %w", err)
		return report
	}

	// Stage 4: persist.
	var res claimsdb.PersistResult
	switch out.Root {
	case claimxml.RootSubmission:
		report.ClaimsParsed = len(out.Submission.Claims)
		res, err = o.store.PersistSubmission(ctx, fileRowID, out, o.resolver)
	case claimxml.RootRemittance:
		report.ClaimsParsed = len(out.Remittance.Claims)
		res, err = o.store.PersistRemittance(ctx, fileRowID, out, o.resolver)
	default:
		err = fmt.Errorf("unhandled root %q", out.Root)
	}
	if err != nil {
		report.Err = fmt.Errorf("persist: %w", err)
		report.Errors++
		return report
	}
	report.Persisted = res.Persisted
	report.Skipped = res.Skipped
	report.Errors += res.Errors

	// Stage 5: verify.
	counts, err := o.store.CountsForFile(ctx, fileRowID)
	if err != nil {
		report.Err = fmt.Errorf("verify counts: %w", err)
		return report
	}
	report.Discrepancies = discrepancies(out.Root, header.RecordCount, report.ClaimsParsed, res, counts)
	report.VerifyOK = len(report.Discrepancies) == 0
	for _, d := range report.Discrepancies {
		o.store.LogError(ctx, claimsdb.IngestionError{
			IngestionFileID: fileRowID,
			Stage:           claimsdb.StageVerify,
			ObjectType:      "file",
			ObjectKey:       job.FileID,
			Code:            "VERIFY_DISCREPANCY",
			Message:         d,
		})
	}
	if report.VerifyOK {
		if err := o.store.MarkFileVerified(ctx, fileRowID); err != nil {
			report.Err = fmt.Errorf("mark verified: %w", err)
			report.VerifyOK = false
			return report
		}
		// Stage 6: ack, only after a clean verify.
		report.Acked = o.ack(ctx, job, fileRowID)
	}
	return report
}

// ack acknowledges the file at its source. Ack failures are logged as
// retryable: the file stays listed at the source and the verified flag
// makes the replay a cheap re-ack.
func (o *Orchestrator) ack(ctx context.Context, job Job, fileRowID int64) bool {
	if job.Ack == nil {
		return false
	}
	if err := job.Ack.AckFile(ctx, job.FileID); err != nil {
		o.store.LogError(ctx, claimsdb.IngestionError{
			IngestionFileID: fileRowID,
			Stage:           claimsdb.StageAck,
			ObjectType:      "file",
			ObjectKey:       job.FileID,
			Code:            "ACK_FAILED",
			Message:         ackError(job.FileID, err),
			Retryable:       true,
		})
		return false
	}
	return true
}

// discrepancies compares what the document declared with what landed.
func discrepancies(root claimxml.RootType, declared, parsed int, res claimsdb.PersistResult, counts claimsdb.FileCounts) []string {
	var out []string
	if declared != parsed {
		out = append(out, fmt.Sprintf("declared record count %d, parsed %d", declared, parsed))
	}
	if res.Errors > 0 {
		out = append(out, fmt.Sprintf("%d error(s) recorded, %d claim(s) skipped", res.Errors, res.Skipped))
	}
	persisted := counts.Claims
	if root == claimxml.RootRemittance {
		persisted = counts.RemitClaims
	}
	if persisted < res.Persisted {
		out = append(out, fmt.Sprintf("persister reported %d claim(s), database holds %d", res.Persisted, persisted))
	}
	return out
}
