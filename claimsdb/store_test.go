package claimsdb

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/axonhealth/claimsink/claimxml"
	"github.com/axonhealth/claimsink/dbopen"
	"github.com/axonhealth/claimsink/refdata"
)

var (
	txSubmit = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	txRemit  = time.Date(2024, 4, 2, 9, 30, 0, 0, time.UTC)
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	return NewStore(db, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func newTestResolver() *refdata.Resolver {
	return refdata.New(refdata.Config{AutoInsert: true, BootstrapEnabled: true})
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func testClaim(id string, net float64) claimxml.SubmissionClaim {
	return claimxml.SubmissionClaim{
		ID:           id,
		IDPayer:      "P-" + id,
		MemberID:     "M-1001",
		PayerID:      "A001",
		ProviderID:   "MF100",
		EmiratesID:   "784-1980-1234567-1",
		Gross:        net,
		PatientShare: 0,
		Net:          net,
		Encounter: &claimxml.Encounter{
			FacilityID: "MF100",
			Type:       "1",
			PatientID:  "PT-9",
			Start:      "01/03/2024 09:00",
		},
		Diagnoses: []claimxml.Diagnosis{{Type: "Principal", Code: "J45.909"}},
		Activities: []claimxml.Activity{{
			ID:        id + "-A1",
			Start:     "01/03/2024 09:00",
			Type:      "3",
			Code:      "83036",
			Quantity:  1,
			Net:       net,
			Clinician: "DHA-P-001",
			Observations: []claimxml.Observation{
				{Type: "Text", Code: "Presenting", Value: "followup", ValueType: "string"},
			},
		}},
	}
}

func submissionOutcome(claims ...claimxml.SubmissionClaim) *claimxml.Outcome {
	return &claimxml.Outcome{
		Root: claimxml.RootSubmission,
		Submission: &claimxml.Submission{
			Header: claimxml.Header{
				SenderID:        "MF100",
				ReceiverID:      "A001",
				TransactionDate: txSubmit,
				RecordCount:     len(claims),
				DispositionFlag: "PRODUCTION",
			},
			Claims: claims,
		},
	}
}

func remitOutcome(claims ...claimxml.RemittanceClaim) *claimxml.Outcome {
	return &claimxml.Outcome{
		Root: claimxml.RootRemittance,
		Remittance: &claimxml.Remittance{
			Header: claimxml.Header{
				SenderID:        "A001",
				ReceiverID:      "MF100",
				TransactionDate: txRemit,
				RecordCount:     len(claims),
				DispositionFlag: "PRODUCTION",
			},
			Claims: claims,
		},
	}
}

func remitClaim(id string, acts ...claimxml.RemittanceActivity) claimxml.RemittanceClaim {
	return claimxml.RemittanceClaim{
		ID:               id,
		IDPayer:          "P-" + id,
		ProviderID:       "MF100",
		PaymentReference: "PAY-77",
		DateSettlement:   "2024-04-10",
		Activities:       acts,
	}
}

func registerFile(t *testing.T, s *Store, fileID string) int64 {
	t.Helper()
	id, verified, err := s.RegisterFile(context.Background(), fileID, fileID+".xml", "localfs")
	if err != nil {
		t.Fatalf("RegisterFile: %v", err)
	}
	if verified {
		t.Fatalf("fresh file %s reported verified", fileID)
	}
	return id
}

func TestPersistSubmissionBasic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	fileID := registerFile(t, s, "sub-1")

	out := submissionOutcome(testClaim("C-1", 214.13))
	res, err := s.PersistSubmission(ctx, fileID, out, newTestResolver())
	if err != nil {
		t.Fatalf("PersistSubmission: %v", err)
	}
	if res.Persisted != 1 || res.Skipped != 0 || res.Errors != 0 {
		t.Fatalf("result = %+v, want 1 persisted", res)
	}

	for table, want := range map[string]int{
		"claim_key": 1, "claim": 1, "encounter": 1, "diagnosis": 1,
		"activity": 1, "observation": 1, "claim_event": 1,
		"claim_event_activity": 1, "claim_status_timeline": 1,
		"ref_payer": 1, "ref_provider": 1, "ref_facility": 1,
		"ref_clinician": 1, "ref_activity_code": 1, "ref_diagnosis_code": 1,
	} {
		if got := countRows(t, s.DB(), table); got != want {
			t.Errorf("%s rows = %d, want %d", table, got, want)
		}
	}

	// Every auto-inserted code leaves one discovery audit row.
	if got := countRows(t, s.DB(), "code_discovery_audit"); got != 6 {
		t.Errorf("audit rows = %d, want 6", got)
	}

	tl, err := s.Timeline(ctx, "C-1")
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(tl) != 1 || tl[0].Status != StatusSubmitted {
		t.Fatalf("timeline = %+v, want single SUBMITTED", tl)
	}
}

func TestPersistSubmissionIdempotentReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	fileID := registerFile(t, s, "sub-1")
	out := submissionOutcome(testClaim("C-1", 100))

	for i := 0; i < 2; i++ {
		res, err := s.PersistSubmission(ctx, fileID, out, newTestResolver())
		if err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
		if res.Persisted != 1 || res.Errors != 0 {
			t.Fatalf("pass %d: result = %+v", i, res)
		}
	}

	for _, table := range []string{"claim", "activity", "observation",
		"claim_event", "claim_event_activity", "claim_status_timeline"} {
		if got := countRows(t, s.DB(), table); got != 1 {
			t.Errorf("%s rows = %d after replay, want 1", table, got)
		}
	}
}

func TestPersistSubmissionDuplicateWithoutResubmission(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := newTestResolver()

	f1 := registerFile(t, s, "sub-1")
	if _, err := s.PersistSubmission(ctx, f1, submissionOutcome(testClaim("C-1", 100)), r); err != nil {
		t.Fatal(err)
	}

	f2 := registerFile(t, s, "sub-2")
	res, err := s.PersistSubmission(ctx, f2, submissionOutcome(testClaim("C-1", 100)), r)
	if err != nil {
		t.Fatal(err)
	}
	if res.Persisted != 0 || res.Skipped != 1 {
		t.Fatalf("result = %+v, want skip", res)
	}

	errs, err := s.ListErrors(ctx, ErrorFilter{FileRowID: f2})
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 1 || errs[0].Code != "DUP_SUBMISSION_NO_RESUB" {
		t.Fatalf("errors = %+v, want DUP_SUBMISSION_NO_RESUB", errs)
	}
	if got := countRows(t, s.DB(), "claim"); got != 1 {
		t.Errorf("claim rows = %d, want 1", got)
	}
}

func TestPersistSubmissionResubmission(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := newTestResolver()

	f1 := registerFile(t, s, "sub-1")
	if _, err := s.PersistSubmission(ctx, f1, submissionOutcome(testClaim("C-1", 100)), r); err != nil {
		t.Fatal(err)
	}

	resub := testClaim("C-1", 120)
	resub.Resubmission = &claimxml.Resubmission{Type: "correction", Comment: "fixed code"}
	out := submissionOutcome(resub)
	out.Submission.Header.TransactionDate = txSubmit.Add(48 * time.Hour)

	f2 := registerFile(t, s, "sub-2")
	res, err := s.PersistSubmission(ctx, f2, out, r)
	if err != nil {
		t.Fatal(err)
	}
	if res.Persisted != 1 {
		t.Fatalf("result = %+v, want persisted", res)
	}

	if got := countRows(t, s.DB(), "claim_resubmission"); got != 1 {
		t.Errorf("claim_resubmission rows = %d, want 1", got)
	}
	// The resubmission file writes its own SUBMITTED row plus RESUBMITTED.
	tl, err := s.Timeline(ctx, "C-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(tl) != 3 || tl[0].Status != StatusSubmitted ||
		tl[1].Status != StatusSubmitted || tl[2].Status != StatusResubmitted {
		t.Fatalf("timeline = %+v, want SUBMITTED, SUBMITTED, RESUBMITTED", tl)
	}

	// Current claim row reflects the resubmitted amounts.
	var net float64
	if err := s.DB().QueryRow(`SELECT net FROM claim`).Scan(&net); err != nil {
		t.Fatal(err)
	}
	if net != 120 {
		t.Errorf("claim net = %v after resubmission, want 120", net)
	}
}

func TestPersistSubmissionFirstSightResubmission(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	fileID := registerFile(t, s, "sub-1")

	// A claim never seen before arriving with a Resubmission block still
	// gets both lifecycle events, sharing the header transaction date.
	c := testClaim("C-1", 100)
	c.Resubmission = &claimxml.Resubmission{Type: "correction", Comment: "resent"}
	res, err := s.PersistSubmission(ctx, fileID, submissionOutcome(c), newTestResolver())
	if err != nil {
		t.Fatal(err)
	}
	if res.Persisted != 1 || res.Errors != 0 {
		t.Fatalf("result = %+v", res)
	}

	var submitted, resubmitted int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM claim_event WHERE event_type = ?`,
		EventSubmitted).Scan(&submitted); err != nil {
		t.Fatal(err)
	}
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM claim_event WHERE event_type = ?`,
		EventResubmitted).Scan(&resubmitted); err != nil {
		t.Fatal(err)
	}
	if submitted != 1 || resubmitted != 1 {
		t.Fatalf("events = %d SUBMITTED, %d RESUBMITTED, want one of each", submitted, resubmitted)
	}

	tl, err := s.Timeline(ctx, "C-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(tl) != 2 || tl[0].Status != StatusSubmitted || tl[1].Status != StatusResubmitted {
		t.Fatalf("timeline = %+v, want SUBMITTED then RESUBMITTED", tl)
	}

	// The resubmission payload hangs off the RESUBMITTED event.
	var evType int
	if err := s.DB().QueryRow(`
		SELECT e.event_type FROM claim_resubmission r
		JOIN claim_event e ON e.id = r.claim_event_id`).Scan(&evType); err != nil {
		t.Fatal(err)
	}
	if evType != EventResubmitted {
		t.Fatalf("resubmission event type = %d, want RESUBMITTED", evType)
	}
}

func TestPersistSubmissionInvalidActivitySkipsRowNotClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	fileID := registerFile(t, s, "sub-1")

	c := testClaim("C-1", 200)
	c.Activities = append(c.Activities, claimxml.Activity{ID: "C-1-A2"}) // no start, code, net...
	res, err := s.PersistSubmission(ctx, fileID, submissionOutcome(c), newTestResolver())
	if err != nil {
		t.Fatal(err)
	}
	if res.Persisted != 1 || res.Skipped != 0 || res.Errors != 1 {
		t.Fatalf("result = %+v, want claim persisted with one error", res)
	}

	if got := countRows(t, s.DB(), "claim"); got != 1 {
		t.Errorf("claim rows = %d, want 1", got)
	}
	if got := countRows(t, s.DB(), "activity"); got != 1 {
		t.Errorf("activity rows = %d, want only the valid one", got)
	}
	if got := countRows(t, s.DB(), "claim_event_activity"); got != 1 {
		t.Errorf("snapshot rows = %d, want only the valid one", got)
	}

	errs, _ := s.ListErrors(ctx, ErrorFilter{Code: "MISSING_ACTIVITY_REQUIRED"})
	if len(errs) != 1 || errs[0].ObjectKey != "C-1/C-1-A2" {
		t.Fatalf("errors = %+v", errs)
	}
}

func TestPersistSubmissionInvalidDiagnosisSkipsRowNotClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	fileID := registerFile(t, s, "sub-1")

	c := testClaim("C-1", 150)
	c.Diagnoses = append(c.Diagnoses, claimxml.Diagnosis{Type: "Secondary"}) // no code
	res, err := s.PersistSubmission(ctx, fileID, submissionOutcome(c), newTestResolver())
	if err != nil {
		t.Fatal(err)
	}
	if res.Persisted != 1 || res.Errors != 1 {
		t.Fatalf("result = %+v, want claim persisted with one error", res)
	}
	if got := countRows(t, s.DB(), "diagnosis"); got != 1 {
		t.Errorf("diagnosis rows = %d, want only the valid one", got)
	}
	errs, _ := s.ListErrors(ctx, ErrorFilter{Code: "MISSING_DIAGNOSIS_REQUIRED"})
	if len(errs) != 1 {
		t.Fatalf("errors = %+v", errs)
	}
}

func TestPersistSubmissionMissingRequired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	fileID := registerFile(t, s, "sub-1")

	bad := testClaim("C-BAD", 50)
	bad.EmiratesID = ""
	out := submissionOutcome(bad, testClaim("C-OK", 75))

	res, err := s.PersistSubmission(ctx, fileID, out, newTestResolver())
	if err != nil {
		t.Fatal(err)
	}
	if res.Persisted != 1 || res.Skipped != 1 || res.Errors != 1 {
		t.Fatalf("result = %+v, want 1 persisted 1 skipped", res)
	}

	errs, _ := s.ListErrors(ctx, ErrorFilter{Code: "MISSING_CLAIM_REQUIRED"})
	if len(errs) != 1 || errs[0].ObjectKey != "C-BAD" {
		t.Fatalf("errors = %+v", errs)
	}
	if got := countRows(t, s.DB(), "claim"); got != 1 {
		t.Errorf("claim rows = %d, want only the valid claim", got)
	}
}

func TestPersistSubmissionAttachments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	fileID := registerFile(t, s, "sub-1")

	out := submissionOutcome(testClaim("C-1", 100))
	out.Attachments = []claimxml.Attachment{
		{ClaimID: "C-1", FileName: "referral.pdf", Data: []byte("hello world")},
	}

	for i := 0; i < 2; i++ {
		if _, err := s.PersistSubmission(ctx, fileID, out, newTestResolver()); err != nil {
			t.Fatal(err)
		}
	}
	if got := countRows(t, s.DB(), "claim_attachment"); got != 1 {
		t.Errorf("claim_attachment rows = %d, want 1", got)
	}

	var data []byte
	if err := s.DB().QueryRow(`SELECT data FROM claim_attachment WHERE file_name = 'referral.pdf'`).Scan(&data); err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello world" {
		t.Errorf("attachment data = %q", data)
	}
}

func TestPersistRemittanceFullyPaid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := newTestResolver()

	f1 := registerFile(t, s, "sub-1")
	if _, err := s.PersistSubmission(ctx, f1, submissionOutcome(testClaim("C-1", 214.13)), r); err != nil {
		t.Fatal(err)
	}

	f2 := registerFile(t, s, "ra-1")
	out := remitOutcome(remitClaim("C-1", claimxml.RemittanceActivity{
		ID: "C-1-A1", PaymentAmount: 214.13, Net: 214.13,
	}))
	res, err := s.PersistRemittance(ctx, f2, out, r)
	if err != nil {
		t.Fatal(err)
	}
	if res.Persisted != 1 {
		t.Fatalf("result = %+v", res)
	}

	tl, _ := s.Timeline(ctx, "C-1")
	if len(tl) != 2 || tl[1].Status != StatusPaid {
		t.Fatalf("timeline = %+v, want PAID last", tl)
	}

	p, err := s.GetClaimPayment(ctx, "C-1")
	if err != nil {
		t.Fatal(err)
	}
	if p == nil || p.PaymentStatus != StatusPaid || p.PaidAmount != 214.13 {
		t.Fatalf("payment = %+v, want PAID 214.13", p)
	}
	if p.SettlementReference != "PAY-77" {
		t.Errorf("settlement reference = %q", p.SettlementReference)
	}
}

func TestPersistRemittancePartiallyPaid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := newTestResolver()

	f1 := registerFile(t, s, "sub-1")
	if _, err := s.PersistSubmission(ctx, f1, submissionOutcome(testClaim("C-1", 200)), r); err != nil {
		t.Fatal(err)
	}

	f2 := registerFile(t, s, "ra-1")
	out := remitOutcome(remitClaim("C-1", claimxml.RemittanceActivity{
		ID: "C-1-A1", PaymentAmount: 120, Net: 200, DenialCode: "MNEC-004",
	}))
	if _, err := s.PersistRemittance(ctx, f2, out, r); err != nil {
		t.Fatal(err)
	}

	tl, _ := s.Timeline(ctx, "C-1")
	if tl[len(tl)-1].Status != StatusPartiallyPaid {
		t.Fatalf("timeline = %+v, want PARTIALLY_PAID last", tl)
	}
	p, _ := s.GetClaimPayment(ctx, "C-1")
	if p.RejectedAmount != 80 {
		t.Errorf("rejected = %v, want 80", p.RejectedAmount)
	}
	if p.DeniedActivityCount != 1 {
		t.Errorf("denied count = %d, want 1", p.DeniedActivityCount)
	}
}

func TestPersistRemittanceAllDenied(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := newTestResolver()

	f1 := registerFile(t, s, "sub-1")
	if _, err := s.PersistSubmission(ctx, f1, submissionOutcome(testClaim("C-1", 150)), r); err != nil {
		t.Fatal(err)
	}

	f2 := registerFile(t, s, "ra-1")
	out := remitOutcome(remitClaim("C-1", claimxml.RemittanceActivity{
		ID: "C-1-A1", PaymentAmount: 0, Net: 150, DenialCode: "CLAIM-002",
	}))
	if _, err := s.PersistRemittance(ctx, f2, out, r); err != nil {
		t.Fatal(err)
	}

	tl, _ := s.Timeline(ctx, "C-1")
	if tl[len(tl)-1].Status != StatusRejected {
		t.Fatalf("timeline = %+v, want REJECTED last", tl)
	}
	p, _ := s.GetClaimPayment(ctx, "C-1")
	if p.PaymentStatus != StatusRejected || p.RejectedAmount != 150 {
		t.Fatalf("payment = %+v, want REJECTED 150", p)
	}
	if got := countRows(t, s.DB(), "ref_denial_code"); got != 1 {
		t.Errorf("ref_denial_code rows = %d, want 1", got)
	}
}

func TestPersistRemittanceBeforeSubmission(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fileID := registerFile(t, s, "ra-1")
	out := remitOutcome(remitClaim("C-ORPHAN", claimxml.RemittanceActivity{
		ID: "A1", PaymentAmount: 50, Net: 50,
	}))
	res, err := s.PersistRemittance(ctx, fileID, out, newTestResolver())
	if err != nil {
		t.Fatal(err)
	}
	if res.Persisted != 1 {
		t.Fatalf("result = %+v", res)
	}

	// No submitted net is known, so the claim must not look fully paid.
	tl, _ := s.Timeline(ctx, "C-ORPHAN")
	if len(tl) != 1 || tl[0].Status != StatusPartiallyPaid {
		t.Fatalf("timeline = %+v, want conservative PARTIALLY_PAID", tl)
	}
	if got := countRows(t, s.DB(), "claim_key"); got != 1 {
		t.Errorf("claim_key rows = %d, want spine created", got)
	}
	if got := countRows(t, s.DB(), "claim"); got != 0 {
		t.Errorf("claim rows = %d, want none", got)
	}
}

func TestRecalcAcrossMultipleRemittances(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := newTestResolver()

	f1 := registerFile(t, s, "sub-1")
	if _, err := s.PersistSubmission(ctx, f1, submissionOutcome(testClaim("C-1", 200)), r); err != nil {
		t.Fatal(err)
	}

	f2 := registerFile(t, s, "ra-1")
	first := remitOutcome(remitClaim("C-1", claimxml.RemittanceActivity{
		ID: "C-1-A1", PaymentAmount: 120, Net: 200,
	}))
	if _, err := s.PersistRemittance(ctx, f2, first, r); err != nil {
		t.Fatal(err)
	}

	f3 := registerFile(t, s, "ra-2")
	second := remitOutcome(remitClaim("C-1", claimxml.RemittanceActivity{
		ID: "C-1-A2", PaymentAmount: 80, Net: 80,
	}))
	second.Remittance.Header.TransactionDate = txRemit.Add(24 * time.Hour)
	if _, err := s.PersistRemittance(ctx, f3, second, r); err != nil {
		t.Fatal(err)
	}

	p, err := s.GetClaimPayment(ctx, "C-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.PaidAmount != 200 || p.PaymentStatus != StatusPaid {
		t.Fatalf("payment = %+v, want PAID 200 across two cycles", p)
	}
	if p.ProcessingCycles != 2 {
		t.Errorf("cycles = %d, want 2", p.ProcessingCycles)
	}
	if p.FirstRemittanceAt == p.LastRemittanceAt {
		t.Errorf("first/last remittance timestamps should differ: %q", p.FirstRemittanceAt)
	}
}

func TestCountsForFile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fileID := registerFile(t, s, "sub-1")
	out := submissionOutcome(testClaim("C-1", 100), testClaim("C-2", 50))
	if _, err := s.PersistSubmission(ctx, fileID, out, newTestResolver()); err != nil {
		t.Fatal(err)
	}

	c, err := s.CountsForFile(ctx, fileID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Claims != 2 || c.Activities != 2 {
		t.Fatalf("counts = %+v, want 2 claims 2 activities", c)
	}
}

func TestToggles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	on, err := s.ToggleEnabled(ctx, ToggleDeltaPoll)
	if err != nil {
		t.Fatal(err)
	}
	if on {
		t.Fatal("missing toggle should read as off")
	}

	if err := s.SetToggle(ctx, ToggleDeltaPoll, true); err != nil {
		t.Fatal(err)
	}
	if on, _ = s.ToggleEnabled(ctx, ToggleDeltaPoll); !on {
		t.Fatal("toggle should be on after SetToggle")
	}
	if err := s.SetToggle(ctx, ToggleDeltaPoll, false); err != nil {
		t.Fatal(err)
	}
	if on, _ = s.ToggleEnabled(ctx, ToggleDeltaPoll); on {
		t.Fatal("toggle should be off again")
	}
}

func TestFacilityRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertFacility(ctx, Facility{
		Code: "MF100", Name: "Clinic One",
		EndpointURL: "https://dhpo.example/ws", Active: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if id == 0 {
		t.Fatal("want facility id")
	}

	if err := s.UpdateFacilityCredentials(ctx, "MF100",
		[]byte{1, 2}, []byte{3, 4}, `{"alg":"AES-256-GCM"}`); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateFacilityCredentials(ctx, "NOPE", nil, nil, ""); err == nil {
		t.Fatal("want error for unknown facility")
	}

	f, err := s.GetFacility(ctx, "MF100")
	if err != nil {
		t.Fatal(err)
	}
	if f == nil || string(f.LoginCipher) != "\x01\x02" || !f.Active {
		t.Fatalf("facility = %+v", f)
	}

	missing, err := s.GetFacility(ctx, "NOPE")
	if err != nil || missing != nil {
		t.Fatalf("GetFacility(NOPE) = %v, %v, want nil, nil", missing, err)
	}

	list, err := s.ListActiveFacilities(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("active facilities = %v, %v", list, err)
	}
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	fileID := registerFile(t, s, "sub-1")

	runID, err := s.StartRun(ctx, fileID, "localfs")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.FinishRun(ctx, runID, RunCounts{
		ClaimsParsed: 3, ClaimsPersisted: 2, ClaimsSkipped: 1, Errors: 1, VerifyOK: true,
	}); err != nil {
		t.Fatal(err)
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ClaimsPersisted != 2 || !runs[0].VerifyOK {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestRegisterFileDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1 := registerFile(t, s, "f-1")
	id2, verified, err := s.RegisterFile(ctx, "f-1", "f-1.xml", "localfs")
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("duplicate registration got new row: %d vs %d", id1, id2)
	}
	if verified {
		t.Fatal("unverified file reported verified")
	}

	if err := s.MarkFileVerified(ctx, id1); err != nil {
		t.Fatal(err)
	}
	_, verified, err = s.RegisterFile(ctx, "f-1", "f-1.xml", "localfs")
	if err != nil {
		t.Fatal(err)
	}
	if !verified {
		t.Fatal("verified flag should survive re-registration")
	}
}
