package fetchdhpo

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/axonhealth/claimsink/ame"
	"github.com/axonhealth/claimsink/claimsdb"
	"github.com/axonhealth/claimsink/dbopen"
	"github.com/axonhealth/claimsink/pipeline"
	"github.com/axonhealth/claimsink/refdata"
	"github.com/axonhealth/claimsink/soapgw"
	"github.com/axonhealth/claimsink/staging"
)

const submissionXML = `<?xml version="1.0" encoding="UTF-8"?>
<Claim.Submission>
  <Header>
    <SenderID>MF100</SenderID>
    <ReceiverID>A001</ReceiverID>
    <TransactionDate>14/02/2025 12:00</TransactionDate>
    <RecordCount>1</RecordCount>
    <DispositionFlag>PRODUCTION</DispositionFlag>
  </Header>
  <Claim>
    <ID>C-1</ID>
    <IDPayer>P-C-1</IDPayer>
    <MemberID>M-9</MemberID>
    <PayerID>A001</PayerID>
    <ProviderID>MF100</ProviderID>
    <EmiratesIDNumber>784-1990-1234567-1</EmiratesIDNumber>
    <Net>214.13</Net>
    <Activity>
      <ID>A-1</ID>
      <Start>14/02/2025 09:05</Start>
      <Type>3</Type>
      <Code>9.01</Code>
      <Quantity>1</Quantity>
      <Net>214.13</Net>
      <Clinician>DHA-P-12345</Clinician>
    </Activity>
  </Claim>
</Claim.Submission>`

// fakePortal emulates the DHPO endpoints the coordinator exercises.
type fakePortal struct {
	mu        sync.Mutex
	files     map[string]string // file id -> xml payload
	downloads []string
	acks      []string
	searches  []string // request bodies of SearchTransactions calls
	deltas    int
}

func newFakePortal() *fakePortal {
	return &fakePortal{files: map[string]string{}}
}

func (p *fakePortal) listXML() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var b strings.Builder
	b.WriteString("<Files>")
	for id := range p.files {
		fmt.Fprintf(&b, "<File><FileID>%s</FileID><FileName>%s.xml</FileName><SenderID>A001</SenderID><ReceiverID>MF100</ReceiverID><TransactionDate>14/02/2025</TransactionDate><RecordCount>1</RecordCount></File>", id, id)
	}
	b.WriteString("</Files>")
	return b.String()
}

func (p *fakePortal) handler() http.HandlerFunc {
	respond := func(w http.ResponseWriter, op, inner string) {
		fmt.Fprintf(w, `<?xml version="1.0"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>
  <%sResponse xmlns="http://www.eClaimLink.ae/">%s</%sResponse>
</soap:Body></soap:Envelope>`, op, inner, op)
	}
	return func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		body := string(raw)
		switch {
		case strings.Contains(body, "<DownloadTransactionFile"):
			id := between(body, "<fileId>", "</fileId>")
			p.mu.Lock()
			xml, ok := p.files[id]
			p.downloads = append(p.downloads, id)
			p.mu.Unlock()
			if !ok {
				respond(w, "DownloadTransactionFile", "<DownloadTransactionFileResult>-1</DownloadTransactionFileResult><errorMessage>no such file</errorMessage>")
				return
			}
			respond(w, "DownloadTransactionFile",
				"<DownloadTransactionFileResult>0</DownloadTransactionFileResult><fileName>"+id+".xml</fileName><file>"+
					base64.StdEncoding.EncodeToString([]byte(xml))+"</file>")
		case strings.Contains(body, "<SetTransactionDownloaded"):
			id := between(body, "<fileId>", "</fileId>")
			p.mu.Lock()
			p.acks = append(p.acks, id)
			delete(p.files, id)
			p.mu.Unlock()
			respond(w, "SetTransactionDownloaded", "<SetTransactionDownloadedResult>0</SetTransactionDownloadedResult>")
		case strings.Contains(body, "<SearchTransactions"):
			p.mu.Lock()
			p.searches = append(p.searches, body)
			p.mu.Unlock()
			enc := base64.StdEncoding.EncodeToString([]byte(p.listXML()))
			respond(w, "SearchTransactions",
				"<SearchTransactionsResult>1</SearchTransactionsResult><foundTransactions>"+enc+"</foundTransactions>")
		case strings.Contains(body, "<GetNewTransactions"):
			p.mu.Lock()
			p.deltas++
			p.mu.Unlock()
			enc := base64.StdEncoding.EncodeToString([]byte(p.listXML()))
			respond(w, "GetNewTransactions",
				"<GetNewTransactionsResult>1</GetNewTransactionsResult><xmlTransaction>"+enc+"</xmlTransaction>")
		default:
			http.Error(w, "unknown operation", http.StatusBadRequest)
		}
	}
}

func between(s, start, end string) string {
	i := strings.Index(s, start)
	if i < 0 {
		return ""
	}
	s = s[i+len(start):]
	j := strings.Index(s, end)
	if j < 0 {
		return ""
	}
	return s[:j]
}

type harness struct {
	coord  *Coordinator
	store  *claimsdb.Store
	orch   *pipeline.Orchestrator
	portal *fakePortal
	ks     *ame.Keystore
}

func newHarness(t *testing.T, deltaOn, searchOn, ackOn bool) *harness {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	portal := newFakePortal()
	srv := httptest.NewServer(portal.handler())
	t.Cleanup(srv.Close)

	db := dbopen.OpenMemory(t, dbopen.WithSchema(claimsdb.Schema))
	store := claimsdb.NewStore(db, claimsdb.WithLogger(logger))
	for code, on := range map[string]bool{
		claimsdb.ToggleDeltaPoll:  deltaOn,
		claimsdb.ToggleSearchPoll: searchOn,
		claimsdb.ToggleAck:        ackOn,
	} {
		if err := store.SetToggle(ctx, code, on); err != nil {
			t.Fatal(err)
		}
	}

	ks, err := ame.LoadKeystore(ame.Config{KeyID: "k1", Passphrase: "unit test passphrase", Salt: "claims"})
	if err != nil {
		t.Fatal(err)
	}
	fac := claimsdb.Facility{Code: "MF100", Name: "Main Facility", EndpointURL: srv.URL, Active: true}
	if err := EnrollFacility(ctx, store, ks, fac, "MF100", "secret"); err != nil {
		t.Fatal(err)
	}

	resolver := refdata.New(refdata.Config{AutoInsert: true, BootstrapEnabled: true})
	orch := pipeline.New(pipeline.Config{Workers: 1}, store, resolver, pipeline.WithLogger(logger))
	soap := soapgw.New(soapgw.Config{}, soapgw.WithLogger(logger))
	stager, err := staging.New(staging.Config{Dir: t.TempDir()}, staging.WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}

	coord := New(Config{}, store, ks, soap, stager, orch, WithLogger(logger))
	return &harness{coord: coord, store: store, orch: orch, portal: portal, ks: ks}
}

func (h *harness) start(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.orch.Start(ctx)
	t.Cleanup(func() { h.orch.Shutdown(2 * time.Second) })
	return ctx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDeltaCycleIngestsAndAcks(t *testing.T) {
	h := newHarness(t, true, false, true)
	ctx := h.start(t)
	h.portal.files["F-100"] = submissionXML

	h.coord.Cycle(ctx)

	waitFor(t, "portal ack", func() bool {
		h.portal.mu.Lock()
		defer h.portal.mu.Unlock()
		return len(h.portal.acks) == 1
	})
	if h.portal.acks[0] != "F-100" {
		t.Fatalf("acks = %v", h.portal.acks)
	}

	f, err := h.store.GetFileByExternalID(ctx, "F-100")
	if err != nil || f == nil || !f.Verified {
		t.Fatalf("file = %+v, %v, want verified", f, err)
	}
	tl, err := h.store.Timeline(ctx, "C-1")
	if err != nil || len(tl) != 1 || tl[0].Status != claimsdb.StatusSubmitted {
		t.Fatalf("timeline = %+v, %v", tl, err)
	}
}

func TestRegistryDedupesRepeatedListings(t *testing.T) {
	h := newHarness(t, true, true, false)
	ctx := h.start(t)
	h.portal.files["F-100"] = submissionXML

	// Delta and both search pairs all list F-100; it downloads once.
	h.coord.Cycle(ctx)

	waitFor(t, "ingest", func() bool {
		f, _ := h.store.GetFileByExternalID(ctx, "F-100")
		return f != nil && f.Verified
	})
	h.portal.mu.Lock()
	defer h.portal.mu.Unlock()
	if len(h.portal.downloads) != 1 {
		t.Fatalf("downloads = %v, want one", h.portal.downloads)
	}
	if len(h.portal.searches) != 2 {
		t.Fatalf("searches = %d, want one per transaction pair", len(h.portal.searches))
	}
}

func TestSearchWindowAndPairs(t *testing.T) {
	h := newHarness(t, false, true, false)
	ctx := h.start(t)
	fixed := time.Date(2025, 6, 20, 10, 0, 0, 0, time.UTC)
	h.coord.now = func() time.Time { return fixed }

	h.coord.Cycle(ctx)

	waitFor(t, "search calls", func() bool {
		h.portal.mu.Lock()
		defer h.portal.mu.Unlock()
		return len(h.portal.searches) == 2
	})
	h.portal.mu.Lock()
	defer h.portal.mu.Unlock()
	if h.portal.deltas != 0 {
		t.Fatal("delta poll ran while toggled off")
	}
	first, second := h.portal.searches[0], h.portal.searches[1]
	if !strings.Contains(first, "<transactionID>2</transactionID>") ||
		!strings.Contains(first, "<direction>1</direction>") {
		t.Errorf("first search pair wrong: %s", first)
	}
	if !strings.Contains(second, "<transactionID>8</transactionID>") ||
		!strings.Contains(second, "<direction>2</direction>") {
		t.Errorf("second search pair wrong: %s", second)
	}
	// 100 days back from the injected clock.
	if !strings.Contains(first, "<transactionFromDate>12/03/2025</transactionFromDate>") ||
		!strings.Contains(first, "<transactionToDate>20/06/2025</transactionToDate>") {
		t.Errorf("search window wrong: %s", first)
	}
}

func TestCryptoFailureSkipsFacilityForCycle(t *testing.T) {
	h := newHarness(t, true, false, true)
	ctx := h.start(t)
	h.portal.files["F-100"] = submissionXML

	// Corrupt the stored envelope: the cycle must log and move on, never
	// call the portal for this facility.
	if err := h.store.UpdateFacilityCredentials(ctx, "MF100",
		[]byte("garbage"), []byte("garbage"), `{"alg":"AES-256-GCM","key_id":"k1","iv_login":"AAAA","iv_pwd":"AAAA","tag_bits":128}`); err != nil {
		t.Fatal(err)
	}

	h.coord.Cycle(ctx)

	h.portal.mu.Lock()
	deltas := h.portal.deltas
	h.portal.mu.Unlock()
	if deltas != 0 {
		t.Fatal("facility with broken credentials must not be polled")
	}
	errs, err := h.store.ListErrors(ctx, claimsdb.ErrorFilter{Stage: claimsdb.StageCrypto})
	if err != nil || len(errs) != 1 || errs[0].Code != "CREDENTIAL_DECRYPT_FAILED" {
		t.Fatalf("crypto errors = %+v, %v", errs, err)
	}
}

func TestAckToggleOffLeavesFileListed(t *testing.T) {
	h := newHarness(t, true, false, false)
	ctx := h.start(t)
	h.portal.files["F-100"] = submissionXML

	h.coord.Cycle(ctx)

	waitFor(t, "ingest without ack", func() bool {
		f, _ := h.store.GetFileByExternalID(ctx, "F-100")
		return f != nil && f.Verified
	})
	h.portal.mu.Lock()
	defer h.portal.mu.Unlock()
	if len(h.portal.acks) != 0 {
		t.Fatalf("acks = %v, want none while toggled off", h.portal.acks)
	}
}

func TestVerifiedFileOnlyReAcked(t *testing.T) {
	h := newHarness(t, true, false, true)
	ctx := h.start(t)
	h.portal.files["F-100"] = submissionXML

	h.coord.Cycle(ctx)
	waitFor(t, "first ack", func() bool {
		h.portal.mu.Lock()
		defer h.portal.mu.Unlock()
		return len(h.portal.acks) == 1
	})
	runsBefore, _ := h.store.ListRuns(ctx, 10)

	// The portal lost our ack and lists the file again; a fresh coordinator
	// (empty registry, as after a restart) re-acks without downloading.
	h.portal.mu.Lock()
	h.portal.files["F-100"] = submissionXML
	downloadsBefore := len(h.portal.downloads)
	h.portal.mu.Unlock()

	fresh := New(Config{}, h.store, h.ks, h.coord.soap, h.coord.stager, h.orch,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	fresh.Cycle(ctx)

	waitFor(t, "re-ack", func() bool {
		h.portal.mu.Lock()
		defer h.portal.mu.Unlock()
		return len(h.portal.acks) == 2
	})
	h.portal.mu.Lock()
	defer h.portal.mu.Unlock()
	if len(h.portal.downloads) != downloadsBefore {
		t.Fatal("verified file must not be downloaded again")
	}
	runsAfter, _ := h.store.ListRuns(ctx, 10)
	if len(runsAfter) != len(runsBefore) {
		t.Fatalf("re-ack opened a run: %d -> %d", len(runsBefore), len(runsAfter))
	}
}

func TestAckRecoveredByLaterCycleSameCoordinator(t *testing.T) {
	h := newHarness(t, true, false, false)
	ctx := h.start(t)
	h.portal.files["F-100"] = submissionXML

	// First cycle ingests and verifies, but acking is toggled off, so the
	// coordinator must drop the id from its registry once the run reports
	// back unacked.
	h.coord.Cycle(ctx)
	waitFor(t, "ingest without ack", func() bool {
		f, _ := h.store.GetFileByExternalID(ctx, "F-100")
		return f != nil && f.Verified
	})
	waitFor(t, "registry release", func() bool {
		h.coord.mu.Lock()
		defer h.coord.mu.Unlock()
		return h.coord.registry["F-100"] == ""
	})

	if err := h.store.SetToggle(ctx, claimsdb.ToggleAck, true); err != nil {
		t.Fatal(err)
	}
	h.portal.mu.Lock()
	downloadsBefore := len(h.portal.downloads)
	h.portal.mu.Unlock()

	// The same coordinator acks on its next cycle, without re-downloading.
	h.coord.Cycle(ctx)

	waitFor(t, "late ack", func() bool {
		h.portal.mu.Lock()
		defer h.portal.mu.Unlock()
		return len(h.portal.acks) == 1
	})
	h.portal.mu.Lock()
	defer h.portal.mu.Unlock()
	if h.portal.acks[0] != "F-100" {
		t.Fatalf("acks = %v", h.portal.acks)
	}
	if len(h.portal.downloads) != downloadsBefore {
		t.Fatal("verified file must not be downloaded again")
	}
}

func TestRotateCredentials(t *testing.T) {
	h := newHarness(t, false, false, false)
	ctx := context.Background()

	// New keystore where k1 is retired behind a fresh active key.
	dir := t.TempDir()
	oldKey := ame.DeriveKey("unit test passphrase", "claims")
	k1Path := dir + "/k1.key"
	if err := writeKey(k1Path, oldKey); err != nil {
		t.Fatal(err)
	}
	rotated, err := ame.LoadKeystore(ame.Config{
		KeyID:            "k2",
		Passphrase:       "second passphrase",
		Salt:             "claims",
		PreviousKeyFiles: map[string]string{"k1": k1Path},
	})
	if err != nil {
		t.Fatal(err)
	}

	n, err := RotateCredentials(ctx, h.store, rotated)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("rotated = %d, want 1", n)
	}

	f, err := h.store.GetFacility(ctx, "MF100")
	if err != nil || f == nil {
		t.Fatal(err)
	}
	meta, err := ame.ParseMeta(f.CryptoMeta)
	if err != nil || meta.KeyID != "k2" {
		t.Fatalf("meta = %+v, %v, want key k2", meta, err)
	}
	login, pwd, err := rotated.Open(ame.CredentialRecord{
		FacilityCode: f.Code, LoginCipher: f.LoginCipher, PwdCipher: f.PwdCipher, Meta: f.CryptoMeta,
	})
	if err != nil || login != "MF100" || pwd != "secret" {
		t.Fatalf("open after rotate = %q %q %v", login, pwd, err)
	}

	// Second pass is a no-op.
	n, err = RotateCredentials(ctx, h.store, rotated)
	if err != nil || n != 0 {
		t.Fatalf("second rotate = %d, %v, want no-op", n, err)
	}
}

func writeKey(path string, key []byte) error {
	return os.WriteFile(path, key, 0o600)
}
