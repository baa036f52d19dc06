package claimxml

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"golang.org/x/text/encoding/unicode"
)

const sampleSubmission = `<?xml version="1.0" encoding="UTF-8"?>
<Claim.Submission>
  <Header>
    <SenderID>PROV1</SenderID>
    <ReceiverID>PAYER1</ReceiverID>
    <TransactionDate>14/02/2025 12:00</TransactionDate>
    <RecordCount>1</RecordCount>
    <DispositionFlag>PRODUCTION</DispositionFlag>
  </Header>
  <Claim>
    <ID>C-1</ID>
    <IDPayer>P-C-1</IDPayer>
    <MemberID>M-9</MemberID>
    <PayerID>PAYER1</PayerID>
    <ProviderID>PROV1</ProviderID>
    <EmiratesIDNumber>784-1990-1234567-1</EmiratesIDNumber>
    <Gross>250.00</Gross>
    <PatientShare>35.87</PatientShare>
    <Net>214.13</Net>
    <Encounter>
      <FacilityID>FAC1</FacilityID>
      <Type>1</Type>
      <PatientID>PT-1</PatientID>
      <Start>14/02/2025 09:00</Start>
    </Encounter>
    <Diagnosis>
      <Type>Principal</Type>
      <Code>J06.9</Code>
    </Diagnosis>
    <Activity>
      <ID>A-1</ID>
      <Start>14/02/2025 09:05</Start>
      <Type>3</Type>
      <Code>9.01</Code>
      <Quantity>1</Quantity>
      <Net>214.13</Net>
      <Clinician>DHA-P-12345</Clinician>
      <Observation>
        <Type>Text</Type>
        <Code>BP</Code>
        <Value>120/80</Value>
        <ValueType>mmHg</ValueType>
      </Observation>
      <Observation>
        <Type>File</Type>
        <Code>referral.pdf</Code>
        <Value>aGVsbG8gd29ybGQ=</Value>
        <ValueType>pdf</ValueType>
      </Observation>
    </Activity>
  </Claim>
</Claim.Submission>`

const sampleRemittance = `<?xml version="1.0" encoding="UTF-8"?>
<Remittance.Advice>
  <Header>
    <SenderID>PAYER1</SenderID>
    <ReceiverID>PROV1</ReceiverID>
    <TransactionDate>01/03/2025 08:30</TransactionDate>
    <RecordCount>1</RecordCount>
    <DispositionFlag>PRODUCTION</DispositionFlag>
  </Header>
  <Claim>
    <ID>C-1</ID>
    <IDPayer>P-C-1</IDPayer>
    <ProviderID>PROV1</ProviderID>
    <PaymentReference>PAY-77</PaymentReference>
    <DateSettlement>05/03/2025 00:00</DateSettlement>
    <Activity>
      <ID>A-1</ID>
      <Start>14/02/2025 09:05</Start>
      <Type>3</Type>
      <Code>9.01</Code>
      <Quantity>1</Quantity>
      <Net>214.13</Net>
      <List>250.00</List>
      <Gross>250.00</Gross>
      <PatientShare>35.87</PatientShare>
      <PaymentAmount>214.13</PaymentAmount>
    </Activity>
  </Claim>
</Remittance.Advice>`

func TestParseSubmission(t *testing.T) {
	out, err := Parse([]byte(sampleSubmission))
	if err != nil {
		t.Fatal(err)
	}
	if out.Root != RootSubmission {
		t.Fatalf("root = %v", out.Root)
	}

	h := out.Submission.Header
	if h.SenderID != "PROV1" || h.ReceiverID != "PAYER1" {
		t.Errorf("header = %+v", h)
	}
	want := time.Date(2025, 2, 14, 12, 0, 0, 0, time.UTC)
	if !h.TransactionDate.Equal(want) {
		t.Errorf("transaction date = %v, want %v", h.TransactionDate, want)
	}
	if h.RecordCount != 1 {
		t.Errorf("record count = %d", h.RecordCount)
	}

	if len(out.Submission.Claims) != 1 {
		t.Fatalf("claims = %d", len(out.Submission.Claims))
	}
	c := out.Submission.Claims[0]
	if c.ID != "C-1" || c.PayerID != "PAYER1" || c.EmiratesID != "784-1990-1234567-1" {
		t.Errorf("claim = %+v", c)
	}
	if c.Net != 214.13 || c.Gross != 250.00 || c.PatientShare != 35.87 {
		t.Errorf("amounts = %v %v %v", c.Gross, c.PatientShare, c.Net)
	}
	if c.Encounter == nil || c.Encounter.FacilityID != "FAC1" {
		t.Errorf("encounter = %+v", c.Encounter)
	}
	if len(c.Diagnoses) != 1 || c.Diagnoses[0].Code != "J06.9" {
		t.Errorf("diagnoses = %+v", c.Diagnoses)
	}
	if len(c.Activities) != 1 {
		t.Fatalf("activities = %d", len(c.Activities))
	}
	a := c.Activities[0]
	if a.ID != "A-1" || a.Net != 214.13 || a.Clinician != "DHA-P-12345" {
		t.Errorf("activity = %+v", a)
	}
	if len(a.Observations) != 2 {
		t.Errorf("observations = %d", len(a.Observations))
	}
}

func TestParseExtractsAttachments(t *testing.T) {
	out, err := Parse([]byte(sampleSubmission))
	if err != nil {
		t.Fatal(err)
	}
	atts := out.ClaimAttachments("C-1")
	if len(atts) != 1 {
		t.Fatalf("attachments = %d, want 1", len(atts))
	}
	if atts[0].FileName != "referral.pdf" {
		t.Errorf("file name = %q", atts[0].FileName)
	}
	if string(atts[0].Data) != "hello world" {
		t.Errorf("data = %q", atts[0].Data)
	}
}

func TestParseRemittance(t *testing.T) {
	out, err := Parse([]byte(sampleRemittance))
	if err != nil {
		t.Fatal(err)
	}
	if out.Root != RootRemittance {
		t.Fatalf("root = %v", out.Root)
	}
	if len(out.Remittance.Claims) != 1 {
		t.Fatalf("claims = %d", len(out.Remittance.Claims))
	}
	c := out.Remittance.Claims[0]
	if c.PaymentReference != "PAY-77" || c.IDPayer != "P-C-1" {
		t.Errorf("claim = %+v", c)
	}
	if len(c.Activities) != 1 {
		t.Fatalf("activities = %d", len(c.Activities))
	}
	a := c.Activities[0]
	if a.PaymentAmount != 214.13 || a.ListPrice != 250.00 {
		t.Errorf("activity = %+v", a)
	}
	if a.DenialCode != "" {
		t.Errorf("denial = %q", a.DenialCode)
	}
}

func TestParseUnknownRoot(t *testing.T) {
	_, err := Parse([]byte(`<?xml version="1.0"?><Something><Header/></Something>`))
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v", err)
	}
	if pe.Code != "UNKNOWN_ROOT" {
		t.Errorf("code = %q", pe.Code)
	}
}

func TestParseMissingHeader(t *testing.T) {
	_, err := Parse([]byte(`<?xml version="1.0"?><Claim.Submission></Claim.Submission>`))
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Code != "MISSING_HEADER" {
		t.Errorf("err = %v", err)
	}
}

func TestParseBadTransactionDate(t *testing.T) {
	doc := `<Claim.Submission><Header>
		<SenderID>S</SenderID><ReceiverID>R</ReceiverID>
		<TransactionDate>not a date</TransactionDate>
		<RecordCount>0</RecordCount><DispositionFlag>TEST</DispositionFlag>
	</Header></Claim.Submission>`
	_, err := Parse([]byte(doc))
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Code != "BAD_TRANSACTION_DATE" {
		t.Errorf("err = %v", err)
	}
}

func TestNormalizeUTF8BOM(t *testing.T) {
	raw := append([]byte{0xef, 0xbb, 0xbf}, []byte(sampleSubmission)...)
	out, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Submission.Claims) != 1 {
		t.Errorf("claims = %d", len(out.Submission.Claims))
	}
}

func TestNormalizeUTF16(t *testing.T) {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder()
	raw, err := enc.Bytes([]byte(sampleSubmission))
	if err != nil {
		t.Fatal(err)
	}
	out, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if out.Submission.Claims[0].ID != "C-1" {
		t.Errorf("claim id = %q", out.Submission.Claims[0].ID)
	}
}

func TestNormalizeGzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte(sampleRemittance))
	zw.Close()

	out, err := Parse(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if out.Root != RootRemittance {
		t.Errorf("root = %v", out.Root)
	}
}

func TestNormalizeZipSingleEntry(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("batch.xml")
	w.Write([]byte(sampleSubmission))
	zw.Close()

	out, err := Parse(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if out.Root != RootSubmission {
		t.Errorf("root = %v", out.Root)
	}
}

func TestNormalizeZipMultiEntryRejected(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w1, _ := zw.Create("a.xml")
	w1.Write([]byte("<a/>"))
	w2, _ := zw.Create("b.xml")
	w2.Write([]byte("<b/>"))
	zw.Close()

	if _, err := Parse(buf.Bytes()); err == nil {
		t.Error("expected error for multi-entry zip")
	}
}

func TestAttachmentBadBase64Skipped(t *testing.T) {
	doc := `<Claim.Submission>
	<Header><SenderID>S</SenderID><ReceiverID>R</ReceiverID>
	<TransactionDate>14/02/2025 12:00</TransactionDate>
	<RecordCount>1</RecordCount><DispositionFlag>T</DispositionFlag></Header>
	<Claim><ID>C-9</ID><PayerID>P</PayerID><ProviderID>PR</ProviderID>
	<EmiratesIDNumber>E</EmiratesIDNumber><Net>10</Net>
	<Activity><ID>A-1</ID><Start>s</Start><Type>3</Type><Code>x</Code>
	<Quantity>1</Quantity><Net>10</Net><Clinician>CL</Clinician>
	<Observation><Type>File</Type><Code>bad.bin</Code><Value>!!!not-base64!!!</Value></Observation>
	</Activity></Claim></Claim.Submission>`
	out, err := Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Attachments) != 0 {
		t.Errorf("attachments = %d, want 0", len(out.Attachments))
	}
	// The observation row itself survives.
	if len(out.Submission.Claims[0].Activities[0].Observations) != 1 {
		t.Error("observation dropped")
	}
}

func TestParseTransactionDateLayouts(t *testing.T) {
	cases := []string{
		"14/02/2025 12:00",
		"14/02/2025 12:00:00",
		"2025-02-14T12:00:00Z",
		"2025-02-14T12:00:00",
	}
	want := time.Date(2025, 2, 14, 12, 0, 0, 0, time.UTC)
	for _, s := range cases {
		got, err := ParseTransactionDate(s)
		if err != nil {
			t.Errorf("%q: %v", s, err)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("%q = %v, want %v", s, got, want)
		}
	}
}

func TestRoundTripAttachmentEncoding(t *testing.T) {
	// The base64 in the fixture decodes and re-encodes to the same value.
	out, _ := Parse([]byte(sampleSubmission))
	obs := out.Submission.Claims[0].Activities[0].Observations[1]
	if base64.StdEncoding.EncodeToString(out.Attachments[0].Data) != obs.Value {
		t.Error("attachment bytes do not round-trip to observation value")
	}
}

func TestParseAmountRounding(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"", 0},
		{"214.13", 214.13},
		{"0.125", 0.13},
		{"-7.125", -7.13},
		{"1e18", 1e18}, // far beyond int64 cents, must survive unmangled
	}
	for _, tc := range cases {
		got, err := parseAmount(tc.in)
		if err != nil {
			t.Fatalf("parseAmount(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("parseAmount(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
	if _, err := parseAmount("12,5"); err == nil {
		t.Error("want error for non-numeric amount")
	}
}
