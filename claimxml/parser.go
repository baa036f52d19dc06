package claimxml

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// Object types recorded on parse errors.
const (
	ObjectRoot     = "ROOT"
	ObjectHeader   = "HEADER"
	ObjectClaim    = "CLAIM"
	ObjectActivity = "ACTIVITY"
)

// ParseError is a fatal parse failure. The pipeline records it against the
// file and aborts further processing of the document.
type ParseError struct {
	Code       string
	ObjectType string
	ObjectKey  string
	Err        error
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("claimxml: %s %s", e.Code, e.ObjectType)
	if e.ObjectKey != "" {
		msg += " " + e.ObjectKey
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// Accepted transaction date layouts. DHPO emits dd/MM/yyyy HH:mm; exports
// from other systems use ISO forms.
var txDateLayouts = []string{
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTransactionDate parses a header transaction date in any accepted
// layout, returning the time in UTC.
func ParseTransactionDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range txDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized transaction date %q", s)
}

// Parse normalizes raw document bytes and streams them into an Outcome.
// The reader is forward-only: the decoder walks the token stream once,
// decoding one <Claim> element at a time.
func Parse(raw []byte) (*Outcome, error) {
	norm, err := Normalize(raw)
	if err != nil {
		return nil, &ParseError{Code: "BAD_ENCODING", ObjectType: ObjectRoot, Err: err}
	}
	return parseNormalized(bytes.NewReader(norm))
}

func parseNormalized(r io.Reader) (*Outcome, error) {
	dec := xml.NewDecoder(r)

	root, err := rootElement(dec)
	if err != nil {
		return nil, err
	}

	switch root {
	case "Claim.Submission":
		return parseSubmission(dec)
	case "Remittance.Advice":
		return parseRemittance(dec)
	default:
		return nil, &ParseError{
			Code:       "UNKNOWN_ROOT",
			ObjectType: ObjectRoot,
			ObjectKey:  root,
			Err:        fmt.Errorf("expected Claim.Submission or Remittance.Advice"),
		}
	}
}

func rootElement(dec *xml.Decoder) (string, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", &ParseError{Code: "MALFORMED_XML", ObjectType: ObjectRoot, Err: err}
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local, nil
		}
	}
}

func parseSubmission(dec *xml.Decoder) (*Outcome, error) {
	out := &Outcome{Root: RootSubmission, Submission: &Submission{}}
	sawHeader := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &ParseError{Code: "MALFORMED_XML", ObjectType: ObjectRoot, Err: err}
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "Header":
			hdr, err := decodeHeader(dec, &se)
			if err != nil {
				return nil, err
			}
			out.Submission.Header = *hdr
			sawHeader = true
		case "Claim":
			var xc xmlSubmissionClaim
			if err := dec.DecodeElement(&xc, &se); err != nil {
				return nil, &ParseError{Code: "MALFORMED_XML", ObjectType: ObjectClaim, Err: err}
			}
			claim, err := xc.toDTO()
			if err != nil {
				return nil, err
			}
			out.Submission.Claims = append(out.Submission.Claims, *claim)
			out.Attachments = append(out.Attachments, extractAttachments(claim)...)
		}
	}

	if !sawHeader {
		return nil, &ParseError{Code: "MISSING_HEADER", ObjectType: ObjectHeader,
			Err: fmt.Errorf("document has no <Header>")}
	}
	return out, nil
}

func parseRemittance(dec *xml.Decoder) (*Outcome, error) {
	out := &Outcome{Root: RootRemittance, Remittance: &Remittance{}}
	sawHeader := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &ParseError{Code: "MALFORMED_XML", ObjectType: ObjectRoot, Err: err}
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "Header":
			hdr, err := decodeHeader(dec, &se)
			if err != nil {
				return nil, err
			}
			out.Remittance.Header = *hdr
			sawHeader = true
		case "Claim":
			var xc xmlRemittanceClaim
			if err := dec.DecodeElement(&xc, &se); err != nil {
				return nil, &ParseError{Code: "MALFORMED_XML", ObjectType: ObjectClaim, Err: err}
			}
			claim, err := xc.toDTO()
			if err != nil {
				return nil, err
			}
			out.Remittance.Claims = append(out.Remittance.Claims, *claim)
		}
	}

	if !sawHeader {
		return nil, &ParseError{Code: "MISSING_HEADER", ObjectType: ObjectHeader,
			Err: fmt.Errorf("document has no <Header>")}
	}
	return out, nil
}

// --- XML shapes ---

type xmlHeader struct {
	SenderID        string `xml:"SenderID"`
	ReceiverID      string `xml:"ReceiverID"`
	TransactionDate string `xml:"TransactionDate"`
	RecordCount     string `xml:"RecordCount"`
	DispositionFlag string `xml:"DispositionFlag"`
}

func decodeHeader(dec *xml.Decoder, se *xml.StartElement) (*Header, error) {
	var xh xmlHeader
	if err := dec.DecodeElement(&xh, se); err != nil {
		return nil, &ParseError{Code: "MALFORMED_XML", ObjectType: ObjectHeader, Err: err}
	}

	hdr := &Header{
		SenderID:        strings.TrimSpace(xh.SenderID),
		ReceiverID:      strings.TrimSpace(xh.ReceiverID),
		DispositionFlag: strings.TrimSpace(xh.DispositionFlag),
	}

	if s := strings.TrimSpace(xh.TransactionDate); s != "" {
		t, err := ParseTransactionDate(s)
		if err != nil {
			return nil, &ParseError{Code: "BAD_TRANSACTION_DATE", ObjectType: ObjectHeader, Err: err}
		}
		hdr.TransactionDate = t
	}

	if s := strings.TrimSpace(xh.RecordCount); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, &ParseError{Code: "BAD_RECORD_COUNT", ObjectType: ObjectHeader, Err: err}
		}
		hdr.RecordCount = n
	}
	return hdr, nil
}

type xmlSubmissionClaim struct {
	ID           string `xml:"ID"`
	IDPayer      string `xml:"IDPayer"`
	MemberID     string `xml:"MemberID"`
	PayerID      string `xml:"PayerID"`
	ProviderID   string `xml:"ProviderID"`
	EmiratesID   string `xml:"EmiratesIDNumber"`
	Gross        string `xml:"Gross"`
	PatientShare string `xml:"PatientShare"`
	Net          string `xml:"Net"`
	Encounter    *struct {
		FacilityID   string `xml:"FacilityID"`
		Type         string `xml:"Type"`
		PatientID    string `xml:"PatientID"`
		Start        string `xml:"Start"`
		End          string `xml:"End"`
		StartType    string `xml:"StartType"`
		EndType      string `xml:"EndType"`
		TransferSrc  string `xml:"TransferSource"`
		TransferDest string `xml:"TransferDestination"`
	} `xml:"Encounter"`
	Diagnoses  []xmlDiagnosis          `xml:"Diagnosis"`
	Activities []xmlSubmissionActivity `xml:"Activity"`
	Resub      *struct {
		Type       string `xml:"Type"`
		Comment    string `xml:"Comment"`
		Attachment string `xml:"Attachment"`
	} `xml:"Resubmission"`
}

type xmlDiagnosis struct {
	Type string `xml:"Type"`
	Code string `xml:"Code"`
}

type xmlSubmissionActivity struct {
	ID           string           `xml:"ID"`
	Start        string           `xml:"Start"`
	Type         string           `xml:"Type"`
	Code         string           `xml:"Code"`
	Quantity     string           `xml:"Quantity"`
	Net          string           `xml:"Net"`
	Clinician    string           `xml:"Clinician"`
	PriorAuthID  string           `xml:"PriorAuthorizationID"`
	Observations []xmlObservation `xml:"Observation"`
}

type xmlObservation struct {
	Type      string `xml:"Type"`
	Code      string `xml:"Code"`
	Value     string `xml:"Value"`
	ValueType string `xml:"ValueType"`
}

func (xc *xmlSubmissionClaim) toDTO() (*SubmissionClaim, error) {
	key := strings.TrimSpace(xc.ID)
	c := &SubmissionClaim{
		ID:         key,
		IDPayer:    strings.TrimSpace(xc.IDPayer),
		MemberID:   strings.TrimSpace(xc.MemberID),
		PayerID:    strings.TrimSpace(xc.PayerID),
		ProviderID: strings.TrimSpace(xc.ProviderID),
		EmiratesID: strings.TrimSpace(xc.EmiratesID),
	}

	var err error
	if c.Gross, err = parseAmount(xc.Gross); err != nil {
		return nil, amountErr(ObjectClaim, key, "Gross", err)
	}
	if c.PatientShare, err = parseAmount(xc.PatientShare); err != nil {
		return nil, amountErr(ObjectClaim, key, "PatientShare", err)
	}
	if c.Net, err = parseAmount(xc.Net); err != nil {
		return nil, amountErr(ObjectClaim, key, "Net", err)
	}

	if xc.Encounter != nil {
		c.Encounter = &Encounter{
			FacilityID:   strings.TrimSpace(xc.Encounter.FacilityID),
			Type:         strings.TrimSpace(xc.Encounter.Type),
			PatientID:    strings.TrimSpace(xc.Encounter.PatientID),
			Start:        strings.TrimSpace(xc.Encounter.Start),
			End:          strings.TrimSpace(xc.Encounter.End),
			StartType:    strings.TrimSpace(xc.Encounter.StartType),
			EndType:      strings.TrimSpace(xc.Encounter.EndType),
			TransferSrc:  strings.TrimSpace(xc.Encounter.TransferSrc),
			TransferDest: strings.TrimSpace(xc.Encounter.TransferDest),
		}
	}

	for _, d := range xc.Diagnoses {
		c.Diagnoses = append(c.Diagnoses, Diagnosis{
			Type: strings.TrimSpace(d.Type),
			Code: strings.TrimSpace(d.Code),
		})
	}

	for _, xa := range xc.Activities {
		a := Activity{
			ID:          strings.TrimSpace(xa.ID),
			Start:       strings.TrimSpace(xa.Start),
			Type:        strings.TrimSpace(xa.Type),
			Code:        strings.TrimSpace(xa.Code),
			Clinician:   strings.TrimSpace(xa.Clinician),
			PriorAuthID: strings.TrimSpace(xa.PriorAuthID),
		}
		if a.Quantity, err = parseAmount(xa.Quantity); err != nil {
			return nil, amountErr(ObjectActivity, key+"/"+a.ID, "Quantity", err)
		}
		if a.Net, err = parseAmount(xa.Net); err != nil {
			return nil, amountErr(ObjectActivity, key+"/"+a.ID, "Net", err)
		}
		for _, xo := range xa.Observations {
			a.Observations = append(a.Observations, Observation{
				Type:      strings.TrimSpace(xo.Type),
				Code:      strings.TrimSpace(xo.Code),
				Value:     strings.TrimSpace(xo.Value),
				ValueType: strings.TrimSpace(xo.ValueType),
			})
		}
		c.Activities = append(c.Activities, a)
	}

	if xc.Resub != nil {
		c.Resubmission = &Resubmission{
			Type:       strings.TrimSpace(xc.Resub.Type),
			Comment:    strings.TrimSpace(xc.Resub.Comment),
			Attachment: strings.TrimSpace(xc.Resub.Attachment),
		}
	}
	return c, nil
}

type xmlRemittanceClaim struct {
	ID               string `xml:"ID"`
	IDPayer          string `xml:"IDPayer"`
	ProviderID       string `xml:"ProviderID"`
	DenialCode       string `xml:"DenialCode"`
	PaymentReference string `xml:"PaymentReference"`
	DateSettlement   string `xml:"DateSettlement"`
	Encounter        *struct {
		FacilityID string `xml:"FacilityID"`
	} `xml:"Encounter"`
	Activities []xmlRemittanceActivity `xml:"Activity"`
}

type xmlRemittanceActivity struct {
	ID            string `xml:"ID"`
	Start         string `xml:"Start"`
	Type          string `xml:"Type"`
	Code          string `xml:"Code"`
	Quantity      string `xml:"Quantity"`
	Net           string `xml:"Net"`
	List          string `xml:"List"`
	Clinician     string `xml:"Clinician"`
	PriorAuthID   string `xml:"PriorAuthorizationID"`
	Gross         string `xml:"Gross"`
	PatientShare  string `xml:"PatientShare"`
	PaymentAmount string `xml:"PaymentAmount"`
	DenialCode    string `xml:"DenialCode"`
}

func (xc *xmlRemittanceClaim) toDTO() (*RemittanceClaim, error) {
	key := strings.TrimSpace(xc.ID)
	c := &RemittanceClaim{
		ID:               key,
		IDPayer:          strings.TrimSpace(xc.IDPayer),
		ProviderID:       strings.TrimSpace(xc.ProviderID),
		DenialCode:       strings.TrimSpace(xc.DenialCode),
		PaymentReference: strings.TrimSpace(xc.PaymentReference),
		DateSettlement:   strings.TrimSpace(xc.DateSettlement),
	}
	if xc.Encounter != nil {
		c.FacilityID = strings.TrimSpace(xc.Encounter.FacilityID)
	}

	var err error
	for _, xa := range xc.Activities {
		a := RemittanceActivity{
			ID:          strings.TrimSpace(xa.ID),
			Start:       strings.TrimSpace(xa.Start),
			Type:        strings.TrimSpace(xa.Type),
			Code:        strings.TrimSpace(xa.Code),
			Clinician:   strings.TrimSpace(xa.Clinician),
			PriorAuthID: strings.TrimSpace(xa.PriorAuthID),
			DenialCode:  strings.TrimSpace(xa.DenialCode),
		}
		fields := []struct {
			name string
			raw  string
			dst  *float64
		}{
			{"Quantity", xa.Quantity, &a.Quantity},
			{"Net", xa.Net, &a.Net},
			{"List", xa.List, &a.ListPrice},
			{"Gross", xa.Gross, &a.Gross},
			{"PatientShare", xa.PatientShare, &a.PatientShare},
			{"PaymentAmount", xa.PaymentAmount, &a.PaymentAmount},
		}
		for _, f := range fields {
			if *f.dst, err = parseAmount(f.raw); err != nil {
				return nil, amountErr(ObjectActivity, key+"/"+a.ID, f.name, err)
			}
		}
		c.Activities = append(c.Activities, a)
	}
	return c, nil
}

// parseAmount parses a decimal field; empty means zero. Values are rounded
// to two decimals so downstream sums compare cleanly.
func parseAmount(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return roundCents(v), nil
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

func amountErr(objectType, key, field string, err error) *ParseError {
	return &ParseError{
		Code:       "BAD_AMOUNT",
		ObjectType: objectType,
		ObjectKey:  key,
		Err:        fmt.Errorf("%s: %w", field, err),
	}
}

// extractAttachments pulls File-type observation payloads out of a parsed
// claim. Undecodable base64 is skipped; the observation row itself remains.
func extractAttachments(c *SubmissionClaim) []Attachment {
	var out []Attachment
	for _, a := range c.Activities {
		for _, o := range a.Observations {
			if !strings.EqualFold(o.Type, "File") || o.Value == "" {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(o.Value)
			if err != nil {
				continue
			}
			name := o.Code
			if name == "" {
				name = a.ID + "." + strings.ToLower(strings.TrimPrefix(o.ValueType, "."))
			}
			out = append(out, Attachment{ClaimID: c.ID, FileName: name, Data: data})
		}
	}
	return out
}
