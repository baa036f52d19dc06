// Package claimxml parses DHPO claim documents (submissions and remittance
// advices) into DTOs using a forward-only streaming reader.
//
// Payloads are normalized to BOM-less UTF-8 before parsing; UTF-16 and
// gzip/zip-wrapped documents are accepted. Embedded file observations are
// extracted into a side-channel attachment list keyed by claim id.
package claimxml

import "time"

// RootType identifies the document kind by its root element.
type RootType string

const (
	RootSubmission RootType = "Submission"
	RootRemittance RootType = "Remittance"
)

// Header carries the fields common to both document roots.
type Header struct {
	SenderID        string
	ReceiverID      string
	TransactionDate time.Time
	RecordCount     int
	DispositionFlag string
}

// Submission is the parsed form of a <Claim.Submission> document.
type Submission struct {
	Header Header
	Claims []SubmissionClaim
}

// SubmissionClaim is one <Claim> inside a submission.
type SubmissionClaim struct {
	ID           string
	IDPayer      string
	MemberID     string
	PayerID      string
	ProviderID   string
	EmiratesID   string
	Gross        float64
	PatientShare float64
	Net          float64
	Encounter    *Encounter
	Diagnoses    []Diagnosis
	Activities   []Activity
	Resubmission *Resubmission
}

// Encounter is the optional <Encounter> block of a submission claim.
type Encounter struct {
	FacilityID   string
	Type         string
	PatientID    string
	Start        string
	End          string
	StartType    string
	EndType      string
	TransferSrc  string
	TransferDest string
}

// Diagnosis is one <Diagnosis> row.
type Diagnosis struct {
	Type string
	Code string
}

// Activity is one submission <Activity>.
type Activity struct {
	ID           string
	Start        string
	Type         string
	Code         string
	Quantity     float64
	Net          float64
	Clinician    string
	PriorAuthID  string
	Observations []Observation
}

// Observation is one <Observation> under an activity. Type "File" carries
// base64 file bytes in Value; those are also surfaced as Attachments on the
// outcome.
type Observation struct {
	Type      string
	Code      string
	Value     string
	ValueType string
}

// Resubmission is the optional <Resubmission> block of a submission claim.
type Resubmission struct {
	Type       string
	Comment    string
	Attachment string // base64
}

// Attachment is an embedded file extracted during parse, tagged with the
// enclosing business claim id.
type Attachment struct {
	ClaimID  string
	FileName string
	Data     []byte
}

// Remittance is the parsed form of a <Remittance.Advice> document.
type Remittance struct {
	Header Header
	Claims []RemittanceClaim
}

// RemittanceClaim is one <Claim> inside a remittance advice.
type RemittanceClaim struct {
	ID               string
	IDPayer          string
	ProviderID       string
	DenialCode       string // whole-claim denial, optional
	PaymentReference string
	DateSettlement   string
	FacilityID       string
	Activities       []RemittanceActivity
}

// RemittanceActivity is one remittance <Activity> with adjudication fields.
type RemittanceActivity struct {
	ID            string
	Start         string
	Type          string
	Code          string
	Quantity      float64
	Net           float64
	ListPrice     float64
	Clinician     string
	PriorAuthID   string
	Gross         float64
	PatientShare  float64
	PaymentAmount float64
	DenialCode    string
}

// Outcome is the result of parsing one document: exactly one of Submission
// or Remittance is set, plus any extracted attachments.
type Outcome struct {
	Root        RootType
	Submission  *Submission
	Remittance  *Remittance
	Attachments []Attachment
}

// Header returns the header of whichever document variant is set.
func (o *Outcome) DocHeader() Header {
	if o.Submission != nil {
		return o.Submission.Header
	}
	if o.Remittance != nil {
		return o.Remittance.Header
	}
	return Header{}
}

// ClaimAttachments returns the extracted attachments for one claim id.
func (o *Outcome) ClaimAttachments(claimID string) []Attachment {
	var out []Attachment
	for _, a := range o.Attachments {
		if a.ClaimID == claimID {
			out = append(out, a)
		}
	}
	return out
}
