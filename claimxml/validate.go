package claimxml

// Shape-level required-field checks, run by the pipeline before persistence.
// Each function returns the list of missing field names; an empty list means
// the object is persistable. A missing field on a claim or activity skips
// that object only, never the whole file.

// MissingHeaderFields checks the required header fields.
func MissingHeaderFields(h Header) []string {
	var missing []string
	if h.SenderID == "" {
		missing = append(missing, "SenderID")
	}
	if h.ReceiverID == "" {
		missing = append(missing, "ReceiverID")
	}
	if h.TransactionDate.IsZero() {
		missing = append(missing, "TransactionDate")
	}
	if h.DispositionFlag == "" {
		missing = append(missing, "DispositionFlag")
	}
	return missing
}

// MissingClaimFields checks the required submission claim fields. A zero
// net is treated as a missing amount: DHPO claims always bill a positive
// net at claim level.
func MissingClaimFields(c *SubmissionClaim) []string {
	var missing []string
	if c.ID == "" {
		missing = append(missing, "ID")
	}
	if c.PayerID == "" {
		missing = append(missing, "PayerID")
	}
	if c.ProviderID == "" {
		missing = append(missing, "ProviderID")
	}
	if c.EmiratesID == "" {
		missing = append(missing, "EmiratesIDNumber")
	}
	if c.Net <= 0 {
		missing = append(missing, "Net")
	}
	return missing
}

// MissingActivityFields checks the required submission activity fields.
func MissingActivityFields(a *Activity) []string {
	var missing []string
	if a.ID == "" {
		missing = append(missing, "ID")
	}
	if a.Start == "" {
		missing = append(missing, "Start")
	}
	if a.Type == "" {
		missing = append(missing, "Type")
	}
	if a.Code == "" {
		missing = append(missing, "Code")
	}
	if a.Quantity <= 0 {
		missing = append(missing, "Quantity")
	}
	if a.Net <= 0 {
		missing = append(missing, "Net")
	}
	if a.Clinician == "" {
		missing = append(missing, "Clinician")
	}
	return missing
}

// MissingDiagnosisFields checks the required diagnosis fields.
func MissingDiagnosisFields(d *Diagnosis) []string {
	var missing []string
	if d.Type == "" {
		missing = append(missing, "Type")
	}
	if d.Code == "" {
		missing = append(missing, "Code")
	}
	return missing
}

// MissingRemitClaimFields checks the required remittance claim fields.
func MissingRemitClaimFields(c *RemittanceClaim) []string {
	var missing []string
	if c.ID == "" {
		missing = append(missing, "ID")
	}
	if c.IDPayer == "" {
		missing = append(missing, "IDPayer")
	}
	if c.ProviderID == "" {
		missing = append(missing, "ProviderID")
	}
	if c.PaymentReference == "" {
		missing = append(missing, "PaymentReference")
	}
	return missing
}

// MissingRemitActivityFields checks the required remittance activity fields.
// Only the id is required; payment and denial fields are legitimately zero
// or empty on unadjudicated lines.
func MissingRemitActivityFields(a *RemittanceActivity) []string {
	var missing []string
	if a.ID == "" {
		missing = append(missing, "ID")
	}
	return missing
}
