package ame

import "fmt"

// CredentialRecord is one facility's stored credential envelope.
type CredentialRecord struct {
	FacilityCode string
	LoginCipher  []byte
	PwdCipher    []byte
	Meta         string
}

// Rotate re-seals a record under the keystore's active key. Returns the
// new record and true when the envelope was re-sealed; records already on
// the active key come back unchanged with false.
func (k *Keystore) Rotate(rec CredentialRecord) (CredentialRecord, bool, error) {
	meta, err := ParseMeta(rec.Meta)
	if err != nil {
		return rec, false, err
	}
	if meta.KeyID == k.active.keyID {
		return rec, false, nil
	}

	old, err := k.ForKeyID(meta.KeyID)
	if err != nil {
		return rec, false, err
	}
	login, pwd, err := old.Open(rec.LoginCipher, rec.PwdCipher, rec.Meta, rec.FacilityCode)
	if err != nil {
		return rec, false, fmt.Errorf("rotate %s: %w", rec.FacilityCode, err)
	}

	loginCipher, pwdCipher, metaJSON, err := k.active.Seal(login, pwd, rec.FacilityCode)
	if err != nil {
		return rec, false, fmt.Errorf("rotate %s: %w", rec.FacilityCode, err)
	}
	return CredentialRecord{
		FacilityCode: rec.FacilityCode,
		LoginCipher:  loginCipher,
		PwdCipher:    pwdCipher,
		Meta:         metaJSON,
	}, true, nil
}

// Open decrypts a record with whichever key its envelope names.
func (k *Keystore) Open(rec CredentialRecord) (login, pwd string, err error) {
	meta, err := ParseMeta(rec.Meta)
	if err != nil {
		return "", "", err
	}
	c, err := k.ForKeyID(meta.KeyID)
	if err != nil {
		return "", "", err
	}
	return c.Open(rec.LoginCipher, rec.PwdCipher, rec.Meta, rec.FacilityCode)
}
