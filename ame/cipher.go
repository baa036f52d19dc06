// Package ame encrypts DHPO facility credentials at rest.
//
// Each credential field is sealed independently with AES-256-GCM under a
// fresh 96-bit nonce; the facility code is bound in as additional
// authenticated data, so a ciphertext copied onto another facility row fails
// authentication. The envelope metadata (algorithm, key id, per-field
// nonces) travels next to the ciphertexts as JSON.
package ame

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// Alg is the only envelope algorithm this package produces.
	Alg = "AES-256-GCM"

	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	nonceSize = 12
	tagBits   = 128
)

// ErrWrongKey wraps GCM authentication failures: wrong key, wrong facility
// binding, or tampered ciphertext. GCM cannot tell these apart.
var ErrWrongKey = errors.New("ame: authentication failed")

// Meta is the envelope metadata stored beside the credential ciphertexts.
type Meta struct {
	Alg     string `json:"alg"`
	KeyID   string `json:"key_id"`
	IVLogin string `json:"iv_login"`
	IVPwd   string `json:"iv_pwd"`
	TagBits int    `json:"tag_bits"`
}

// Cipher seals and opens credential pairs under one key.
type Cipher struct {
	aead  cipher.AEAD
	keyID string
}

// NewCipher creates a Cipher from a raw 32-byte key.
func NewCipher(key []byte, keyID string) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("ame: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ame: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("ame: %w", err)
	}
	return &Cipher{aead: aead, keyID: keyID}, nil
}

// KeyID returns the identifier stamped into envelopes this cipher produces.
func (c *Cipher) KeyID() string { return c.keyID }

// Seal encrypts a login/password pair bound to the facility code.
func (c *Cipher) Seal(login, pwd, facilityCode string) (loginCipher, pwdCipher []byte, metaJSON string, err error) {
	ivLogin := make([]byte, nonceSize)
	ivPwd := make([]byte, nonceSize)
	if _, err := rand.Read(ivLogin); err != nil {
		return nil, nil, "", fmt.Errorf("ame: nonce: %w", err)
	}
	if _, err := rand.Read(ivPwd); err != nil {
		return nil, nil, "", fmt.Errorf("ame: nonce: %w", err)
	}

	aad := []byte(facilityCode)
	loginCipher = c.aead.Seal(nil, ivLogin, []byte(login), aad)
	pwdCipher = c.aead.Seal(nil, ivPwd, []byte(pwd), aad)

	meta, err := json.Marshal(Meta{
		Alg:     Alg,
		KeyID:   c.keyID,
		IVLogin: base64.StdEncoding.EncodeToString(ivLogin),
		IVPwd:   base64.StdEncoding.EncodeToString(ivPwd),
		TagBits: tagBits,
	})
	if err != nil {
		return nil, nil, "", fmt.Errorf("ame: meta: %w", err)
	}
	return loginCipher, pwdCipher, string(meta), nil
}

// Open decrypts a credential pair sealed by Seal. The facility code must
// match the one bound at seal time.
func (c *Cipher) Open(loginCipher, pwdCipher []byte, metaJSON, facilityCode string) (login, pwd string, err error) {
	meta, err := ParseMeta(metaJSON)
	if err != nil {
		return "", "", err
	}
	if meta.KeyID != c.keyID {
		return "", "", fmt.Errorf("ame: envelope sealed under key %q, cipher holds %q", meta.KeyID, c.keyID)
	}

	ivLogin, err := base64.StdEncoding.DecodeString(meta.IVLogin)
	if err != nil {
		return "", "", fmt.Errorf("ame: iv_login: %w", err)
	}
	ivPwd, err := base64.StdEncoding.DecodeString(meta.IVPwd)
	if err != nil {
		return "", "", fmt.Errorf("ame: iv_pwd: %w", err)
	}
	// GCM panics on a wrong-size nonce; reject a mangled envelope instead.
	if len(ivLogin) != nonceSize || len(ivPwd) != nonceSize {
		return "", "", fmt.Errorf("ame: envelope nonce must be %d bytes", nonceSize)
	}

	aad := []byte(facilityCode)
	loginPlain, err := c.aead.Open(nil, ivLogin, loginCipher, aad)
	if err != nil {
		return "", "", ErrWrongKey
	}
	pwdPlain, err := c.aead.Open(nil, ivPwd, pwdCipher, aad)
	if err != nil {
		return "", "", ErrWrongKey
	}
	return string(loginPlain), string(pwdPlain), nil
}

// ParseMeta validates and decodes envelope metadata.
func ParseMeta(metaJSON string) (Meta, error) {
	var m Meta
	if err := json.Unmarshal([]byte(metaJSON), &m); err != nil {
		return Meta{}, fmt.Errorf("ame: meta: %w", err)
	}
	if m.Alg != Alg {
		return Meta{}, fmt.Errorf("ame: unsupported algorithm %q", m.Alg)
	}
	return m, nil
}
