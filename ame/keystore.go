package ame

import (
	"crypto/sha256"
	"fmt"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

// pbkdf2Iterations follows the 2023 OWASP recommendation for
// PBKDF2-HMAC-SHA256.
const pbkdf2Iterations = 600_000

// Config selects the key material source. Exactly one of KeyFile,
// Passphrase or PassphraseEnv must be set.
type Config struct {
	// KeyID names the active key in envelope metadata.
	KeyID string `yaml:"key_id"`
	// KeyFile points at a raw 32-byte key file.
	KeyFile string `yaml:"key_file"`
	// Passphrase derives the key via PBKDF2-HMAC-SHA256 with Salt.
	Passphrase string `yaml:"passphrase"`
	// PassphraseEnv names an environment variable holding the passphrase,
	// keeping the secret itself out of the config file.
	PassphraseEnv string `yaml:"passphrase_env"`
	Salt          string `yaml:"salt"`
	// PreviousKeyFiles maps retired key ids to their key files, kept so
	// envelopes sealed under them can still be opened (and rotated).
	PreviousKeyFiles map[string]string `yaml:"previous_key_files"`
}

// Keystore holds the active cipher plus retired ones for rotation.
type Keystore struct {
	active  *Cipher
	retired map[string]*Cipher
}

// LoadKeystore builds a Keystore from config.
func LoadKeystore(cfg Config) (*Keystore, error) {
	if cfg.KeyID == "" {
		return nil, fmt.Errorf("ame: key_id is required")
	}

	passphrase := cfg.Passphrase
	if cfg.PassphraseEnv != "" {
		if passphrase != "" {
			return nil, fmt.Errorf("ame: passphrase and passphrase_env are mutually exclusive")
		}
		passphrase = os.Getenv(cfg.PassphraseEnv)
		if passphrase == "" {
			return nil, fmt.Errorf("ame: environment variable %s is empty", cfg.PassphraseEnv)
		}
	}

	var key []byte
	switch {
	case cfg.KeyFile != "" && passphrase != "":
		return nil, fmt.Errorf("ame: key_file and passphrase are mutually exclusive")
	case cfg.KeyFile != "":
		var err error
		key, err = readKeyFile(cfg.KeyFile)
		if err != nil {
			return nil, err
		}
	case passphrase != "":
		if cfg.Salt == "" {
			return nil, fmt.Errorf("ame: passphrase needs a salt")
		}
		key = DeriveKey(passphrase, cfg.Salt)
	default:
		return nil, fmt.Errorf("ame: no key material configured")
	}

	active, err := NewCipher(key, cfg.KeyID)
	if err != nil {
		return nil, err
	}

	ks := &Keystore{active: active, retired: make(map[string]*Cipher)}
	for keyID, path := range cfg.PreviousKeyFiles {
		old, err := readKeyFile(path)
		if err != nil {
			return nil, fmt.Errorf("ame: retired key %s: %w", keyID, err)
		}
		c, err := NewCipher(old, keyID)
		if err != nil {
			return nil, err
		}
		ks.retired[keyID] = c
	}
	return ks, nil
}

// Active returns the cipher new envelopes are sealed under.
func (k *Keystore) Active() *Cipher { return k.active }

// ForKeyID returns the cipher for an envelope's key id, active or retired.
func (k *Keystore) ForKeyID(keyID string) (*Cipher, error) {
	if keyID == k.active.keyID {
		return k.active, nil
	}
	if c, ok := k.retired[keyID]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("ame: no key material for key id %q", keyID)
}

// DeriveKey stretches a passphrase into an AES-256 key.
func DeriveKey(passphrase, salt string) []byte {
	return pbkdf2.Key([]byte(passphrase), []byte(salt), pbkdf2Iterations, KeySize, sha256.New)
}

func readKeyFile(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ame: read key file: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("ame: key file %s: want %d bytes, got %d", path, KeySize, len(key))
	}
	return key, nil
}
