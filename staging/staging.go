// Package staging parks fetched XML payloads between download and pipeline
// submission. Small payloads stay in memory; large ones, or all of them when
// force_disk is set, are written to disk with an atomic tmp-then-rename so a
// crash never leaves a half-written document visible.
package staging

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/axonhealth/claimsink/safeio"
)

// Config controls the mem-vs-disk decision.
type Config struct {
	// Dir is the spool directory for disk-staged payloads.
	Dir string `yaml:"dir"`
	// ForceDisk stages everything to disk regardless of size.
	ForceDisk bool `yaml:"force_disk"`
	// SizeThresholdBytes is the payload size above which staging goes to
	// disk. Default 26214400 (25 MiB).
	SizeThresholdBytes int64 `yaml:"size_threshold_bytes"`
	// LatencyThresholdMs spills to disk when the download took longer than
	// this; a slow portal is a hint the payload may have to be re-read
	// after a restart. Default 8000.
	LatencyThresholdMs int64 `yaml:"latency_threshold_ms"`
}

func (c *Config) defaults() {
	if c.Dir == "" {
		c.Dir = "data/staging"
	}
	if c.SizeThresholdBytes <= 0 {
		c.SizeThresholdBytes = 25 << 20
	}
	if c.LatencyThresholdMs <= 0 {
		c.LatencyThresholdMs = 8_000
	}
}

// Staged is one parked payload.
type Staged struct {
	// FileID is the stable identity used for pipeline registration.
	FileID string
	// Path is set when the payload lives on disk.
	Path string

	data []byte
}

// InMemory reports whether the payload is held in memory.
func (s *Staged) InMemory() bool { return s.Path == "" }

// Bytes returns the payload, reading it back from disk when spooled.
func (s *Staged) Bytes() ([]byte, error) {
	if s.InMemory() {
		return s.data, nil
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("staging: read back: %w", err)
	}
	return data, nil
}

// Discard releases the payload; disk-staged files are deleted.
func (s *Staged) Discard() error {
	s.data = nil
	if s.Path == "" {
		return nil
	}
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("staging: discard: %w", err)
	}
	s.Path = ""
	return nil
}

// Stager decides where payloads park.
type Stager struct {
	config Config
	logger *slog.Logger
}

// Option configures a Stager.
type Option func(*Stager)

// WithLogger sets the stager logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stager) { s.logger = l }
}

// New creates a Stager and its spool directory.
func New(cfg Config, opts ...Option) (*Stager, error) {
	cfg.defaults()
	s := &Stager{config: cfg, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("staging: mkdir: %w", err)
	}
	return s, nil
}

// Stage parks one payload. serverName is the portal's file name; when it is
// unusable as a file name the content hash takes over as identity, so the
// same bytes always stage under the same id.
func (s *Stager) Stage(serverName string, data []byte, fetchLatency time.Duration) (*Staged, error) {
	fileID := serverName
	if err := safeio.SafeXMLName(serverName); err != nil {
		sum := sha256.Sum256(data)
		fileID = hex.EncodeToString(sum[:]) + ".xml"
		s.logger.Debug("staging under content hash", "server_name", serverName, "file_id", fileID)
	}

	toDisk := s.config.ForceDisk ||
		int64(len(data)) > s.config.SizeThresholdBytes ||
		fetchLatency > time.Duration(s.config.LatencyThresholdMs)*time.Millisecond

	if !toDisk {
		return &Staged{FileID: fileID, data: data}, nil
	}

	path := filepath.Join(s.config.Dir, fileID)
	if err := writeAtomic(path, data); err != nil {
		return nil, err
	}
	return &Staged{FileID: fileID, Path: path}, nil
}

// writeAtomic writes tmp, fsyncs, then renames into place.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("staging: create: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("staging: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("staging: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("staging: close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("staging: rename: %w", err)
	}
	return nil
}

// Sweep removes stale spool files older than maxAge, including orphaned
// .tmp files from interrupted writes. Returns how many were removed.
func (s *Stager) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.config.Dir)
	if err != nil {
		return 0, fmt.Errorf("staging: sweep: %w", err)
	}
	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.config.Dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
