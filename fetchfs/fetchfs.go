// Package fetchfs feeds the pipeline from a local drop zone. Files appear
// in the ready directory, are claimed by rename into in-progress (rename is
// atomic, so two sweeps cannot claim the same file), and end up in
// processed or error depending on the pipeline outcome. Failed files get a
// sidecar .reason file so an operator can see why without querying the
// database.
//
// Pickup is driven by an fsnotify watch plus a periodic sweep; the sweep
// also catches files that were dropped while the watcher was down.
package fetchfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/axonhealth/claimsink/claimsdb"
	"github.com/axonhealth/claimsink/pipeline"
	"github.com/axonhealth/claimsink/safeio"
)

// Source is stamped on files registered by this adapter.
const Source = "localfs"

// Config locates the drop-zone directories.
type Config struct {
	ReadyDir      string `yaml:"ready_dir"`
	InProgressDir string `yaml:"in_progress_dir"`
	ProcessedDir  string `yaml:"processed_dir"`
	ErrorDir      string `yaml:"error_dir"`
	// SweepIntervalMs is the periodic sweep cadence. Default 10000.
	SweepIntervalMs int64 `yaml:"sweep_interval_ms"`
}

func (c *Config) defaults() {
	if c.ReadyDir == "" {
		c.ReadyDir = "data/ready"
	}
	if c.InProgressDir == "" {
		c.InProgressDir = "data/in-progress"
	}
	if c.ProcessedDir == "" {
		c.ProcessedDir = "data/processed"
	}
	if c.ErrorDir == "" {
		c.ErrorDir = "data/error"
	}
	if c.SweepIntervalMs <= 0 {
		c.SweepIntervalMs = 10_000
	}
}

// Adapter watches the drop zone and submits claimed files to the pipeline.
type Adapter struct {
	config Config
	orch   *pipeline.Orchestrator
	store  *claimsdb.Store
	logger *slog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// New creates the adapter and its directories.
func New(cfg Config, orch *pipeline.Orchestrator, store *claimsdb.Store, opts ...Option) (*Adapter, error) {
	cfg.defaults()
	a := &Adapter{config: cfg, orch: orch, store: store, logger: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	for _, dir := range []string{cfg.ReadyDir, cfg.InProgressDir, cfg.ProcessedDir, cfg.ErrorDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("fetchfs: mkdir %s: %w", dir, err)
		}
	}
	return a, nil
}

// Run recovers stale in-progress files, then watches the ready directory
// until ctx is cancelled. Blocking.
func (a *Adapter) Run(ctx context.Context) error {
	if n, err := a.RecoverStale(); err != nil {
		return err
	} else if n > 0 {
		a.logger.InfoContext(ctx, "recovered stale in-progress files", "count", n)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fetchfs: watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(a.config.ReadyDir); err != nil {
		return fmt.Errorf("fetchfs: watch %s: %w", a.config.ReadyDir, err)
	}

	a.Sweep(ctx)

	ticker := time.NewTicker(time.Duration(a.config.SweepIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.Sweep(ctx)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename) {
				a.tryClaim(ctx, filepath.Base(ev.Name))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.WarnContext(ctx, "drop zone watch error", "error", err)
		}
	}
}

// Sweep claims every eligible file currently in the ready directory.
func (a *Adapter) Sweep(ctx context.Context) {
	entries, err := os.ReadDir(a.config.ReadyDir)
	if err != nil {
		a.logger.ErrorContext(ctx, "sweep failed", "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		a.tryClaim(ctx, e.Name())
	}
}

// RecoverStale moves in-progress leftovers from a previous crash back to
// ready so the next sweep picks them up.
func (a *Adapter) RecoverStale() (int, error) {
	entries, err := os.ReadDir(a.config.InProgressDir)
	if err != nil {
		return 0, fmt.Errorf("fetchfs: recover: %w", err)
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		src := filepath.Join(a.config.InProgressDir, e.Name())
		dst := filepath.Join(a.config.ReadyDir, e.Name())
		if err := os.Rename(src, dst); err != nil {
			return n, fmt.Errorf("fetchfs: recover %s: %w", e.Name(), err)
		}
		n++
	}
	return n, nil
}

// tryClaim validates, dedupes and claims one ready file, then submits it.
func (a *Adapter) tryClaim(ctx context.Context, name string) {
	if err := safeio.SafeXMLName(name); err != nil {
		a.logger.WarnContext(ctx, "ignoring unsafe drop zone name", "name", name)
		return
	}

	// Already fully ingested and acked: discard the replay to processed.
	f, err := a.store.GetFileByExternalID(ctx, name)
	if err != nil {
		a.logger.ErrorContext(ctx, "file lookup failed", "file_id", name, "error", err)
		return
	}
	readyPath := filepath.Join(a.config.ReadyDir, name)
	if f != nil && f.Verified {
		a.logger.InfoContext(ctx, "skipping already verified file", "file_id", name)
		a.move(ctx, readyPath, a.config.ProcessedDir, name)
		return
	}

	claimed := filepath.Join(a.config.InProgressDir, name)
	if err := os.Rename(readyPath, claimed); err != nil {
		// Lost the race to another sweep, or the file vanished.
		if !errors.Is(err, os.ErrNotExist) {
			a.logger.WarnContext(ctx, "claim failed", "file_id", name, "error", err)
		}
		return
	}

	job := pipeline.Job{
		FileID:   name,
		FileName: name,
		Source:   Source,
		Payload:  func() ([]byte, error) { return os.ReadFile(claimed) },
		Done:     func(r pipeline.Report) { a.finish(ctx, claimed, name, r) },
	}
	if err := a.orch.Submit(job); err != nil {
		// Queue full: put the file back for the next sweep.
		if rerr := os.Rename(claimed, readyPath); rerr != nil {
			a.logger.ErrorContext(ctx, "unclaim failed", "file_id", name, "error", rerr)
		}
		a.logger.WarnContext(ctx, "pipeline busy, requeued file", "file_id", name, "error", err)
	}
}

// finish routes a processed file to its terminal directory.
func (a *Adapter) finish(ctx context.Context, claimed, name string, r pipeline.Report) {
	switch {
	case r.Err == nil && r.VerifyOK:
		a.move(ctx, claimed, a.config.ProcessedDir, name)
	default:
		a.move(ctx, claimed, a.config.ErrorDir, name)
		a.writeReason(ctx, name, r)
	}
}

func (a *Adapter) move(ctx context.Context, src, dstDir, name string) {
	if err := os.Rename(src, filepath.Join(dstDir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		a.logger.ErrorContext(ctx, "file move failed", "file_id", name, "dst", dstDir, "error", err)
	}
}

// writeReason drops a sidecar next to a failed file explaining the failure.
func (a *Adapter) writeReason(ctx context.Context, name string, r pipeline.Report) {
	var b strings.Builder
	if r.Err != nil {
		fmt.Fprintf(&b, "error: %v\n", r.Err)
	}
	for _, d := range r.Discrepancies {
		fmt.Fprintf(&b, "verify: %s\n", d)
	}
	if r.Errors > 0 {
		fmt.Fprintf(&b, "claims: %d persisted, %d skipped, %d error(s)\n",
			r.Persisted, r.Skipped, r.Errors)
	}
	path := filepath.Join(a.config.ErrorDir, name+".reason")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		a.logger.ErrorContext(ctx, "reason sidecar write failed", "file_id", name, "error", err)
	}
}
