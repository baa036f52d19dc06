package staging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStager(t *testing.T, cfg Config) *Stager {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	s, err := New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestStageSmallStaysInMemory(t *testing.T) {
	s := newTestStager(t, Config{})
	st, err := s.Stage("sub.xml", []byte("<Claim.Submission/>"), 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if !st.InMemory() {
		t.Fatal("small fast payload should stay in memory")
	}
	if st.FileID != "sub.xml" {
		t.Errorf("file id = %q", st.FileID)
	}
	data, err := st.Bytes()
	if err != nil || string(data) != "<Claim.Submission/>" {
		t.Fatalf("bytes = %q, %v", data, err)
	}
}

func TestStageLargeGoesToDisk(t *testing.T) {
	s := newTestStager(t, Config{SizeThresholdBytes: 16})
	payload := []byte(strings.Repeat("x", 64))
	st, err := s.Stage("big.xml", payload, 0)
	if err != nil {
		t.Fatal(err)
	}
	if st.InMemory() {
		t.Fatal("payload above threshold should spill to disk")
	}
	if _, err := os.Stat(st.Path); err != nil {
		t.Fatalf("spool file missing: %v", err)
	}
	data, err := st.Bytes()
	if err != nil || len(data) != 64 {
		t.Fatalf("read back = %d bytes, %v", len(data), err)
	}
	if _, err := os.Stat(st.Path + ".tmp"); !os.IsNotExist(err) {
		t.Error("tmp file left behind after rename")
	}

	if err := st.Discard(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(s.config.Dir, "big.xml")); !os.IsNotExist(err) {
		t.Error("discard should delete the spool file")
	}
}

func TestStageForceDisk(t *testing.T) {
	s := newTestStager(t, Config{ForceDisk: true})
	st, err := s.Stage("tiny.xml", []byte("<x/>"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if st.InMemory() {
		t.Fatal("force_disk must spill every payload")
	}
}

func TestStageSlowFetchGoesToDisk(t *testing.T) {
	s := newTestStager(t, Config{LatencyThresholdMs: 50})
	st, err := s.Stage("slow.xml", []byte("<x/>"), 200*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if st.InMemory() {
		t.Fatal("slow download should spill to disk")
	}
}

func TestStageUnsafeNameFallsBackToHash(t *testing.T) {
	s := newTestStager(t, Config{})
	st, err := s.Stage("../../etc/passwd", []byte("<x/>"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(st.FileID, ".xml") || strings.Contains(st.FileID, "/") {
		t.Fatalf("file id = %q, want hash.xml", st.FileID)
	}

	// Same bytes, same identity.
	again, err := s.Stage("different\x00name", []byte("<x/>"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if again.FileID != st.FileID {
		t.Fatalf("identity unstable: %q vs %q", again.FileID, st.FileID)
	}
}

func TestSweepRemovesStaleSpoolFiles(t *testing.T) {
	dir := t.TempDir()
	s := newTestStager(t, Config{Dir: dir})

	stale := filepath.Join(dir, "old.xml.tmp")
	os.WriteFile(stale, []byte("partial"), 0o644)
	past := time.Now().Add(-2 * time.Hour)
	os.Chtimes(stale, past, past)
	fresh := filepath.Join(dir, "fresh.xml")
	os.WriteFile(fresh, []byte("<x/>"), 0o644)

	removed, err := s.Sweep(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh file must survive the sweep")
	}
}
