package idgen

import (
	"strings"
	"testing"
)

func TestUUIDv7Unique(t *testing.T) {
	gen := UUIDv7()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := gen()
		if seen[id] {
			t.Fatalf("duplicate ID: %s", id)
		}
		seen[id] = true
	}
}

func TestPrefixed(t *testing.T) {
	gen := Prefixed("run_", Default)
	id := gen()
	if !strings.HasPrefix(id, "run_") {
		t.Errorf("id %q missing prefix", id)
	}
	if _, err := Parse(strings.TrimPrefix(id, "run_")); err != nil {
		t.Errorf("suffix not a UUID: %v", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Error("expected error for invalid UUID")
	}
}
