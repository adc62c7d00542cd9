package ids

import (
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	a := New()
	b := New()

	if len(a) != 32 {
		t.Fatalf("expected 32-char id, got %d", len(a))
	}
	if strings.Contains(a, "-") {
		t.Fatalf("expected id without dashes, got %q", a)
	}
	if a == b {
		t.Fatalf("expected distinct ids, got duplicates")
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("job")
	if !strings.HasPrefix(id, "job_") {
		t.Fatalf("expected job_ prefix, got %q", id)
	}
	if len(id) != len("job_")+32 {
		t.Fatalf("unexpected prefixed id length %d", len(id))
	}
	if got := Prefixed("  "); len(got) != 32 {
		t.Fatalf("expected bare id for empty prefix, got %q", got)
	}
}
