package logging

import (
	"bytes"
	"context"
	"log"
	"strings"
	"testing"

	"crabstack.local/projects/crab-orchestrator/internal/events"
)

func TestSubscriberHandle(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)
	s := New(logger)

	event := events.Event{EventID: "evt_1", Type: events.TypeTurnFailed, SessionID: "s1"}
	if err := s.Handle(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Name() != "logging" {
		t.Fatalf("unexpected name: %s", s.Name())
	}
	out := buf.String()
	if !strings.Contains(out, "evt_1") || !strings.Contains(out, "event_type=turn.failed") {
		t.Fatalf("expected log output to contain event id and type, got %q", out)
	}
}
