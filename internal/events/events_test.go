package events

import (
	"strings"
	"testing"
)

func TestNewEncodesPayload(t *testing.T) {
	ev, err := New(TypeTurnCompleted, "s1", 3, map[string]string{"output": "done"})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	if ev.Version != VersionV1 || !strings.HasPrefix(ev.EventID, "evt_") || ev.TurnOrdinal != 3 {
		t.Fatalf("unexpected event %+v", ev)
	}
	if string(ev.Payload) != `{"output":"done"}` {
		t.Fatalf("unexpected payload %s", ev.Payload)
	}
	if ev.OccurredAt.IsZero() {
		t.Fatalf("expected occurred_at")
	}
}

func TestNewRejectsUnencodablePayload(t *testing.T) {
	if _, err := New(TypeJobCompleted, "s1", 0, make(chan int)); err == nil {
		t.Fatalf("expected marshal error")
	}
}

func TestParseTypes(t *testing.T) {
	types, err := ParseTypes([]string{" Turn.Failed", "approval.requested"})
	if err != nil {
		t.Fatalf("parse types: %v", err)
	}
	if len(types) != 2 || types[0] != TypeTurnFailed || types[1] != TypeApprovalRequested {
		t.Fatalf("unexpected types %v", types)
	}
	if _, err := ParseTypes([]string{"turn.started"}); err == nil || !strings.Contains(err.Error(), "turn.started") {
		t.Fatalf("expected unknown type error, got %v", err)
	}
}
