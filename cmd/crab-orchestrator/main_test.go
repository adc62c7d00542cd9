package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"crabstack.local/projects/crab-orchestrator/internal/ledger"
	"crabstack.local/projects/crab-orchestrator/internal/protocol"
	"crabstack.local/projects/crab-orchestrator/internal/session"
	"crabstack.local/projects/crab-orchestrator/internal/turn"
)

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{{"serve"}, {"sandbox"}, {"sessions", "show"}} {
		cmd, _, err := root.Find(path)
		if err != nil {
			t.Fatalf("find %v: %v", path, err)
		}
		if cmd.Name() != path[len(path)-1] {
			t.Fatalf("expected %q, got %q", path[len(path)-1], cmd.Name())
		}
	}
}

func TestShowSessionPrintsStoredState(t *testing.T) {
	store, err := session.NewGormStore("sqlite", filepath.Join(t.TempDir(), "orchestrator.db"))
	if err != nil {
		t.Fatalf("new gorm store: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	if _, err := store.EnsureSession(ctx, session.SessionRecord{SessionID: "sess_1", ProjectID: "proj"}); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	tr, err := store.StartTurn(ctx, "sess_1", "fix the build", turn.PromptHash("fix the build"))
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	if err := store.CompleteTurn(ctx, tr.TurnID, "done"); err != nil {
		t.Fatalf("complete turn: %v", err)
	}
	l := ledger.New("sess_1")
	node, err := l.Append(1, "Fix build", "")
	if err != nil {
		t.Fatalf("append ledger node: %v", err)
	}
	if err := store.SaveLedgerNodes(ctx, []ledger.Node{node}); err != nil {
		t.Fatalf("save ledger: %v", err)
	}

	var out bytes.Buffer
	if err := showSession(ctx, store, "sess_1", 10, &out); err != nil {
		t.Fatalf("show session: %v", err)
	}
	var view storedSession
	if err := json.Unmarshal(out.Bytes(), &view); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out.String())
	}
	if view.Session.SessionID != "sess_1" || view.Session.TurnCount != 1 {
		t.Fatalf("unexpected session: %+v", view.Session)
	}
	if len(view.Turns) != 1 || view.Turns[0].Output != "done" {
		t.Fatalf("unexpected turns: %+v", view.Turns)
	}
	if len(view.Ledger) != 1 || view.Ledger[0].Title != "Fix build" {
		t.Fatalf("unexpected ledger: %+v", view.Ledger)
	}

	err = showSession(ctx, store, "missing", 10, &out)
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := showSession(ctx, store, "sess_1", 0, &out); err == nil {
		t.Fatalf("expected limit error")
	}
}

func TestConsoleParse(t *testing.T) {
	var out bytes.Buffer
	c := newConsole(&out)
	c.render(protocol.CommandProposal{CommandID: "toolu_cmd", Command: "rm -rf build", Risk: protocol.RiskHigh})
	if !strings.Contains(out.String(), "/approve! toolu_cmd") {
		t.Fatalf("expected confirmation hint, got %q", out.String())
	}

	msg, err := c.parse("   ")
	if err != nil || msg != nil {
		t.Fatalf("expected blank line to be ignored, got %v %v", msg, err)
	}

	msg, err = c.parse("add a readme")
	if err != nil {
		t.Fatalf("parse text: %v", err)
	}
	if input, ok := msg.(protocol.TextInput); !ok || input.Text != "add a readme" {
		t.Fatalf("unexpected text frame: %#v", msg)
	}

	msg, err = c.parse("/approve! toolu_cmd")
	if err != nil {
		t.Fatalf("parse approve: %v", err)
	}
	cmdDecision, ok := msg.(protocol.CommandDecision)
	if !ok || len(cmdDecision.Decisions) != 1 || !cmdDecision.Decisions[0].Confirmed || cmdDecision.Decisions[0].Status != protocol.DecisionApproved {
		t.Fatalf("unexpected command decision: %#v", msg)
	}

	msg, err = c.parse("/reject toolu_prop")
	if err != nil {
		t.Fatalf("parse reject: %v", err)
	}
	propDecision, ok := msg.(protocol.ProposalDecision)
	if !ok || propDecision.Decisions[0].Status != protocol.DecisionRejected {
		t.Fatalf("unexpected proposal decision: %#v", msg)
	}

	msg, err = c.parse("/halt")
	if err != nil {
		t.Fatalf("parse halt: %v", err)
	}
	if control, ok := msg.(protocol.Control); !ok || control.Action != protocol.ControlHaltOutput {
		t.Fatalf("unexpected control: %#v", msg)
	}

	if _, err := c.parse("/approve"); err == nil {
		t.Fatalf("expected usage error")
	}
	if _, err := c.parse("/launch"); err == nil {
		t.Fatalf("expected unknown command error")
	}
}

func TestWebhookSubscriberName(t *testing.T) {
	if got := webhookSubscriberName(0, "https://hooks.example.com/a"); got != "hooks.example.com" {
		t.Fatalf("expected host name, got %q", got)
	}
	if got := webhookSubscriberName(1, "::bad"); got != "webhook-2" {
		t.Fatalf("expected indexed fallback, got %q", got)
	}
}
