package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"crabstack.local/projects/crab-orchestrator/internal/approval"
	"crabstack.local/projects/crab-orchestrator/internal/ledger"
	"crabstack.local/projects/crab-orchestrator/internal/protocol"
	"crabstack.local/projects/crab-orchestrator/internal/turn"
)

func TestMemoryStoreSessionAndTurns(t *testing.T) {
	store := NewMemoryStore()
	defer func() { _ = store.Close() }()
	exerciseStore(t, store)
}

func TestMemoryStoreClosed(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Close()
	if _, err := store.EnsureSession(context.Background(), SessionRecord{SessionID: "s1"}); err == nil {
		t.Fatalf("expected error from closed store")
	}
}

// exerciseStore checks the behavior shared by every Store implementation.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.EnsureSession(ctx, SessionRecord{}); err == nil {
		t.Fatalf("expected session_id validation error")
	}

	rec, err := store.EnsureSession(ctx, SessionRecord{SessionID: "session_1", ProjectID: "proj_1", Domain: "coding"})
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	if rec.Status != StatusActive || rec.ProjectID != "proj_1" {
		t.Fatalf("unexpected session record %+v", rec)
	}

	if err := store.SetSessionStatus(ctx, "session_1", StatusCompleted); err != nil {
		t.Fatalf("set status: %v", err)
	}
	rec, err = store.EnsureSession(ctx, SessionRecord{SessionID: "session_1", Domain: "research"})
	if err != nil {
		t.Fatalf("ensure session again: %v", err)
	}
	if rec.Status != StatusActive || rec.ProjectID != "proj_1" || rec.Domain != "research" {
		t.Fatalf("expected reactivated merged session, got %+v", rec)
	}
	if err := store.SetSessionStatus(ctx, "missing", StatusFailed); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	turn1, err := store.StartTurn(ctx, "session_1", "hello", turn.PromptHash("hello"))
	if err != nil {
		t.Fatalf("start turn1: %v", err)
	}
	turn2, err := store.StartTurn(ctx, "session_1", "world", turn.PromptHash("world"))
	if err != nil {
		t.Fatalf("start turn2: %v", err)
	}
	if turn1.Sequence != 1 || turn2.Sequence != 2 {
		t.Fatalf("unexpected turn sequence values: %d, %d", turn1.Sequence, turn2.Sequence)
	}
	if err := store.CompleteTurn(ctx, turn1.TurnID, "hi there"); err != nil {
		t.Fatalf("complete turn1: %v", err)
	}
	if err := store.FailTurn(ctx, turn2.TurnID, "model unavailable"); err != nil {
		t.Fatalf("fail turn2: %v", err)
	}
	if err := store.CompleteTurn(ctx, "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	turns, err := store.GetTurns(ctx, "session_1", 10)
	if err != nil {
		t.Fatalf("get turns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Status != TurnStatusCompleted || turns[0].Output != "hi there" || turns[0].PromptHash != turn.PromptHash("hello") {
		t.Fatalf("unexpected turn1 %+v", turns[0])
	}
	if turns[1].Status != TurnStatusFailed || turns[1].Error != "model unavailable" {
		t.Fatalf("unexpected turn2 %+v", turns[1])
	}
	latest, err := store.GetTurns(ctx, "session_1", 1)
	if err != nil {
		t.Fatalf("get latest turn: %v", err)
	}
	if len(latest) != 1 || latest[0].Sequence != 2 {
		t.Fatalf("expected the most recent turn, got %+v", latest)
	}

	sess, err := store.GetSession(ctx, "session_1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.TurnCount != 2 {
		t.Fatalf("expected turn count 2, got %d", sess.TurnCount)
	}
	if _, err := store.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := store.LoadCheckpoint(ctx, "session_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no checkpoint, got %v", err)
	}
	cp := turn.Checkpoint{
		SessionID:   "session_1",
		TurnID:      turn2.TurnID,
		TurnOrdinal: 2,
		State:       turn.StateAwaitingApproval,
		Input:       "world",
		Steps:       1,
		Batches: []approval.Batch{{
			ID:          "batch_1",
			TurnOrdinal: 2,
			Items: []approval.Item{{
				ID:     "p1",
				Kind:   approval.KindProposal,
				Method: protocol.MethodWriteFile,
				Status: protocol.DecisionPending,
				Risk:   protocol.RiskLow,
			}},
		}},
		UpdatedAt: time.Now().UTC(),
	}
	if err := store.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	cp.Steps = 2
	if err := store.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("overwrite checkpoint: %v", err)
	}
	loadedCP, err := store.LoadCheckpoint(ctx, "session_1")
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if loadedCP.Steps != 2 || loadedCP.TurnOrdinal != 2 || len(loadedCP.Batches) != 1 || loadedCP.Batches[0].Items[0].ID != "p1" {
		t.Fatalf("unexpected checkpoint %+v", loadedCP)
	}
	if err := store.DeleteCheckpoint(ctx, "session_1"); err != nil {
		t.Fatalf("delete checkpoint: %v", err)
	}
	if _, err := store.LoadCheckpoint(ctx, "session_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected checkpoint deleted, got %v", err)
	}

	l := ledger.New("session_1")
	root, _ := l.Append(2, "routing", "coding")
	child, _ := l.Append(2, "dispatch", "local/write_file", root.ID)
	if err := store.SaveLedgerNodes(ctx, []ledger.Node{root, child}); err != nil {
		t.Fatalf("save ledger nodes: %v", err)
	}
	done, err := l.Complete(child.ID, "wrote 5 bytes")
	if err != nil {
		t.Fatalf("complete node: %v", err)
	}
	if err := store.SaveLedgerNodes(ctx, []ledger.Node{done}); err != nil {
		t.Fatalf("update ledger node: %v", err)
	}
	nodes, err := store.GetLedgerNodes(ctx, "session_1")
	if err != nil {
		t.Fatalf("get ledger nodes: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 ledger nodes, got %d", len(nodes))
	}
	var stored ledger.Node
	for _, node := range nodes {
		if node.ID == child.ID {
			stored = node
		}
	}
	if stored.Status != ledger.StatusCompleted || stored.ExecutionOutput != "wrote 5 bytes" || len(stored.ParentIDs) != 1 || stored.ParentIDs[0] != root.ID {
		t.Fatalf("unexpected stored ledger node %+v", stored)
	}
}
