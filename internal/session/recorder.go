package session

import (
	"context"
	"errors"
	"sync"

	"crabstack.local/projects/crab-orchestrator/internal/events"
	"crabstack.local/projects/crab-orchestrator/internal/ledger"
	"crabstack.local/projects/crab-orchestrator/internal/turn"
)

// storeRecorder persists a machine's turns, checkpoints and ledger through a Store.
type storeRecorder struct {
	store Store
}

var _ turn.Recorder = storeRecorder{}

func (r storeRecorder) StartTurn(ctx context.Context, sessionID, input, promptHash string) (turn.TurnRef, error) {
	rec, err := r.store.StartTurn(ctx, sessionID, input, promptHash)
	if err != nil {
		return turn.TurnRef{}, err
	}
	return turn.TurnRef{ID: rec.TurnID, Ordinal: rec.Sequence}, nil
}

func (r storeRecorder) FinishTurn(ctx context.Context, turnID string, outcome turn.Outcome, output string) error {
	if outcome == turn.OutcomeFailed {
		return r.store.FailTurn(ctx, turnID, output)
	}
	return r.store.CompleteTurn(ctx, turnID, output)
}

func (r storeRecorder) SaveCheckpoint(ctx context.Context, cp turn.Checkpoint) error {
	return r.store.SaveCheckpoint(ctx, cp)
}

func (r storeRecorder) DeleteCheckpoint(ctx context.Context, sessionID string) error {
	err := r.store.DeleteCheckpoint(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (r storeRecorder) SaveLedgerNodes(ctx context.Context, nodes []ledger.Node) error {
	return r.store.SaveLedgerNodes(ctx, nodes)
}

// publishingRecorder announces finished turns to lifecycle observers once
// they are persisted.
type publishingRecorder struct {
	turn.Recorder
	live *liveSession

	mu       sync.Mutex
	ordinals map[string]int64
}

func newPublishingRecorder(inner turn.Recorder, live *liveSession) *publishingRecorder {
	return &publishingRecorder{Recorder: inner, live: live, ordinals: make(map[string]int64)}
}

func (r *publishingRecorder) StartTurn(ctx context.Context, sessionID, input, promptHash string) (turn.TurnRef, error) {
	ref, err := r.Recorder.StartTurn(ctx, sessionID, input, promptHash)
	if err == nil {
		r.mu.Lock()
		r.ordinals[ref.ID] = ref.Ordinal
		r.mu.Unlock()
	}
	return ref, err
}

func (r *publishingRecorder) FinishTurn(ctx context.Context, turnID string, outcome turn.Outcome, output string) error {
	if err := r.Recorder.FinishTurn(ctx, turnID, outcome, output); err != nil {
		return err
	}
	r.mu.Lock()
	ordinal, ok := r.ordinals[turnID]
	delete(r.ordinals, turnID)
	r.mu.Unlock()
	if !ok {
		ordinal = r.live.machine.Snapshot().TurnOrdinal
	}

	eventType := events.TypeTurnCompleted
	payload := map[string]any{"turn_id": turnID, "output": output}
	if outcome == turn.OutcomeFailed {
		eventType = events.TypeTurnFailed
		payload = map[string]any{"turn_id": turnID, "error": output}
	}
	ev, err := events.New(eventType, r.live.id, ordinal, payload)
	if err != nil {
		return nil
	}
	r.live.sink.Dispatch(ctx, ev)
	return nil
}
