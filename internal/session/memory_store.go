package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"crabstack.local/projects/crab-orchestrator/internal/ids"
	"crabstack.local/projects/crab-orchestrator/internal/ledger"
	"crabstack.local/projects/crab-orchestrator/internal/turn"
)

type MemoryStore struct {
	mu             sync.Mutex
	sessions       map[string]SessionRecord
	turnsBySession map[string][]TurnRecord
	turnIndex      map[string]turnLocation
	checkpoints    map[string]turn.Checkpoint
	ledgerNodes    map[string]map[string]ledger.Node
	closed         bool
}

type turnLocation struct {
	sessionID string
	idx       int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:       make(map[string]SessionRecord),
		turnsBySession: make(map[string][]TurnRecord),
		turnIndex:      make(map[string]turnLocation),
		checkpoints:    make(map[string]turn.Checkpoint),
		ledgerNodes:    make(map[string]map[string]ledger.Node),
	}
}

func (s *MemoryStore) EnsureSession(_ context.Context, incoming SessionRecord) (SessionRecord, error) {
	if err := validateSessionID(incoming.SessionID); err != nil {
		return SessionRecord{}, err
	}
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SessionRecord{}, fmt.Errorf("memory store is closed")
	}

	if existing, ok := s.sessions[incoming.SessionID]; ok {
		updated := mergeSession(existing, incoming, now)
		s.sessions[incoming.SessionID] = updated
		return updated, nil
	}

	rec := newSessionRecord(incoming, now)
	s.sessions[rec.SessionID] = rec
	return rec, nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (SessionRecord, error) {
	if err := validateSessionID(sessionID); err != nil {
		return SessionRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SessionRecord{}, fmt.Errorf("memory store is closed")
	}

	rec, ok := s.sessions[sessionID]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) SetSessionStatus(_ context.Context, sessionID string, status Status) error {
	if !validStatus(status) {
		return fmt.Errorf("invalid session status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}

	rec, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	s.sessions[sessionID] = rec
	return nil
}

func (s *MemoryStore) StartTurn(_ context.Context, sessionID, input, promptHash string) (TurnRecord, error) {
	if err := validateSessionID(sessionID); err != nil {
		return TurnRecord{}, err
	}
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return TurnRecord{}, fmt.Errorf("memory store is closed")
	}

	sequence := int64(len(s.turnsBySession[sessionID]) + 1)
	rec := TurnRecord{
		TurnID:     ids.New(),
		SessionID:  sessionID,
		Sequence:   sequence,
		Input:      input,
		PromptHash: promptHash,
		Status:     TurnStatusInProgress,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	s.turnsBySession[sessionID] = append(s.turnsBySession[sessionID], rec)
	idx := len(s.turnsBySession[sessionID]) - 1
	s.turnIndex[rec.TurnID] = turnLocation{sessionID: sessionID, idx: idx}
	if sess, ok := s.sessions[sessionID]; ok {
		sess.TurnCount = sequence
		sess.LastActiveAt = now
		sess.UpdatedAt = now
		s.sessions[sessionID] = sess
	}
	return rec, nil
}

func (s *MemoryStore) CompleteTurn(_ context.Context, turnID, output string) error {
	return s.finishTurn(turnID, func(rec *TurnRecord) {
		rec.Status = TurnStatusCompleted
		rec.Output = output
	})
}

func (s *MemoryStore) FailTurn(_ context.Context, turnID, failure string) error {
	return s.finishTurn(turnID, func(rec *TurnRecord) {
		rec.Status = TurnStatusFailed
		rec.Error = failure
	})
}

func (s *MemoryStore) finishTurn(turnID string, apply func(*TurnRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}

	loc, ok := s.turnIndex[turnID]
	if !ok {
		return ErrNotFound
	}
	turns := s.turnsBySession[loc.sessionID]
	rec := turns[loc.idx]
	apply(&rec)
	rec.CompletedAt = time.Now().UTC()
	rec.UpdatedAt = rec.CompletedAt
	turns[loc.idx] = rec
	return nil
}

// GetTurns returns the most recent turns in sequence order.
func (s *MemoryStore) GetTurns(_ context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("memory store is closed")
	}

	turns, ok := s.turnsBySession[sessionID]
	if !ok {
		return []TurnRecord{}, nil
	}
	if limit > 0 && limit < len(turns) {
		turns = turns[len(turns)-limit:]
	}

	out := make([]TurnRecord, len(turns))
	copy(out, turns)
	return out, nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, cp turn.Checkpoint) error {
	if err := validateSessionID(cp.SessionID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	s.checkpoints[cp.SessionID] = cp
	return nil
}

func (s *MemoryStore) LoadCheckpoint(_ context.Context, sessionID string) (turn.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return turn.Checkpoint{}, fmt.Errorf("memory store is closed")
	}

	cp, ok := s.checkpoints[sessionID]
	if !ok {
		return turn.Checkpoint{}, ErrNotFound
	}
	return cp, nil
}

func (s *MemoryStore) DeleteCheckpoint(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	delete(s.checkpoints, sessionID)
	return nil
}

func (s *MemoryStore) SaveLedgerNodes(_ context.Context, nodes []ledger.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}

	for _, node := range nodes {
		bySession, ok := s.ledgerNodes[node.SessionID]
		if !ok {
			bySession = make(map[string]ledger.Node)
			s.ledgerNodes[node.SessionID] = bySession
		}
		bySession[node.ID] = node
	}
	return nil
}

func (s *MemoryStore) GetLedgerNodes(_ context.Context, sessionID string) ([]ledger.Node, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("memory store is closed")
	}

	out := make([]ledger.Node, 0, len(s.ledgerNodes[sessionID]))
	for _, node := range s.ledgerNodes[sessionID] {
		out = append(out, node)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
