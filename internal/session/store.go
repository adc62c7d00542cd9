package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"crabstack.local/projects/crab-orchestrator/internal/ledger"
	"crabstack.local/projects/crab-orchestrator/internal/turn"
)

const DefaultHistoryLimit = 50

var ErrNotFound = errors.New("not found")

type Store interface {
	EnsureSession(context.Context, SessionRecord) (SessionRecord, error)
	GetSession(context.Context, string) (SessionRecord, error)
	SetSessionStatus(context.Context, string, Status) error
	StartTurn(ctx context.Context, sessionID, input, promptHash string) (TurnRecord, error)
	CompleteTurn(ctx context.Context, turnID, output string) error
	FailTurn(ctx context.Context, turnID, failure string) error
	GetTurns(context.Context, string, int) ([]TurnRecord, error)
	SaveCheckpoint(context.Context, turn.Checkpoint) error
	LoadCheckpoint(context.Context, string) (turn.Checkpoint, error)
	DeleteCheckpoint(context.Context, string) error
	SaveLedgerNodes(context.Context, []ledger.Node) error
	GetLedgerNodes(context.Context, string) ([]ledger.Node, error)
	Close() error
}

// mergeSession applies the non-empty connect-time fields of incoming to an
// existing record and reactivates it.
func mergeSession(existing SessionRecord, incoming SessionRecord, now time.Time) SessionRecord {
	out := existing
	if strings.TrimSpace(incoming.ProjectID) != "" {
		out.ProjectID = incoming.ProjectID
	}
	if strings.TrimSpace(incoming.ProjectRoot) != "" {
		out.ProjectRoot = incoming.ProjectRoot
	}
	if strings.TrimSpace(incoming.Domain) != "" {
		out.Domain = incoming.Domain
	}
	if strings.TrimSpace(incoming.Identity) != "" {
		out.Identity = incoming.Identity
	}
	out.Status = StatusActive
	out.LastActiveAt = now
	out.UpdatedAt = now
	return out
}

func newSessionRecord(incoming SessionRecord, now time.Time) SessionRecord {
	out := incoming
	out.SessionID = strings.TrimSpace(incoming.SessionID)
	out.Status = StatusActive
	out.TurnCount = 0
	out.LastActiveAt = now
	out.CreatedAt = now
	out.UpdatedAt = now
	return out
}

func validateSessionID(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	return nil
}

func validStatus(status Status) bool {
	switch status {
	case StatusActive, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}
