package turn

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"crabstack.local/projects/crab-orchestrator/internal/jobs"
	"crabstack.local/projects/crab-orchestrator/internal/ledger"
	"crabstack.local/projects/crab-orchestrator/internal/protocol"
)

// Emitter delivers outbound messages to the session's client.
type Emitter interface {
	Emit(msg protocol.Message) error
}

// Dispatcher performs a cross-boundary call and waits for its result.
type Dispatcher interface {
	Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
}

// JobQueue is the subset of the background queue the machine uses.
type JobQueue interface {
	Enqueue(req jobs.Request) (string, error)
	Acknowledge(jobID string) bool
}

// Transcriber receives raw audio while the user speaks.
type Transcriber interface {
	Feed(ctx context.Context, sessionID string, frame []byte) error
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

type TurnRef struct {
	ID      string
	Ordinal int64
}

// Recorder persists turns, checkpoints and ledger nodes.
type Recorder interface {
	StartTurn(ctx context.Context, sessionID, input, promptHash string) (TurnRef, error)
	FinishTurn(ctx context.Context, turnID string, outcome Outcome, output string) error
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	DeleteCheckpoint(ctx context.Context, sessionID string) error
	SaveLedgerNodes(ctx context.Context, nodes []ledger.Node) error
}

type Metrics interface {
	TurnStarted(ctx context.Context)
	TurnEnded(ctx context.Context, outcome Outcome, duration time.Duration)
	StepCompleted(ctx context.Context, duration time.Duration)
	BatchReleased(ctx context.Context, approved, rejected int)
}

type noopMetrics struct{}

func (noopMetrics) TurnStarted(context.Context)                       {}
func (noopMetrics) TurnEnded(context.Context, Outcome, time.Duration) {}
func (noopMetrics) StepCompleted(context.Context, time.Duration)      {}
func (noopMetrics) BatchReleased(context.Context, int, int)           {}

// PromptHash is the short digest stored with archived turns.
func PromptHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:12]
}
