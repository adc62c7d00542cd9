package turn

import (
	"context"
	"encoding/json"

	"crabstack.local/projects/crab-orchestrator/internal/protocol"
)

// Engine is the reasoning process. Each Step sees the observations gathered
// since the previous step and returns what to do next.
type Engine interface {
	Step(ctx context.Context, req StepRequest) (StepResult, error)
}

type StepRequest struct {
	SessionID    string
	ProjectID    string
	ProjectRoot  string
	Domain       string
	TurnID       string
	TurnOrdinal  int64
	Step         int
	Input        string
	Observations []Observation
	// Interrupted is set when the previous output was cut short by barge-in.
	Interrupted bool
}

// StepResult is one reasoning outcome. Tool calls and proposals are handled
// before Text; Text is final only when nothing else was requested.
type StepResult struct {
	Text      string
	ToolCalls []ToolCall
	Proposals []ProposedChange
	Commands  []ProposedCommand
	// Yield ends the step without output. With jobs outstanding the turn
	// waits for their results.
	Yield bool
}

func (r StepResult) empty() bool {
	return len(r.ToolCalls) == 0 && len(r.Proposals) == 0 && len(r.Commands) == 0
}

type ToolCall struct {
	ID          string          `json:"id"`
	Method      string          `json:"method"`
	Params      json.RawMessage `json:"params,omitempty"`
	Synchronous bool            `json:"synchronous,omitempty"`
}

type ProposedChange struct {
	ID          string `json:"id,omitempty"`
	Action      string `json:"action,omitempty"`
	Target      string `json:"target"`
	Content     string `json:"content"`
	Diff        string `json:"diff,omitempty"`
	Description string `json:"description,omitempty"`
}

type ProposedCommand struct {
	ID          string        `json:"id,omitempty"`
	Command     string        `json:"command"`
	Description string        `json:"description,omitempty"`
	Risk        protocol.Risk `json:"risk,omitempty"`
}

type ObservationKind string

const (
	// ObservationAck is the provisional result of a call dispatched in the
	// background. The real result follows as ObservationResult or ObservationError.
	ObservationAck         ObservationKind = "ack"
	ObservationResult      ObservationKind = "result"
	ObservationError       ObservationKind = "error"
	ObservationDenial      ObservationKind = "denial"
	ObservationApproval    ObservationKind = "approval"
	ObservationInterrupted ObservationKind = "interrupted"
)

type Observation struct {
	Kind     ObservationKind `json:"kind"`
	CallID   string          `json:"call_id,omitempty"`
	ItemID   string          `json:"item_id,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	JobID    string          `json:"job_id,omitempty"`
	Content  json.RawMessage `json:"content,omitempty"`
	Error    string          `json:"error,omitempty"`
}
