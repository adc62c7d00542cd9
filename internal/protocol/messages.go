package protocol

import (
	"encoding/json"
	"time"
)

const JSONRPCVersion = "2.0"

type MessageType string

const (
	TypeSessionInit           MessageType = "session_init"
	TypeTextInput             MessageType = "text_input"
	TypeTranscript            MessageType = "transcript"
	TypeControl               MessageType = "control"
	TypeProposal              MessageType = "proposal"
	TypeProposalDecision      MessageType = "proposal_decision"
	TypeCommandProposal       MessageType = "command_proposal"
	TypeCommandDecision       MessageType = "command_decision"
	TypeBackgroundJobStart    MessageType = "background_job_start"
	TypeBackgroundJobComplete MessageType = "background_job_complete"
	TypeLedgerUpdate          MessageType = "ledger_update"
	TypeLedgerClear           MessageType = "ledger_clear"
	TypeTurnStatus            MessageType = "turn_status"
	TypeAgentResponse         MessageType = "agent_response"
	TypeToolAck               MessageType = "tool_ack"
	TypeError                 MessageType = "error"

	// Pseudo types for frames without a "type" discriminator.
	TypeAudioFrame  MessageType = "audio_frame"
	TypeRPCRequest  MessageType = "rpc_request"
	TypeRPCResponse MessageType = "rpc_response"
)

// Message is the decoded form of one transport frame.
type Message interface {
	MessageType() MessageType
}

type SessionInit struct {
	SessionID   string `json:"session_id"`
	ProjectID   string `json:"project_id,omitempty"`
	ProjectRoot string `json:"project_root,omitempty"`
	Domain      string `json:"domain,omitempty"`
	Identity    string `json:"identity,omitempty"`
}

type TextInput struct {
	Text string `json:"text"`
}

// Transcript carries speech-derived text from the transcription collaborator.
// Only a final transcript starts reasoning.
type Transcript struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

type ControlAction string

const (
	ControlHaltOutput    ControlAction = "halt_output"
	ControlOutputStarted ControlAction = "output_started"
	ControlOutputEnded   ControlAction = "output_ended"
	ControlTurnEnded     ControlAction = "turn_ended"
)

type Control struct {
	Action ControlAction `json:"action"`
}

type DecisionStatus string

const (
	DecisionPending  DecisionStatus = "pending"
	DecisionApproved DecisionStatus = "approved"
	DecisionRejected DecisionStatus = "rejected"
)

type Risk string

const (
	RiskLow  Risk = "low"
	RiskHigh Risk = "high"
)

type Proposal struct {
	ProposalID  string `json:"proposal_id"`
	BatchID     string `json:"batch_id,omitempty"`
	Action      string `json:"action,omitempty"`
	Target      string `json:"target"`
	Content     string `json:"content,omitempty"`
	Diff        string `json:"diff,omitempty"`
	Description string `json:"description,omitempty"`
}

type CommandProposal struct {
	CommandID   string `json:"command_id"`
	BatchID     string `json:"batch_id,omitempty"`
	Command     string `json:"command"`
	Description string `json:"description,omitempty"`
	Risk        Risk   `json:"risk"`
}

type Decision struct {
	ID        string         `json:"id"`
	Status    DecisionStatus `json:"status"`
	Confirmed bool           `json:"confirmed,omitempty"`
}

type ProposalDecision struct {
	Decisions []Decision `json:"decisions"`
}

type CommandDecision struct {
	Decisions []Decision `json:"decisions"`
}

type JobStatus string

const (
	JobStarted   JobStatus = "started"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

type BackgroundJobStart struct {
	JobID    string `json:"job_id"`
	ToolName string `json:"tool_name"`
}

type BackgroundJobComplete struct {
	JobID    string          `json:"job_id"`
	ToolName string          `json:"tool_name"`
	Status   JobStatus       `json:"status"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type LedgerNode struct {
	ID              string    `json:"id"`
	ParentIDs       []string  `json:"parent_ids,omitempty"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	Status          string    `json:"status"`
	ExecutionOutput string    `json:"execution_output,omitempty"`
	TurnOrdinal     int64     `json:"turn_ordinal,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type LedgerUpdate struct {
	Domain string       `json:"domain,omitempty"`
	Nodes  []LedgerNode `json:"nodes"`
}

type LedgerClear struct{}

type TurnStatus struct {
	State       string `json:"state"`
	TurnID      string `json:"turn_id,omitempty"`
	TurnOrdinal int64  `json:"turn_ordinal"`
}

type AgentResponse struct {
	TurnID      string `json:"turn_id,omitempty"`
	TurnOrdinal int64  `json:"turn_ordinal"`
	Text        string `json:"text"`
}

type ToolAckStatus string

const (
	ToolAckAcknowledged     ToolAckStatus = "acknowledged"
	ToolAckAwaitingApproval ToolAckStatus = "awaiting_approval"
)

// ToolAck is the provisional result given to the reasoning engine for a tool
// call whose real result arrives later.
type ToolAck struct {
	CallID   string        `json:"call_id"`
	ToolName string        `json:"tool_name"`
	JobID    string        `json:"job_id,omitempty"`
	Status   ToolAckStatus `json:"status"`
}

type ErrorMessage struct {
	Code        ErrorCode      `json:"code"`
	Message     string         `json:"message"`
	Recoverable bool           `json:"recoverable"`
	SessionID   string         `json:"session_id,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// AudioFrame is a binary transport frame. Its contents are opaque to the core.
type AudioFrame struct {
	Data []byte `json:"-"`
}

type RPCRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type RPCResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

func (SessionInit) MessageType() MessageType           { return TypeSessionInit }
func (TextInput) MessageType() MessageType             { return TypeTextInput }
func (Transcript) MessageType() MessageType            { return TypeTranscript }
func (Control) MessageType() MessageType               { return TypeControl }
func (Proposal) MessageType() MessageType              { return TypeProposal }
func (ProposalDecision) MessageType() MessageType      { return TypeProposalDecision }
func (CommandProposal) MessageType() MessageType       { return TypeCommandProposal }
func (CommandDecision) MessageType() MessageType       { return TypeCommandDecision }
func (BackgroundJobStart) MessageType() MessageType    { return TypeBackgroundJobStart }
func (BackgroundJobComplete) MessageType() MessageType { return TypeBackgroundJobComplete }
func (LedgerUpdate) MessageType() MessageType          { return TypeLedgerUpdate }
func (LedgerClear) MessageType() MessageType           { return TypeLedgerClear }
func (TurnStatus) MessageType() MessageType            { return TypeTurnStatus }
func (AgentResponse) MessageType() MessageType         { return TypeAgentResponse }
func (ToolAck) MessageType() MessageType               { return TypeToolAck }
func (ErrorMessage) MessageType() MessageType          { return TypeError }
func (AudioFrame) MessageType() MessageType            { return TypeAudioFrame }
func (RPCRequest) MessageType() MessageType            { return TypeRPCRequest }
func (RPCResponse) MessageType() MessageType           { return TypeRPCResponse }
