package reasoner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"crabstack.local/projects/crab-orchestrator/internal/protocol"
	"crabstack.local/projects/crab-orchestrator/internal/toolclient"
	"crabstack.local/projects/crab-orchestrator/internal/turn"
)

const (
	DefaultHistoryLimit = 60

	toolSearchProject  = "search_project"
	toolProposeChange  = "propose_file_change"
	toolProposeCommand = "propose_command"

	maxRepairAttempts = 2

	interruptedNote = "Your previous reply was cut off by the user before it finished. Decide whether to resume, restart or wait for new input."
)

// ToolSource lists tools offered by remote tool hosts.
type ToolSource interface {
	AvailableTools() []toolclient.Definition
}

type EngineConfig struct {
	Model        string
	MaxTokens    int
	SystemPrompt string
	HistoryLimit int
}

// Engine drives a Provider as the turn machine's reasoning process. It keeps
// the conversation of each session in memory.
type Engine struct {
	logger   *log.Logger
	provider Provider
	tools    ToolSource
	cfg      EngineConfig

	mu       sync.Mutex
	sessions map[string]*conversation
}

type conversation struct {
	messages []Message
	// open holds tool_use ids still owed a tool_result.
	open []string
	// rejected maps malformed tool_use ids to the reason they were refused.
	rejected map[string]string
}

var _ turn.Engine = (*Engine)(nil)

func NewEngine(logger *log.Logger, provider Provider, tools ToolSource, cfg EngineConfig) *Engine {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	return &Engine{
		logger:   logger,
		provider: provider,
		tools:    tools,
		cfg:      cfg,
		sessions: make(map[string]*conversation),
	}
}

func (e *Engine) Step(ctx context.Context, req turn.StepRequest) (turn.StepResult, error) {
	conv := e.conversation(req.SessionID)
	messages := append(append([]Message(nil), conv.messages...), buildUserMessage(conv, req))

	for attempt := 0; ; attempt++ {
		resp, err := e.provider.Complete(ctx, CompletionRequest{
			Model:        e.cfg.Model,
			Messages:     messages,
			Tools:        e.toolDefinitions(),
			MaxTokens:    e.cfg.MaxTokens,
			SystemPrompt: e.systemPrompt(req),
		})
		if err != nil {
			return turn.StepResult{}, err
		}

		result, open, rejected := e.interpret(resp)
		messages = append(messages, Message{Role: RoleAssistant, Blocks: resp.Blocks})
		e.logger.Printf("reasoning step session_id=%s turn=%d step=%d stop_reason=%s tool_uses=%d rejected=%d input_tokens=%d output_tokens=%d",
			req.SessionID, req.TurnOrdinal, req.Step, resp.StopReason, len(open), len(rejected), resp.Usage.InputTokens, resp.Usage.OutputTokens)

		// Only malformed tool uses came back: let the model repair them
		// before the turn machine sees an empty step.
		if len(rejected) > 0 && len(rejected) == len(open) && attempt < maxRepairAttempts {
			conv.open, conv.rejected = open, rejected
			messages = append(messages, buildUserMessage(conv, turn.StepRequest{Step: req.Step + 1}))
			continue
		}

		conv.messages = trimHistory(messages, e.cfg.HistoryLimit)
		conv.open, conv.rejected = open, rejected
		if result.Text == "" && len(result.ToolCalls) == 0 && len(result.Proposals) == 0 && len(result.Commands) == 0 {
			result.Yield = true
		}
		return result, nil
	}
}

// Forget drops the conversation of a session.
func (e *Engine) Forget(sessionID string) {
	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.mu.Unlock()
}

func (e *Engine) conversation(sessionID string) *conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	conv, ok := e.sessions[sessionID]
	if !ok {
		conv = &conversation{}
		e.sessions[sessionID] = conv
	}
	return conv
}

// buildUserMessage answers every open tool_use first, then adds remaining
// observations and, on the first step of a turn, the user's input.
func buildUserMessage(conv *conversation, req turn.StepRequest) Message {
	remaining := append([]turn.Observation(nil), req.Observations...)
	blocks := make([]ContentBlock, 0, len(conv.open)+2)
	for _, id := range conv.open {
		block := ContentBlock{Type: BlockToolResult, ToolUseID: id, Content: "pending: no result yet"}
		if reason, ok := conv.rejected[id]; ok {
			block.Content, block.IsError = "invalid input: "+reason, true
			blocks = append(blocks, block)
			continue
		}
		for i, obs := range remaining {
			if obs.CallID == id || obs.ItemID == id {
				block.Content, block.IsError = describeObservation(obs)
				remaining = append(remaining[:i], remaining[i+1:]...)
				break
			}
		}
		blocks = append(blocks, block)
	}

	var notes []string
	for _, obs := range remaining {
		text, _ := describeObservation(obs)
		ref := obs.CallID
		if ref == "" {
			ref = obs.JobID
		}
		if ref != "" {
			text = fmt.Sprintf("[%s %s] %s", obs.ToolName, ref, text)
		}
		notes = append(notes, text)
	}
	if req.Interrupted {
		notes = append(notes, interruptedNote)
	}
	if len(notes) > 0 {
		blocks = append(blocks, ContentBlock{Type: BlockText, Text: "Observations:\n- " + strings.Join(notes, "\n- ")})
	}
	if req.Step == 1 && strings.TrimSpace(req.Input) != "" {
		blocks = append(blocks, ContentBlock{Type: BlockText, Text: req.Input})
	}
	if len(blocks) == 0 {
		blocks = append(blocks, ContentBlock{Type: BlockText, Text: "Continue."})
	}
	return Message{Role: RoleUser, Blocks: blocks}
}

func describeObservation(obs turn.Observation) (string, bool) {
	switch obs.Kind {
	case turn.ObservationAck:
		if obs.JobID != "" {
			return fmt.Sprintf("acknowledged; running in background as %s, the result will follow as an observation", obs.JobID), false
		}
		return "acknowledged; awaiting user approval", false
	case turn.ObservationResult:
		return string(obs.Content), false
	case turn.ObservationError:
		return "error: " + obs.Error, true
	case turn.ObservationDenial:
		return "rejected by the user; do not retry without asking", true
	case turn.ObservationApproval:
		return fmt.Sprintf("approved by the user; executing as %s", obs.JobID), false
	case turn.ObservationInterrupted:
		return "output interrupted by the user", false
	default:
		return string(obs.Kind), false
	}
}

type changeInput struct {
	Target      string `json:"target"`
	Content     string `json:"content"`
	Description string `json:"description,omitempty"`
}

type commandInput struct {
	Command     string `json:"command"`
	Description string `json:"description,omitempty"`
}

// interpret maps a completion onto a step result. It returns every tool_use
// id the next step must answer and the subset that was malformed.
func (e *Engine) interpret(resp CompletionResponse) (turn.StepResult, []string, map[string]string) {
	var res turn.StepResult
	var open []string
	rejected := make(map[string]string)
	for _, block := range resp.Blocks {
		if block.Type != BlockToolUse {
			continue
		}
		open = append(open, block.ID)
		switch block.Name {
		case toolProposeChange:
			var in changeInput
			if err := json.Unmarshal(block.Input, &in); err != nil {
				rejected[block.ID] = err.Error()
				continue
			}
			if strings.TrimSpace(in.Target) == "" {
				rejected[block.ID] = "target is required"
				continue
			}
			res.Proposals = append(res.Proposals, turn.ProposedChange{ID: block.ID, Target: in.Target, Content: in.Content, Description: in.Description})
		case toolProposeCommand:
			var in commandInput
			if err := json.Unmarshal(block.Input, &in); err != nil {
				rejected[block.ID] = err.Error()
				continue
			}
			if strings.TrimSpace(in.Command) == "" {
				rejected[block.ID] = "command is required"
				continue
			}
			res.Commands = append(res.Commands, turn.ProposedCommand{ID: block.ID, Command: in.Command, Description: in.Description})
		case toolSearchProject:
			res.ToolCalls = append(res.ToolCalls, turn.ToolCall{ID: block.ID, Method: protocol.MethodSearchProject, Params: block.Input})
		default:
			res.ToolCalls = append(res.ToolCalls, turn.ToolCall{ID: block.ID, Method: block.Name, Params: block.Input})
		}
	}
	res.Text = strings.TrimSpace(resp.Text())
	return res, open, rejected
}

func (e *Engine) toolDefinitions() []ToolDefinition {
	defs := []ToolDefinition{
		{
			Name:        toolSearchProject,
			Description: "Search the project files for a substring. Returns matching lines.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"},"max_results":{"type":"integer"}},"required":["query"]}`),
		},
		{
			Name:        toolProposeChange,
			Description: "Propose creating or replacing a file. The user must approve before it is written.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"target":{"type":"string"},"content":{"type":"string"},"description":{"type":"string"}},"required":["target","content"]}`),
		},
		{
			Name:        toolProposeCommand,
			Description: "Propose a shell command to run in the project. The user must approve before it runs.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"},"description":{"type":"string"}},"required":["command"]}`),
		},
	}
	if e.tools == nil {
		return defs
	}
	for _, tool := range e.tools.AvailableTools() {
		defs = append(defs, ToolDefinition{Name: tool.Name, Description: tool.Description, InputSchema: tool.InputSchema})
	}
	return defs
}

func (e *Engine) systemPrompt(req turn.StepRequest) string {
	var b strings.Builder
	if e.cfg.SystemPrompt != "" {
		b.WriteString(e.cfg.SystemPrompt)
	} else {
		b.WriteString("You are a coding assistant working in the user's project. File changes and shell commands are only proposals until the user approves them.")
	}
	if req.ProjectRoot != "" {
		fmt.Fprintf(&b, "\nProject root: %s", req.ProjectRoot)
	}
	if req.Domain != "" {
		fmt.Fprintf(&b, "\nCurrent task domain: %s", req.Domain)
	}
	return b.String()
}

// trimHistory drops the oldest messages beyond limit. It only cuts before a
// user message that carries no tool results so tool_use pairs stay intact.
func trimHistory(messages []Message, limit int) []Message {
	if len(messages) <= limit {
		return messages
	}
	for start := len(messages) - limit; start < len(messages); start++ {
		if messages[start].Role == RoleUser && !hasToolResult(messages[start]) {
			return append([]Message(nil), messages[start:]...)
		}
	}
	return messages
}

func hasToolResult(msg Message) bool {
	for _, block := range msg.Blocks {
		if block.Type == BlockToolResult {
			return true
		}
	}
	return false
}
