package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type frameHead struct {
	Type    MessageType     `json:"type"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	ID      json.RawMessage `json:"id"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

type wireRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type wireRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// DecodeFrame decodes one transport frame. Binary frames are audio.
func DecodeFrame(binary bool, data []byte) (Message, error) {
	if binary {
		copied := make([]byte, len(data))
		copy(copied, data)
		return AudioFrame{Data: copied}, nil
	}
	return Decode(data)
}

// Decode parses a JSON text frame. Every failure wraps ErrMalformedMessage.
func Decode(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, malformed("frame is not a json object")
	}

	var p frameHead
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil, malformed("invalid json: %v", err)
	}

	if p.JSONRPC != "" {
		return decodeRPC(p)
	}
	if strings.TrimSpace(string(p.Type)) == "" {
		return nil, malformed("type is required")
	}

	switch p.Type {
	case TypeSessionInit:
		var msg SessionInit
		if err := unmarshalBody(trimmed, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, malformed("session_init.session_id is required")
		}
		return msg, nil
	case TypeTextInput:
		var msg TextInput
		if err := unmarshalBody(trimmed, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, malformed("text_input.text is required")
		}
		return msg, nil
	case TypeTranscript:
		var msg Transcript
		if err := unmarshalBody(trimmed, &msg); err != nil {
			return nil, err
		}
		if msg.Final && strings.TrimSpace(msg.Text) == "" {
			return nil, malformed("final transcript text is required")
		}
		return msg, nil
	case TypeControl:
		var msg Control
		if err := unmarshalBody(trimmed, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ControlHaltOutput, ControlOutputStarted, ControlOutputEnded, ControlTurnEnded:
			return msg, nil
		default:
			return nil, malformed("unsupported control action %q", msg.Action)
		}
	case TypeProposal:
		var msg Proposal
		if err := unmarshalBody(trimmed, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.ProposalID) == "" {
			return nil, malformed("proposal.proposal_id is required")
		}
		return msg, nil
	case TypeCommandProposal:
		var msg CommandProposal
		if err := unmarshalBody(trimmed, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.CommandID) == "" || strings.TrimSpace(msg.Command) == "" {
			return nil, malformed("command_proposal requires command_id and command")
		}
		risk, err := ParseRisk(string(msg.Risk))
		if err != nil {
			return nil, err
		}
		msg.Risk = risk
		return msg, nil
	case TypeProposalDecision:
		var msg ProposalDecision
		if err := unmarshalBody(trimmed, &msg); err != nil {
			return nil, err
		}
		if err := validateDecisions(msg.Decisions); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeCommandDecision:
		var msg CommandDecision
		if err := unmarshalBody(trimmed, &msg); err != nil {
			return nil, err
		}
		if err := validateDecisions(msg.Decisions); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeBackgroundJobStart:
		var msg BackgroundJobStart
		if err := unmarshalBody(trimmed, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.JobID) == "" {
			return nil, malformed("background_job_start.job_id is required")
		}
		return msg, nil
	case TypeBackgroundJobComplete:
		var msg BackgroundJobComplete
		if err := unmarshalBody(trimmed, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.JobID) == "" {
			return nil, malformed("background_job_complete.job_id is required")
		}
		return msg, nil
	case TypeLedgerUpdate:
		var msg LedgerUpdate
		if err := unmarshalBody(trimmed, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeLedgerClear:
		return LedgerClear{}, nil
	case TypeTurnStatus:
		var msg TurnStatus
		if err := unmarshalBody(trimmed, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeAgentResponse:
		var msg AgentResponse
		if err := unmarshalBody(trimmed, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeToolAck:
		var msg ToolAck
		if err := unmarshalBody(trimmed, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeError:
		var msg ErrorMessage
		if err := unmarshalBody(trimmed, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(string(msg.Code)) == "" {
			return nil, malformed("error.code is required")
		}
		return msg, nil
	default:
		return nil, malformed("unsupported message type %q", p.Type)
	}
}

func decodeRPC(p frameHead) (Message, error) {
	if p.JSONRPC != JSONRPCVersion {
		return nil, malformed("unsupported jsonrpc version %q", p.JSONRPC)
	}
	id, err := normalizeRPCID(p.ID)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(p.Method) != "" {
		if id == "" {
			return nil, malformed("rpc request id is required")
		}
		return RPCRequest{ID: id, Method: strings.TrimSpace(p.Method), Params: cloneRaw(p.Params)}, nil
	}

	hasResult := len(p.Result) > 0
	if hasResult == (p.Error != nil) {
		return nil, malformed("rpc response must carry exactly one of result or error")
	}
	return RPCResponse{ID: id, Result: cloneRaw(p.Result), Error: p.Error}, nil
}

func normalizeRPCID(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}
	if trimmed[0] == '"' {
		var id string
		if err := json.Unmarshal(trimmed, &id); err != nil {
			return "", malformed("invalid rpc id: %v", err)
		}
		return id, nil
	}
	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return "", malformed("rpc id must be a string or number")
	}
	return number.String(), nil
}

func validateDecisions(decisions []Decision) error {
	if len(decisions) == 0 {
		return malformed("decisions must not be empty")
	}
	for i, decision := range decisions {
		if strings.TrimSpace(decision.ID) == "" {
			return malformed("decisions[%d].id is required", i)
		}
		switch decision.Status {
		case DecisionApproved, DecisionRejected:
		default:
			return malformed("decisions[%d].status must be approved or rejected", i)
		}
	}
	return nil
}

// ParseRisk defaults an empty risk to low.
func ParseRisk(raw string) (Risk, error) {
	switch Risk(strings.ToLower(strings.TrimSpace(raw))) {
	case "", RiskLow:
		return RiskLow, nil
	case RiskHigh:
		return RiskHigh, nil
	default:
		return "", malformed("unsupported risk %q", raw)
	}
}

// Encode serializes msg as a JSON text frame, adding the "type" discriminator
// or the jsonrpc version as appropriate.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case nil:
		return nil, errors.New("encode: nil message")
	case AudioFrame:
		return nil, errors.New("encode: audio frames are sent as binary")
	case RPCRequest:
		return json.Marshal(wireRPCRequest{JSONRPC: JSONRPCVersion, ID: m.ID, Method: m.Method, Params: m.Params})
	case RPCResponse:
		result := m.Result
		if m.Error == nil && len(result) == 0 {
			result = json.RawMessage("null")
		}
		return json.Marshal(wireRPCResponse{JSONRPC: JSONRPCVersion, ID: m.ID, Result: result, Error: m.Error})
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	typeField, err := json.Marshal(msg.MessageType())
	if err != nil {
		return nil, fmt.Errorf("encode %s type: %w", msg.MessageType(), err)
	}

	var out bytes.Buffer
	out.Grow(len(body) + len(typeField) + 10)
	out.WriteString(`{"type":`)
	out.Write(typeField)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		out.WriteByte(',')
		out.Write(inner)
	}
	out.WriteByte('}')
	return out.Bytes(), nil
}

func unmarshalBody(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return malformed("invalid body: %v", err)
	}
	return nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	copied := make(json.RawMessage, len(trimmed))
	copy(copied, trimmed)
	return copied
}
