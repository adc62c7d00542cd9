package reasoner

import (
	"context"
	"encoding/json"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Provider is a chat completion backend.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

type CompletionRequest struct {
	Model        string
	Messages     []Message
	Tools        []ToolDefinition
	MaxTokens    int
	SystemPrompt string
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

type ContentBlock struct {
	Type      BlockType
	Text      string
	ID        string
	Name      string
	Input     json.RawMessage
	ToolUseID string
	Content   string
	IsError   bool
}

type Message struct {
	Role   Role
	Blocks []ContentBlock
}

type CompletionResponse struct {
	Blocks     []ContentBlock
	Model      string
	StopReason string
	Usage      Usage
}

// Text joins the text blocks of the response.
func (r CompletionResponse) Text() string {
	var text string
	for _, block := range r.Blocks {
		if block.Type == BlockText {
			text += block.Text
		}
	}
	return text
}

type Usage struct {
	InputTokens  int64
	OutputTokens int64
}
