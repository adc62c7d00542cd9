package reasoner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAnthropicCompleteSendsToolsAndDecodesBlocks(t *testing.T) {
	var got anthropicRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("unexpected api key header: %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != anthropicVersion {
			t.Errorf("unexpected version header: %q", r.Header.Get("anthropic-version"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{
			"model": "claude-test",
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 12, "output_tokens": 7},
			"content": [
				{"type": "text", "text": "Looking."},
				{"type": "tool_use", "id": "toolu_1", "name": "search_project", "input": {"query": "main"}}
			]
		}`))
	}))
	defer server.Close()

	provider := NewAnthropicProvider(" test-key ", WithAnthropicEndpoint(server.URL))
	resp, err := provider.Complete(context.Background(), CompletionRequest{
		Model:        "claude-test",
		MaxTokens:    256,
		SystemPrompt: "be brief",
		Tools:        []ToolDefinition{{Name: "search_project", Description: "search"}},
		Messages: []Message{
			{Role: RoleUser, Blocks: []ContentBlock{{Type: BlockText, Text: "find main"}}},
			{Role: RoleAssistant, Blocks: []ContentBlock{{Type: BlockToolUse, ID: "toolu_0", Name: "search_project"}}},
			{Role: RoleUser, Blocks: []ContentBlock{{Type: BlockToolResult, ToolUseID: "toolu_0", Content: "no match", IsError: true}}},
		},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	if got.System != "be brief" || got.MaxTokens != 256 || len(got.Messages) != 3 {
		t.Fatalf("unexpected request: %+v", got)
	}
	if string(got.Tools[0].InputSchema) != `{"type":"object"}` {
		t.Fatalf("expected default input schema, got %s", got.Tools[0].InputSchema)
	}
	if string(got.Messages[1].Content[0].Input) != `{}` {
		t.Fatalf("expected empty tool input to be sent as object, got %s", got.Messages[1].Content[0].Input)
	}
	result := got.Messages[2].Content[0]
	if result.ToolUseID != "toolu_0" || !result.IsError {
		t.Fatalf("unexpected tool result block: %+v", result)
	}

	if resp.Text() != "Looking." || resp.StopReason != "tool_use" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(resp.Blocks) != 2 || resp.Blocks[1].Name != "search_project" || string(resp.Blocks[1].Input) != `{"query": "main"}` {
		t.Fatalf("unexpected blocks: %+v", resp.Blocks)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 7 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
}

func TestAnthropicCompleteMapsRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer server.Close()

	provider := NewAnthropicProvider("key", WithAnthropicEndpoint(server.URL))
	_, err := provider.Complete(context.Background(), CompletionRequest{
		Model:     "m",
		MaxTokens: 1,
		Messages:  []Message{{Role: RoleUser, Blocks: []ContentBlock{{Type: BlockText, Text: "hi"}}}},
	})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}

func TestAnthropicCompleteValidatesRequest(t *testing.T) {
	provider := NewAnthropicProvider("")
	if _, err := provider.Complete(context.Background(), CompletionRequest{}); err == nil {
		t.Fatalf("expected missing api key error")
	}

	provider = NewAnthropicProvider("key")
	if _, err := provider.Complete(context.Background(), CompletionRequest{Model: "m", MaxTokens: 1}); err == nil {
		t.Fatalf("expected missing messages error")
	}
	_, err := provider.Complete(context.Background(), CompletionRequest{
		Model:     "m",
		MaxTokens: 1,
		Messages:  []Message{{Role: "system"}},
	})
	if err == nil {
		t.Fatalf("expected unsupported role error")
	}
}
