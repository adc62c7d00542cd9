package toolclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"crabstack.local/projects/crab-orchestrator/internal/protocol"
)

func TestDiscoverMultipleHostsWithDifferentTools(t *testing.T) {
	hostOne := newToolHostServer(t, []ToolDescriptor{
		{Name: "memory.append", Description: "append", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "memory.query", Description: "query", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}, nil)
	defer hostOne.Close()

	hostTwo := newToolHostServer(t, []ToolDescriptor{
		{Name: "cron.list", Description: "list", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}, nil)
	defer hostTwo.Close()

	client := New(log.New(io.Discard, "", 0), []HostConfig{
		{Name: "memory", BaseURL: hostOne.URL},
		{Name: "cron", BaseURL: hostTwo.URL},
	})

	if err := client.Discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}

	tools := client.AvailableTools()
	gotNames := make([]string, 0, len(tools))
	for _, tool := range tools {
		gotNames = append(gotNames, tool.Name)
	}
	wantNames := []string{"cron.list", "memory.append", "memory.query"}
	if !reflect.DeepEqual(gotNames, wantNames) {
		t.Fatalf("unexpected tool names: got=%v want=%v", gotNames, wantNames)
	}
}

func TestDiscoverWithUnreachableHostContinues(t *testing.T) {
	reachable := newToolHostServer(t, []ToolDescriptor{
		{Name: "memory.append", Description: "append", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}, nil)
	defer reachable.Close()

	client := New(log.New(io.Discard, "", 0), []HostConfig{
		{Name: "memory", BaseURL: reachable.URL},
		{Name: "down", BaseURL: "http://127.0.0.1:1"},
	})

	if err := client.Discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}

	tools := client.AvailableTools()
	if len(tools) != 1 || tools[0].Name != "memory.append" {
		t.Fatalf("unexpected tools: %+v", tools)
	}
}

func TestDiscoverOverlappingToolNamesLastHostWins(t *testing.T) {
	var oneCalls atomic.Int32
	var twoCalls atomic.Int32

	hostOne := newToolHostServer(t, []ToolDescriptor{
		{Name: "shared", Description: "host-one", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}, func(w http.ResponseWriter, req CallRequest) {
		oneCalls.Add(1)
		_ = json.NewEncoder(w).Encode(CallResponse{
			Version:  VersionV1,
			CallID:   req.CallID,
			ToolName: req.ToolName,
			Status:   CallStatusOK,
		})
	})
	defer hostOne.Close()

	hostTwo := newToolHostServer(t, []ToolDescriptor{
		{Name: "shared", Description: "host-two", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}, func(w http.ResponseWriter, req CallRequest) {
		twoCalls.Add(1)
		_ = json.NewEncoder(w).Encode(CallResponse{
			Version:  VersionV1,
			CallID:   req.CallID,
			ToolName: req.ToolName,
			Status:   CallStatusOK,
		})
	})
	defer hostTwo.Close()

	client := New(log.New(io.Discard, "", 0), []HostConfig{
		{Name: "one", BaseURL: hostOne.URL},
		{Name: "two", BaseURL: hostTwo.URL},
	})
	if err := client.Discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}

	tools := client.AvailableTools()
	if len(tools) != 1 {
		t.Fatalf("expected one tool, got %d", len(tools))
	}
	if tools[0].Description != "host-two" {
		t.Fatalf("expected host-two description, got %q", tools[0].Description)
	}

	_, err := client.Call(context.Background(), CallRequest{
		Version:  VersionV1,
		CallID:   "call_1",
		ToolName: "shared",
		Args:     json.RawMessage(`{}`),
		Context:  CallContext{SessionID: "session"},
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if oneCalls.Load() != 0 {
		t.Fatalf("expected first host not to receive call")
	}
	if twoCalls.Load() != 1 {
		t.Fatalf("expected second host to receive one call, got %d", twoCalls.Load())
	}
}

func TestCallKnownToolSuccess(t *testing.T) {
	server := newToolHostServer(t, []ToolDescriptor{
		{Name: "memory.query", Description: "query", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}, func(w http.ResponseWriter, req CallRequest) {
		if req.ToolName != "memory.query" {
			t.Fatalf("unexpected tool name: %s", req.ToolName)
		}
		_ = json.NewEncoder(w).Encode(CallResponse{
			Version:  VersionV1,
			CallID:   req.CallID,
			ToolName: req.ToolName,
			Status:   CallStatusOK,
			Result:   json.RawMessage(`{"value":"ok"}`),
		})
	})
	defer server.Close()

	client := New(log.New(io.Discard, "", 0), []HostConfig{{Name: "memory", BaseURL: server.URL}})
	if err := client.Discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}

	resp, err := client.Call(context.Background(), CallRequest{
		Version:  VersionV1,
		CallID:   "call_1",
		ToolName: "memory.query",
		Args:     json.RawMessage(`{"q":"x"}`),
		Context:  CallContext{SessionID: "session"},
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Status != CallStatusOK {
		t.Fatalf("unexpected status: %s", resp.Status)
	}
	if string(resp.Result) != `{"value":"ok"}` {
		t.Fatalf("unexpected result: %s", resp.Result)
	}
}

func TestCallKnownToolErrorStatus(t *testing.T) {
	server := newToolHostServer(t, []ToolDescriptor{{Name: "memory.query"}}, func(w http.ResponseWriter, _ CallRequest) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("tool backend unavailable"))
	})
	defer server.Close()

	client := New(log.New(io.Discard, "", 0), []HostConfig{{Name: "memory", BaseURL: server.URL}})
	if err := client.Discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}

	_, err := client.Call(context.Background(), CallRequest{
		Version:  VersionV1,
		CallID:   "call_1",
		ToolName: "memory.query",
		Args:     json.RawMessage(`{}`),
		Context:  CallContext{SessionID: "session"},
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "status 502") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCallUnknownToolError(t *testing.T) {
	client := New(log.New(io.Discard, "", 0), nil)

	_, err := client.Call(context.Background(), CallRequest{
		Version:  VersionV1,
		CallID:   "call_1",
		ToolName: "missing.tool",
		Args:     json.RawMessage(`{}`),
		Context:  CallContext{SessionID: "session"},
	})
	if err == nil {
		t.Fatalf("expected unknown tool error")
	}
	if !strings.Contains(err.Error(), "unknown tool") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAvailableToolsReturnsExpectedDefinitionFormat(t *testing.T) {
	server := newToolHostServer(t, []ToolDescriptor{
		{
			Name:        "memory.append",
			Description: "Append memory",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`),
		},
	}, nil)
	defer server.Close()

	client := New(log.New(io.Discard, "", 0), []HostConfig{{Name: "memory", BaseURL: server.URL}})
	if err := client.Discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}

	tools := client.AvailableTools()
	if len(tools) != 1 {
		t.Fatalf("expected one tool, got %d", len(tools))
	}
	if tools[0].Name != "memory.append" || tools[0].Description != "Append memory" {
		t.Fatalf("unexpected tool definition: %+v", tools[0])
	}
	if string(tools[0].InputSchema) != `{"type":"object","properties":{"text":{"type":"string"}}}` {
		t.Fatalf("unexpected input schema: %s", string(tools[0].InputSchema))
	}
}

func TestInvokeMapsToolStatus(t *testing.T) {
	server := newToolHostServer(t, []ToolDescriptor{
		{Name: "memory.query"},
		{Name: "memory.append", SideEffects: true},
		{Name: "memory.slow"},
		{Name: "local/write_file"},
	}, func(w http.ResponseWriter, req CallRequest) {
		if req.Context.SessionID != "s1" || req.Context.ProjectID != "proj" || req.CallID == "" {
			t.Errorf("unexpected call context: %+v", req)
		}
		resp := CallResponse{Version: VersionV1, CallID: req.CallID, ToolName: req.ToolName, Status: CallStatusOK, Result: req.Args}
		switch req.ToolName {
		case "memory.append":
			resp.Status = CallStatusError
			resp.Result = nil
			resp.Error = &ToolError{Code: "INVALID_ARGS", Message: "text is required"}
		case "memory.slow":
			if req.TimeoutMS <= 0 {
				t.Errorf("expected forwarded timeout, got %d", req.TimeoutMS)
			}
			resp.Status = CallStatusTimeout
			resp.Result = nil
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	defer server.Close()

	client := New(log.New(io.Discard, "", 0), []HostConfig{{Name: "memory", BaseURL: server.URL + "/"}})
	if err := client.Discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if !client.Has("memory.query") || client.Has("local/write_file") {
		t.Fatalf("unexpected routing table")
	}
	if got := client.ReadOnlyTools(); !reflect.DeepEqual(got, []string{"memory.query", "memory.slow"}) {
		t.Fatalf("unexpected read-only tools: %v", got)
	}

	result, err := client.Invoke(context.Background(), Invocation{SessionID: "s1", ProjectID: "proj", Method: "memory.query", Params: json.RawMessage(`{"q":"x"}`)})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if string(result) != `{"q":"x"}` {
		t.Fatalf("unexpected result %s", result)
	}

	_, err = client.Invoke(context.Background(), Invocation{SessionID: "s1", ProjectID: "proj", Method: "memory.append"})
	var rpcErr *protocol.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != protocol.RPCExecutionFailed || !strings.Contains(rpcErr.Message, "text is required") {
		t.Fatalf("expected execution failure rpc error, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	_, err = client.Invoke(ctx, Invocation{SessionID: "s1", ProjectID: "proj", Method: "memory.slow"})
	if !errors.As(err, &rpcErr) || !strings.Contains(rpcErr.Message, "timed out") {
		t.Fatalf("expected tool host timeout error, got %v", err)
	}

	_, err = client.Invoke(context.Background(), Invocation{SessionID: "s1", Method: "memory.missing"})
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected unknown tool error, got %v", err)
	}
}

func newToolHostServer(t *testing.T, tools []ToolDescriptor, onCall func(http.ResponseWriter, CallRequest)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/tools":
			w.Header().Set("content-type", "application/json")
			_ = json.NewEncoder(w).Encode(DiscoveryResponse{
				Version: VersionV1,
				Service: "test-service",
				Tools:   tools,
			})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/tools/call":
			if onCall == nil {
				t.Fatalf("unexpected call request")
			}
			var req CallRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode call request: %v", err)
			}
			onCall(w, req)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}
