package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"crabstack.local/projects/crab-orchestrator/internal/protocol"
)

func TestClientAnnouncesSessionAndAnswersLocalCalls(t *testing.T) {
	executor := newTestExecutor(t)
	upgrader := websocket.Upgrader{}
	frames := make(chan protocol.Message, 8)
	serverDone := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(serverDone)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		readOne := func() protocol.Message {
			_, data, err := conn.ReadMessage()
			if err != nil {
				t.Errorf("read: %v", err)
				return nil
			}
			msg, err := protocol.Decode(data)
			if err != nil {
				t.Errorf("decode: %v", err)
			}
			return msg
		}
		frames <- readOne()

		out := []protocol.Message{
			protocol.AgentResponse{Text: "about to write"},
			protocol.RPCRequest{ID: "rpc_1", Method: protocol.MethodWriteFile, Params: json.RawMessage(`{"file_path":"notes/todo.md","content":"- ship"}`)},
		}
		for _, msg := range out {
			data, err := protocol.Encode(msg)
			if err != nil {
				t.Errorf("encode: %v", err)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				t.Errorf("write: %v", err)
				return
			}
		}
		frames <- readOne()
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	client, err := NewClient(nil, Config{
		GatewayURL: "ws" + strings.TrimPrefix(server.URL, "http"),
		SessionID:  "sess_1",
		Identity:   "dev",
	}, executor)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	received := make(chan protocol.Message, 4)
	client.OnMessage = func(msg protocol.Message) { received <- msg }

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()

	next := func(ch <-chan protocol.Message) protocol.Message {
		select {
		case msg := <-ch:
			return msg
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message")
			return nil
		}
	}

	init, ok := next(frames).(protocol.SessionInit)
	if !ok || init.SessionID != "sess_1" || init.ProjectRoot != executor.Root() || init.Identity != "dev" {
		t.Fatalf("unexpected session init: %#v", init)
	}
	if resp, ok := next(received).(protocol.AgentResponse); !ok || resp.Text != "about to write" {
		t.Fatalf("expected agent response to reach OnMessage, got %#v", resp)
	}
	resp, ok := next(frames).(protocol.RPCResponse)
	if !ok || resp.ID != "rpc_1" || resp.Error != nil {
		t.Fatalf("unexpected rpc response: %#v", resp)
	}
	data, err := os.ReadFile(filepath.Join(executor.Root(), "notes", "todo.md"))
	if err != nil || string(data) != "- ship" {
		t.Fatalf("unexpected file %q err=%v", data, err)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("client did not stop")
	}
	<-serverDone
}

func TestClientConfigValidation(t *testing.T) {
	executor := newTestExecutor(t)
	if _, err := NewClient(nil, Config{SessionID: "s"}, executor); err == nil {
		t.Fatalf("expected missing url error")
	}
	if _, err := NewClient(nil, Config{GatewayURL: "ws://x"}, executor); err == nil {
		t.Fatalf("expected missing session error")
	}
	if _, err := NewClient(nil, Config{GatewayURL: "ws://x", SessionID: "s"}, nil); err == nil {
		t.Fatalf("expected missing executor error")
	}
	client, err := NewClient(nil, Config{GatewayURL: "ws://x", SessionID: "s"}, executor)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.Send(context.Background(), protocol.TextInput{Text: "hi"}); err != ErrNotConnected {
		t.Fatalf("expected not connected, got %v", err)
	}
}
