package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"crabstack.local/projects/crab-orchestrator/internal/events"
	"crabstack.local/projects/crab-orchestrator/internal/protocol"
	"crabstack.local/projects/crab-orchestrator/internal/turn"
)

type frame struct {
	kind int
	data []byte
}

type fakeConn struct {
	in      chan frame
	sent    chan protocol.Message
	closed  chan struct{}
	once    sync.Once
	backlog []protocol.Message
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan frame, 16),
		sent:   make(chan protocol.Message, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.in:
		return f.kind, f.data, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	select {
	case c.sent <- msg:
		return nil
	default:
		return errors.New("sent buffer full")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("encode %s: %v", msg.MessageType(), err)
	}
	c.in <- frame{kind: websocket.TextMessage, data: data}
}

func (c *fakeConn) sendRaw(data string) {
	c.in <- frame{kind: websocket.TextMessage, data: []byte(data)}
}

// expect returns the first outbound message matching match. Messages skipped
// on the way are kept for later expectations.
func (c *fakeConn) expect(t *testing.T, what string, match func(protocol.Message) bool) protocol.Message {
	t.Helper()
	for i, msg := range c.backlog {
		if match(msg) {
			c.backlog = append(c.backlog[:i], c.backlog[i+1:]...)
			return msg
		}
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-c.sent:
			if match(msg) {
				return msg
			}
			c.backlog = append(c.backlog, msg)
		case <-deadline:
			t.Fatalf("timed out waiting for %s; saw %d other messages", what, len(c.backlog))
			return nil
		}
	}
}

func (c *fakeConn) count(match func(protocol.Message) bool) int {
	n := 0
	for {
		select {
		case msg := <-c.sent:
			c.backlog = append(c.backlog, msg)
			continue
		default:
		}
		break
	}
	for _, msg := range c.backlog {
		if match(msg) {
			n++
		}
	}
	return n
}

func isStatus(state turn.State, ordinal int64) func(protocol.Message) bool {
	return func(msg protocol.Message) bool {
		status, ok := msg.(protocol.TurnStatus)
		return ok && status.State == string(state) && status.TurnOrdinal == ordinal
	}
}

func ofType(kind protocol.MessageType) func(protocol.Message) bool {
	return func(msg protocol.Message) bool {
		return msg.MessageType() == kind
	}
}

func isErrorCode(code protocol.ErrorCode) func(protocol.Message) bool {
	return func(msg protocol.Message) bool {
		errMsg, ok := msg.(protocol.ErrorMessage)
		return ok && errMsg.Code == code
	}
}

type stepEngine struct {
	mu    sync.Mutex
	steps []func(turn.StepRequest) (turn.StepResult, error)
}

func (e *stepEngine) Step(_ context.Context, req turn.StepRequest) (turn.StepResult, error) {
	e.mu.Lock()
	if len(e.steps) == 0 {
		e.mu.Unlock()
		return turn.StepResult{Text: "ok"}, nil
	}
	next := e.steps[0]
	e.steps = e.steps[1:]
	e.mu.Unlock()
	return next(req)
}

func text(s string) func(turn.StepRequest) (turn.StepResult, error) {
	return func(turn.StepRequest) (turn.StepResult, error) {
		return turn.StepResult{Text: s}, nil
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Dispatch(_ context.Context, ev events.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) has(eventType events.Type) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Type == eventType {
			return true
		}
	}
	return false
}

func newTestManager(t *testing.T, store Store, engine turn.Engine) (*Manager, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	m := NewManager(nil, Config{RPCTimeout: 2 * time.Second}, Dependencies{
		Store:  store,
		Engine: engine,
		Events: sink,
	})
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, sink
}

func serve(m *Manager, conn *fakeConn) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- m.Serve(context.Background(), conn)
	}()
	return done
}

func waitServe(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for connection to finish")
		return nil
	}
}

func TestManagerTextTurnRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	m, sink := newTestManager(t, store, &stepEngine{steps: []func(turn.StepRequest) (turn.StepResult, error){text("hi back")}})
	conn := newFakeConn()
	done := serve(m, conn)

	conn.send(t, protocol.SessionInit{SessionID: "s1", ProjectID: "proj_1", ProjectRoot: "/tmp/project"})
	conn.expect(t, "initial idle status", isStatus(turn.StateIdle, 0))

	conn.send(t, protocol.TextInput{Text: "hello"})
	resp := conn.expect(t, "agent response", ofType(protocol.TypeAgentResponse)).(protocol.AgentResponse)
	if resp.Text != "hi back" || resp.TurnOrdinal != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if snap, ok := m.Snapshot("s1"); !ok || snap.State != turn.StateSpeaking {
		t.Fatalf("unexpected live snapshot %+v ok=%t", snap, ok)
	}

	conn.send(t, protocol.Control{Action: protocol.ControlOutputEnded})
	conn.expect(t, "idle after output", isStatus(turn.StateIdle, 1))

	_ = conn.Close()
	if err := waitServe(t, done); err != nil {
		t.Fatalf("serve returned %v", err)
	}

	ctx := context.Background()
	rec, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if rec.Status != StatusCompleted || rec.TurnCount != 1 || rec.ProjectID != "proj_1" {
		t.Fatalf("unexpected session record %+v", rec)
	}
	turns, err := store.GetTurns(ctx, "s1", 0)
	if err != nil || len(turns) != 1 {
		t.Fatalf("expected one archived turn, got %d err=%v", len(turns), err)
	}
	if turns[0].Status != TurnStatusCompleted || turns[0].Output != "hi back" || turns[0].PromptHash != turn.PromptHash("hello") {
		t.Fatalf("unexpected archived turn %+v", turns[0])
	}
	for _, want := range []events.Type{events.TypeSessionConnected, events.TypeTurnCompleted, events.TypeSessionDisconnected} {
		if !sink.has(want) {
			t.Fatalf("expected %s lifecycle event", want)
		}
	}
	if len(m.Live()) != 0 {
		t.Fatalf("expected no live sessions after disconnect")
	}
}

func TestManagerSynchronousLocalCallUsesConnection(t *testing.T) {
	engine := &stepEngine{steps: []func(turn.StepRequest) (turn.StepResult, error){
		func(turn.StepRequest) (turn.StepResult, error) {
			return turn.StepResult{ToolCalls: []turn.ToolCall{{
				ID:          "c1",
				Method:      protocol.MethodSearchProject,
				Params:      json.RawMessage(`{"query":"main"}`),
				Synchronous: true,
			}}}, nil
		},
		func(req turn.StepRequest) (turn.StepResult, error) {
			if len(req.Observations) != 1 || req.Observations[0].Kind != turn.ObservationResult {
				return turn.StepResult{}, fmt.Errorf("expected one result observation, got %+v", req.Observations)
			}
			if !strings.Contains(string(req.Observations[0].Content), "main.go") {
				return turn.StepResult{}, fmt.Errorf("unexpected result %s", req.Observations[0].Content)
			}
			return turn.StepResult{Text: "found main.go"}, nil
		},
	}}
	m, _ := newTestManager(t, NewMemoryStore(), engine)
	conn := newFakeConn()
	done := serve(m, conn)

	conn.send(t, protocol.SessionInit{SessionID: "s2", ProjectRoot: "/tmp/project"})
	conn.send(t, protocol.TextInput{Text: "where is main"})

	req := conn.expect(t, "rpc request", ofType(protocol.TypeRPCRequest)).(protocol.RPCRequest)
	if req.Method != protocol.MethodSearchProject {
		t.Fatalf("unexpected method %s", req.Method)
	}
	if m.Registry().Len() != 1 {
		t.Fatalf("expected one pending call, got %d", m.Registry().Len())
	}
	conn.send(t, protocol.RPCResponse{ID: req.ID, Result: json.RawMessage(`{"matches":[{"path":"main.go","line":1,"text":"package main"}]}`)})

	resp := conn.expect(t, "agent response", ofType(protocol.TypeAgentResponse)).(protocol.AgentResponse)
	if resp.Text != "found main.go" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if m.Registry().Len() != 0 {
		t.Fatalf("expected pending call resolved")
	}

	_ = conn.Close()
	waitServe(t, done)
}

func TestManagerResumesApprovalAfterTransportLoss(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if _, err := store.EnsureSession(ctx, SessionRecord{SessionID: "s5", ProjectRoot: "/tmp/project"}); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	for i := 0; i < 4; i++ {
		rec, err := store.StartTurn(ctx, "s5", "earlier", turn.PromptHash("earlier"))
		if err != nil {
			t.Fatalf("start turn: %v", err)
		}
		_ = store.CompleteTurn(ctx, rec.TurnID, "ok")
	}

	engine := &stepEngine{steps: []func(turn.StepRequest) (turn.StepResult, error){
		func(turn.StepRequest) (turn.StepResult, error) {
			return turn.StepResult{Proposals: []turn.ProposedChange{{ID: "p1", Target: "/a.txt", Content: "hello"}}}, nil
		},
		func(req turn.StepRequest) (turn.StepResult, error) {
			for _, obs := range req.Observations {
				if obs.Kind == turn.ObservationApproval && obs.ItemID == "p1" {
					return turn.StepResult{Text: "written"}, nil
				}
			}
			return turn.StepResult{}, fmt.Errorf("expected approval observation, got %+v", req.Observations)
		},
		text("next turn"),
	}}
	m, sink := newTestManager(t, store, engine)

	conn1 := newFakeConn()
	done1 := serve(m, conn1)
	conn1.send(t, protocol.SessionInit{SessionID: "s5"})
	conn1.expect(t, "idle at ordinal 4", isStatus(turn.StateIdle, 4))
	conn1.send(t, protocol.TextInput{Text: "write a.txt"})
	conn1.expect(t, "awaiting approval", isStatus(turn.StateAwaitingApproval, 5))
	if prop := conn1.expect(t, "proposal", ofType(protocol.TypeProposal)).(protocol.Proposal); prop.ProposalID != "p1" {
		t.Fatalf("unexpected proposal %+v", prop)
	}

	_ = conn1.Close()
	waitServe(t, done1)

	rec, err := store.GetSession(ctx, "s5")
	if err != nil || rec.Status != StatusFailed {
		t.Fatalf("expected failed session after loss mid-approval, got %+v err=%v", rec, err)
	}
	cp, err := store.LoadCheckpoint(ctx, "s5")
	if err != nil || cp.TurnOrdinal != 5 {
		t.Fatalf("expected retained checkpoint at ordinal 5, got %+v err=%v", cp, err)
	}

	conn2 := newFakeConn()
	done2 := serve(m, conn2)
	conn2.send(t, protocol.SessionInit{SessionID: "s5"})
	conn2.expect(t, "resumed approval", isStatus(turn.StateAwaitingApproval, 5))
	if prop := conn2.expect(t, "re-emitted proposal", ofType(protocol.TypeProposal)).(protocol.Proposal); prop.ProposalID != "p1" || prop.Target != "/a.txt" {
		t.Fatalf("unexpected re-emitted proposal %+v", prop)
	}

	conn2.send(t, protocol.ProposalDecision{Decisions: []protocol.Decision{{ID: "p1", Status: protocol.DecisionApproved}}})
	req := conn2.expect(t, "write_file request", ofType(protocol.TypeRPCRequest)).(protocol.RPCRequest)
	var params protocol.WriteFileParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if req.Method != protocol.MethodWriteFile || params.FilePath != "/a.txt" || params.Content != "hello" {
		t.Fatalf("unexpected dispatch %s %+v", req.Method, params)
	}
	conn2.send(t, protocol.RPCResponse{ID: req.ID, Result: json.RawMessage(`{"path":"/tmp/project/a.txt","bytes_written":5}`)})
	conn2.expect(t, "job complete", ofType(protocol.TypeBackgroundJobComplete))

	resp := conn2.expect(t, "agent response", ofType(protocol.TypeAgentResponse)).(protocol.AgentResponse)
	if resp.Text != "written" || resp.TurnOrdinal != 5 {
		t.Fatalf("unexpected response %+v", resp)
	}
	conn2.send(t, protocol.TextInput{Text: "and now"})
	next := conn2.expect(t, "next agent response", func(msg protocol.Message) bool {
		r, ok := msg.(protocol.AgentResponse)
		return ok && r.Text == "next turn"
	}).(protocol.AgentResponse)
	if next.TurnOrdinal != 6 {
		t.Fatalf("expected ordinal 6 after resumed turn, got %d", next.TurnOrdinal)
	}
	if _, err := store.LoadCheckpoint(ctx, "s5"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected checkpoint removed after release, got %v", err)
	}

	_ = conn2.Close()
	waitServe(t, done2)
	if !sink.has(events.TypeSessionResumed) || !sink.has(events.TypeApprovalRequested) {
		t.Fatalf("expected resume and approval lifecycle events")
	}
}

func TestManagerBargeInBurstInterruptsOnce(t *testing.T) {
	proceed := make(chan struct{})
	engine := &stepEngine{steps: []func(turn.StepRequest) (turn.StepResult, error){
		text("a long answer"),
		func(req turn.StepRequest) (turn.StepResult, error) {
			<-proceed
			if !req.Interrupted {
				return turn.StepResult{}, fmt.Errorf("expected interrupted flag")
			}
			return turn.StepResult{Text: "short answer"}, nil
		},
	}}
	m, _ := newTestManager(t, NewMemoryStore(), engine)
	conn := newFakeConn()
	done := serve(m, conn)

	conn.send(t, protocol.SessionInit{SessionID: "s3"})
	conn.send(t, protocol.TextInput{Text: "explain"})
	conn.expect(t, "first answer", ofType(protocol.TypeAgentResponse))

	for i := 0; i < 3; i++ {
		conn.send(t, protocol.Control{Action: protocol.ControlHaltOutput})
	}
	// The read loop answers frames in order, so this error means every halt was routed.
	conn.sendRaw("not json")
	conn.expect(t, "malformed frame error", isErrorCode(protocol.CodeMalformedMessage))
	close(proceed)

	resp := conn.expect(t, "second answer", func(msg protocol.Message) bool {
		r, ok := msg.(protocol.AgentResponse)
		return ok && r.Text == "short answer"
	}).(protocol.AgentResponse)
	if resp.TurnOrdinal != 1 {
		t.Fatalf("interruption must not start a new turn, got ordinal %d", resp.TurnOrdinal)
	}
	if n := conn.count(isStatus(turn.StateInterrupted, 1)); n != 1 {
		t.Fatalf("expected exactly one interruption, got %d", n)
	}

	_ = conn.Close()
	waitServe(t, done)
}

func TestManagerRejectsBadHandshakeAndDuplicateSession(t *testing.T) {
	m, _ := newTestManager(t, NewMemoryStore(), &stepEngine{})

	bad := newFakeConn()
	badDone := serve(m, bad)
	bad.send(t, protocol.TextInput{Text: "hello"})
	bad.expect(t, "handshake error", isErrorCode(protocol.CodeMalformedMessage))
	if err := waitServe(t, badDone); !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}

	first := newFakeConn()
	firstDone := serve(m, first)
	first.send(t, protocol.SessionInit{SessionID: "dup"})
	first.expect(t, "idle", isStatus(turn.StateIdle, 0))

	second := newFakeConn()
	secondDone := serve(m, second)
	second.send(t, protocol.SessionInit{SessionID: "dup"})
	second.expect(t, "busy error", isErrorCode(protocol.CodeSessionBusy))
	if err := waitServe(t, secondDone); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}

	first.send(t, protocol.SessionInit{SessionID: "dup"})
	first.expect(t, "re-init error", isErrorCode(protocol.CodeMalformedMessage))
	_ = first.Close()
	waitServe(t, firstDone)
}

func TestManagerDropsStaleCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if _, err := store.EnsureSession(ctx, SessionRecord{SessionID: "old"}); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	rec, err := store.StartTurn(ctx, "old", "write", turn.PromptHash("write"))
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	if err := store.SaveCheckpoint(ctx, turn.Checkpoint{
		SessionID:   "old",
		TurnID:      rec.TurnID,
		TurnOrdinal: rec.Sequence,
		State:       turn.StateAwaitingApproval,
		UpdatedAt:   time.Now().UTC().Add(-2 * time.Hour),
	}); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	m, _ := newTestManager(t, store, &stepEngine{})
	conn := newFakeConn()
	done := serve(m, conn)
	conn.send(t, protocol.SessionInit{SessionID: "old"})
	conn.expect(t, "fresh idle session", isStatus(turn.StateIdle, 1))

	if _, err := store.LoadCheckpoint(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected stale checkpoint deleted, got %v", err)
	}
	turns, _ := store.GetTurns(ctx, "old", 0)
	if len(turns) != 1 || turns[0].Status != TurnStatusFailed {
		t.Fatalf("expected expired turn marked failed, got %+v", turns)
	}
	_ = conn.Close()
	waitServe(t, done)
}

func TestManagerReconnectWaitsForInFlightTeardown(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	entered := make(chan struct{})
	release := make(chan struct{})
	engine := &stepEngine{steps: []func(turn.StepRequest) (turn.StepResult, error){
		func(turn.StepRequest) (turn.StepResult, error) {
			close(entered)
			<-release
			return turn.StepResult{Proposals: []turn.ProposedChange{{ID: "p1", Target: "/a.txt", Content: "x"}}}, nil
		},
	}}
	m, _ := newTestManager(t, store, engine)

	conn1 := newFakeConn()
	done1 := serve(m, conn1)
	conn1.send(t, protocol.SessionInit{SessionID: "s9"})
	conn1.expect(t, "idle", isStatus(turn.StateIdle, 0))
	conn1.send(t, protocol.TextInput{Text: "write a.txt"})
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for engine step")
	}
	_ = conn1.Close()
	deadline := time.After(2 * time.Second)
	for {
		if _, live := m.Snapshot("s9"); !live {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for disconnect to start")
		case <-time.After(5 * time.Millisecond):
		}
	}

	conn2 := newFakeConn()
	done2 := serve(m, conn2)
	conn2.send(t, protocol.SessionInit{SessionID: "s9"})
	select {
	case msg := <-conn2.sent:
		t.Fatalf("reconnect answered while the old connection was tearing down: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	waitServe(t, done1)
	conn2.expect(t, "resumed approval", isStatus(turn.StateAwaitingApproval, 1))
	if prop := conn2.expect(t, "proposal", ofType(protocol.TypeProposal)).(protocol.Proposal); prop.ProposalID != "p1" {
		t.Fatalf("unexpected proposal %+v", prop)
	}

	rec, err := store.GetSession(ctx, "s9")
	if err != nil || rec.Status != StatusActive {
		t.Fatalf("connected session must stay active, got %+v err=%v", rec, err)
	}
	snap, ok := m.Snapshot("s9")
	if !ok || snap.State != turn.StateAwaitingApproval {
		t.Fatalf("unexpected live snapshot %+v ok=%v", snap, ok)
	}

	_ = conn2.Close()
	waitServe(t, done2)
}

type cancelAwareEngine struct {
	entered chan struct{}
}

func (e *cancelAwareEngine) Step(ctx context.Context, _ turn.StepRequest) (turn.StepResult, error) {
	close(e.entered)
	<-ctx.Done()
	return turn.StepResult{}, ctx.Err()
}

func TestManagerDisconnectCancelsInFlightStep(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	engine := &cancelAwareEngine{entered: make(chan struct{})}
	m, _ := newTestManager(t, store, engine)

	conn1 := newFakeConn()
	done1 := serve(m, conn1)
	conn1.send(t, protocol.SessionInit{SessionID: "s10"})
	conn1.expect(t, "idle", isStatus(turn.StateIdle, 0))
	conn1.send(t, protocol.TextInput{Text: "think hard"})
	select {
	case <-engine.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for engine step")
	}
	_ = conn1.Close()
	waitServe(t, done1)

	turns, err := store.GetTurns(ctx, "s10", 10)
	if err != nil || len(turns) != 1 || turns[0].Status != TurnStatusFailed {
		t.Fatalf("expected the interrupted turn to be failed, got %+v err=%v", turns, err)
	}
	if _, err := store.LoadCheckpoint(ctx, "s10"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no checkpoint for a turn lost mid-step, got %v", err)
	}

	conn2 := newFakeConn()
	done2 := serve(m, conn2)
	conn2.send(t, protocol.SessionInit{SessionID: "s10"})
	conn2.expect(t, "idle after reconnect", isStatus(turn.StateIdle, 1))
	_ = conn2.Close()
	waitServe(t, done2)
}
