package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"crabstack.local/projects/crab-orchestrator/internal/events"
	"crabstack.local/projects/crab-orchestrator/internal/ids"
	"crabstack.local/projects/crab-orchestrator/internal/pending"
	"crabstack.local/projects/crab-orchestrator/internal/protocol"
	"crabstack.local/projects/crab-orchestrator/internal/toolclient"
	"crabstack.local/projects/crab-orchestrator/internal/turn"
)

// Conn is the transport of one live session. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

var ErrUnknownMethod = errors.New("unknown method")

// liveSession binds a connection to its turn machine. It is the machine's
// emitter and dispatcher.
type liveSession struct {
	id         string
	record     SessionRecord
	conn       Conn
	logger     *log.Logger
	registry   *pending.Registry
	tools      *toolclient.Client
	sink       events.Sink
	rpcTimeout time.Duration
	machine    *turn.Machine

	// ctx scopes the session's event handling. Disconnect cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	writeMu   sync.Mutex
	closeOnce sync.Once
}

var (
	_ turn.Emitter    = (*liveSession)(nil)
	_ turn.Dispatcher = (*liveSession)(nil)
)

func (s *liveSession) Emit(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	err = s.conn.WriteMessage(websocket.TextMessage, data)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrTransportLost, err)
	}

	switch m := msg.(type) {
	case protocol.Proposal:
		s.publish(events.TypeApprovalRequested, map[string]any{
			"item_id":  m.ProposalID,
			"batch_id": m.BatchID,
			"kind":     "proposal",
			"target":   m.Target,
		})
	case protocol.CommandProposal:
		s.publish(events.TypeApprovalRequested, map[string]any{
			"item_id":  m.CommandID,
			"batch_id": m.BatchID,
			"kind":     "command",
			"command":  m.Command,
			"risk":     m.Risk,
		})
	}
	return nil
}

// Call sends local/ methods to the client over the connection and waits for
// the correlated response. Other methods go to the tool host.
func (s *liveSession) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if !protocol.IsLocalMethod(method) {
		if s.tools == nil || !s.tools.Has(method) {
			return nil, &protocol.RPCError{Code: protocol.RPCMethodNotFound, Message: fmt.Sprintf("%v: %s", ErrUnknownMethod, method)}
		}
		return s.tools.Invoke(ctx, toolclient.Invocation{
			SessionID: s.id,
			ProjectID: s.record.ProjectID,
			Method:    method,
			Params:    params,
		})
	}

	callID := ids.Prefixed("rpc")
	timeout := protocol.CallTimeout(method, params, s.rpcTimeout)
	handle, err := s.registry.Register(pending.Call{ID: callID, Method: method, SessionID: s.id}, timeout)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", method, err)
	}
	if err := s.Emit(protocol.RPCRequest{ID: callID, Method: method, Params: params}); err != nil {
		s.registry.Cancel(callID, err)
		return nil, err
	}
	result, err := handle.Wait(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		s.registry.Cancel(callID, ctxErr)
	}
	return result, err
}

func (s *liveSession) publish(eventType events.Type, payload map[string]any) {
	var ordinal int64
	if s.machine != nil {
		ordinal = s.machine.Snapshot().TurnOrdinal
	}
	ev, err := events.New(eventType, s.id, ordinal, payload)
	if err != nil {
		s.logger.Printf("build event failed session_id=%s type=%s err=%v", s.id, eventType, err)
		return
	}
	s.sink.Dispatch(context.Background(), ev)
}

func (s *liveSession) close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		_ = s.conn.Close()
	})
}
