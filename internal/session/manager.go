package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"crabstack.local/projects/crab-orchestrator/internal/events"
	"crabstack.local/projects/crab-orchestrator/internal/jobs"
	"crabstack.local/projects/crab-orchestrator/internal/ledger"
	"crabstack.local/projects/crab-orchestrator/internal/pending"
	"crabstack.local/projects/crab-orchestrator/internal/policy"
	"crabstack.local/projects/crab-orchestrator/internal/protocol"
	"crabstack.local/projects/crab-orchestrator/internal/toolclient"
	"crabstack.local/projects/crab-orchestrator/internal/turn"
)

const DefaultResumeWindow = 30 * time.Minute

var (
	ErrSessionActive  = protocol.NewSentinel(protocol.CodeSessionBusy, "session already connected", false)
	ErrNotConnected   = errors.New("session not connected")
	ErrHandshake      = protocol.NewSentinel(protocol.CodeMalformedMessage, "first frame must be session_init", false)
	ErrManagerClosed  = errors.New("session manager closed")
	errAlreadyStarted = protocol.NewSentinel(protocol.CodeMalformedMessage, "session already initialized", true)
)

type Config struct {
	QueueSize    int
	MaxSteps     int
	ResumeWindow time.Duration
	RPCTimeout   time.Duration
	JobWorkers   int
	JobTimeout   time.Duration
}

type Dependencies struct {
	Store       Store
	Engine      turn.Engine
	Registry    *pending.Registry
	Policies    *policy.Store
	Tools       *toolclient.Client
	Events      events.Sink
	Metrics     turn.Metrics
	Transcriber turn.Transcriber
}

// Manager owns the live sessions of the process: one connection, one turn
// machine and one scheduler worker per session id.
type Manager struct {
	logger      *log.Logger
	cfg         Config
	store       Store
	engine      turn.Engine
	registry    *pending.Registry
	policies    *policy.Store
	tools       *toolclient.Client
	sink        events.Sink
	metrics     turn.Metrics
	transcriber turn.Transcriber
	jobs        *jobs.Queue
	scheduler   *Scheduler
	now         func() time.Time

	mu   sync.Mutex
	live map[string]*liveSession
	// teardown holds sessions whose Disconnect is still running. Their ids
	// stay reserved in live until it closes.
	teardown map[string]chan struct{}
	closed   bool
}

func NewManager(logger *log.Logger, cfg Config, deps Dependencies) *Manager {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.ResumeWindow == 0 {
		cfg.ResumeWindow = DefaultResumeWindow
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = pending.DefaultTimeout
	}
	m := &Manager{
		logger:      logger,
		cfg:         cfg,
		store:       deps.Store,
		engine:      deps.Engine,
		registry:    deps.Registry,
		policies:    deps.Policies,
		tools:       deps.Tools,
		sink:        deps.Events,
		metrics:     deps.Metrics,
		transcriber: deps.Transcriber,
		now:         time.Now,
		live:        make(map[string]*liveSession),
		teardown:    make(map[string]chan struct{}),
	}
	if m.store == nil {
		m.store = NewMemoryStore()
	}
	if m.registry == nil {
		m.registry = pending.NewRegistry(logger, cfg.RPCTimeout)
	}
	if m.policies == nil {
		m.policies = policy.NewStore(policy.DefaultRules())
	}
	if m.sink == nil {
		m.sink = events.NopSink{}
	}
	m.jobs = jobs.NewQueue(logger, m.runJob,
		jobs.WithWorkers(cfg.JobWorkers),
		jobs.WithTimeout(cfg.JobTimeout),
		jobs.WithOnStart(m.jobStarted),
		jobs.WithOnComplete(m.jobCompleted),
	)
	m.scheduler = NewScheduler(logger, cfg.QueueSize, m.handleEvent)
	return m
}

func (m *Manager) Registry() *pending.Registry {
	return m.registry
}

func (m *Manager) Jobs() *jobs.Queue {
	return m.jobs
}

func (m *Manager) Store() Store {
	return m.store
}

// Serve runs one connection: handshake, read loop, then disconnect cleanup.
// It returns once the connection is gone.
func (m *Manager) Serve(ctx context.Context, conn Conn) error {
	kind, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("read session_init: %w", err)
	}
	msg, err := protocol.DecodeFrame(kind == websocket.BinaryMessage, data)
	init, ok := msg.(protocol.SessionInit)
	if err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("%w: got %s", ErrHandshake, msg.MessageType())
		}
		m.reject(conn, "", err)
		return err
	}

	if _, err := m.Connect(ctx, conn, init); err != nil {
		m.reject(conn, init.SessionID, err)
		return err
	}
	live := m.lookup(strings.TrimSpace(init.SessionID))
	if live == nil {
		return ErrNotConnected
	}

	readErr := m.readLoop(ctx, live)
	if _, err := m.Disconnect(context.Background(), live.id, readErr); err != nil && !errors.Is(err, ErrNotConnected) {
		m.logger.Printf("disconnect failed session_id=%s err=%v", live.id, err)
	}
	return nil
}

// Connect creates or resumes the session named by init. A fresh checkpoint
// left by a turn suspended on approval is restored into the new machine.
func (m *Manager) Connect(ctx context.Context, conn Conn, init protocol.SessionInit) (SessionRecord, error) {
	sessionID := strings.TrimSpace(init.SessionID)
	if err := validateSessionID(sessionID); err != nil {
		return SessionRecord{}, err
	}

	m.mu.Lock()
	for {
		if m.closed {
			m.mu.Unlock()
			return SessionRecord{}, ErrManagerClosed
		}
		done, closing := m.teardown[sessionID]
		if !closing {
			break
		}
		m.mu.Unlock()
		// A reconnect never overlaps the previous connection's teardown.
		select {
		case <-done:
		case <-ctx.Done():
			return SessionRecord{}, ctx.Err()
		}
		m.mu.Lock()
	}
	if _, exists := m.live[sessionID]; exists {
		m.mu.Unlock()
		return SessionRecord{}, fmt.Errorf("%w: %s", ErrSessionActive, sessionID)
	}
	// Reserve the id while the session is being built.
	m.live[sessionID] = nil
	m.mu.Unlock()

	live, resumed, err := m.open(ctx, conn, sessionID, init)
	m.mu.Lock()
	if err != nil || m.closed {
		delete(m.live, sessionID)
		m.mu.Unlock()
		if err == nil {
			live.close()
			err = ErrManagerClosed
		}
		return SessionRecord{}, err
	}
	m.scheduler.Add(live.ctx, sessionID)
	m.live[sessionID] = live
	m.mu.Unlock()

	eventType := events.TypeSessionConnected
	if resumed {
		eventType = events.TypeSessionResumed
	}
	live.publish(eventType, map[string]any{
		"project_id": live.record.ProjectID,
		"domain":     live.record.Domain,
		"turn_count": live.record.TurnCount,
	})
	m.logger.Printf("session connected session_id=%s project_id=%s resumed=%t turn_count=%d", sessionID, live.record.ProjectID, resumed, live.record.TurnCount)
	return live.record, nil
}

func (m *Manager) open(ctx context.Context, conn Conn, sessionID string, init protocol.SessionInit) (*liveSession, bool, error) {
	rec, err := m.store.EnsureSession(ctx, SessionRecord{
		SessionID:   sessionID,
		ProjectID:   init.ProjectID,
		ProjectRoot: init.ProjectRoot,
		Domain:      init.Domain,
		Identity:    init.Identity,
	})
	if err != nil {
		return nil, false, fmt.Errorf("ensure session: %w", err)
	}

	l := ledger.New(sessionID)
	nodes, err := m.store.GetLedgerNodes(ctx, sessionID)
	if err != nil {
		return nil, false, fmt.Errorf("load ledger: %w", err)
	}
	l.Load(nodes)

	live := &liveSession{
		id:         sessionID,
		record:     rec,
		conn:       conn,
		logger:     m.logger,
		registry:   m.registry,
		tools:      m.tools,
		sink:       m.sink,
		rpcTimeout: m.cfg.RPCTimeout,
	}
	live.ctx, live.cancel = context.WithCancel(context.Background())
	sessionPolicy := m.policies.ForSession(rec.Identity)
	if m.tools != nil {
		sessionPolicy = sessionPolicy.WithReadOnly(m.tools.ReadOnlyTools()...)
	}
	live.machine = turn.NewMachine(m.logger, turn.Config{
		SessionID:   sessionID,
		ProjectID:   rec.ProjectID,
		ProjectRoot: rec.ProjectRoot,
		Domain:      rec.Domain,
		Policy:      sessionPolicy,
		LastOrdinal: rec.TurnCount,
		MaxSteps:    m.cfg.MaxSteps,
	}, turn.Dependencies{
		Engine:      m.engine,
		Emitter:     live,
		Dispatcher:  live,
		Jobs:        m.jobs,
		Recorder:    newPublishingRecorder(storeRecorder{store: m.store}, live),
		Transcriber: m.transcriber,
		Metrics:     m.metrics,
		Ledger:      l,
	})

	resumed, err := m.resume(ctx, live)
	if err != nil {
		live.cancel()
		return nil, false, err
	}
	if !resumed {
		if err := live.Emit(protocol.TurnStatus{State: string(turn.StateIdle), TurnOrdinal: rec.TurnCount}); err != nil {
			live.cancel()
			return nil, false, err
		}
	}
	return live, resumed, nil
}

func (m *Manager) resume(ctx context.Context, live *liveSession) (bool, error) {
	cp, err := m.store.LoadCheckpoint(ctx, live.id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load checkpoint: %w", err)
	}
	if !cp.Fresh(m.now(), m.cfg.ResumeWindow) {
		m.logger.Printf("discarding stale checkpoint session_id=%s turn=%d updated_at=%s", live.id, cp.TurnOrdinal, cp.UpdatedAt.Format(time.RFC3339))
		if err := m.store.DeleteCheckpoint(ctx, live.id); err != nil && !errors.Is(err, ErrNotFound) {
			return false, fmt.Errorf("delete stale checkpoint: %w", err)
		}
		if err := m.store.FailTurn(ctx, cp.TurnID, "approval expired"); err != nil && !errors.Is(err, ErrNotFound) {
			m.logger.Printf("fail expired turn failed session_id=%s turn_id=%s err=%v", live.id, cp.TurnID, err)
		}
		return false, nil
	}
	if err := live.machine.Restore(ctx, cp); err != nil {
		m.logger.Printf("checkpoint restore failed session_id=%s turn=%d err=%v", live.id, cp.TurnOrdinal, err)
		_ = m.store.DeleteCheckpoint(ctx, live.id)
		return false, nil
	}
	return true, nil
}

// forgetter is implemented by engines that keep per-session state.
type forgetter interface {
	Forget(sessionID string)
}

// Disconnect tears down a live session after transport loss. It reports the
// status the session was left in. The session id stays reserved until the
// teardown is finished, so a reconnect waits for it.
func (m *Manager) Disconnect(ctx context.Context, sessionID string, cause error) (Status, error) {
	m.mu.Lock()
	live := m.live[sessionID]
	if live == nil {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNotConnected, sessionID)
	}
	m.live[sessionID] = nil
	done := make(chan struct{})
	m.teardown[sessionID] = done
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.live, sessionID)
		delete(m.teardown, sessionID)
		m.mu.Unlock()
		close(done)
	}()

	// Stops an engine step or tool call the worker is blocked in.
	live.cancel()
	lost := protocol.ErrTransportLost
	if cause != nil {
		lost = fmt.Errorf("%w: %v", protocol.ErrTransportLost, cause)
	}
	calls := m.registry.FailSession(sessionID, lost)
	canceled := m.jobs.CancelSession(sessionID)
	<-m.scheduler.Remove(sessionID)

	status := StatusCompleted
	if live.machine.Detach(ctx) {
		status = StatusFailed
	}
	live.close()
	if f, ok := m.engine.(forgetter); ok && status == StatusCompleted {
		f.Forget(sessionID)
	}

	err := m.store.SetSessionStatus(ctx, sessionID, status)
	if err != nil {
		err = fmt.Errorf("set session status: %w", err)
	}
	live.publish(events.TypeSessionDisconnected, map[string]any{
		"status":         status,
		"failed_calls":   calls,
		"canceled_jobs":  canceled,
		"disconnect_err": errString(cause),
	})
	m.logger.Printf("session disconnected session_id=%s status=%s failed_calls=%d canceled_jobs=%d cause=%v", sessionID, status, calls, canceled, cause)
	return status, err
}

// Live returns the machine snapshots of connected sessions ordered by id.
func (m *Manager) Live() []turn.Snapshot {
	m.mu.Lock()
	sessions := make([]*liveSession, 0, len(m.live))
	for _, live := range m.live {
		if live != nil {
			sessions = append(sessions, live)
		}
	}
	m.mu.Unlock()

	out := make([]turn.Snapshot, 0, len(sessions))
	for _, live := range sessions {
		out = append(out, live.machine.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func (m *Manager) Snapshot(sessionID string) (turn.Snapshot, bool) {
	live := m.lookup(sessionID)
	if live == nil {
		return turn.Snapshot{}, false
	}
	return live.machine.Snapshot(), true
}

// Close disconnects every live session and stops the job queue.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessionIDs := make([]string, 0, len(m.live))
	for id, live := range m.live {
		if live != nil {
			sessionIDs = append(sessionIDs, id)
		}
	}
	m.mu.Unlock()

	for _, id := range sessionIDs {
		if _, err := m.Disconnect(ctx, id, ErrManagerClosed); err != nil && !errors.Is(err, ErrNotConnected) {
			m.logger.Printf("disconnect on close failed session_id=%s err=%v", id, err)
		}
	}
	return m.jobs.Close(ctx)
}

func (m *Manager) readLoop(ctx context.Context, live *liveSession) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		kind, data, err := live.conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.DecodeFrame(kind == websocket.BinaryMessage, data)
		if err != nil {
			m.logger.Printf("dropping malformed frame session_id=%s err=%v", live.id, err)
			live.emitError(err)
			continue
		}
		m.route(ctx, live, msg)
	}
}

// route delivers one inbound message. RPC responses resolve pending calls
// directly so a turn blocked on a synchronous call can see its result.
func (m *Manager) route(ctx context.Context, live *liveSession, msg protocol.Message) {
	switch msg := msg.(type) {
	case protocol.RPCResponse:
		var err error
		if msg.Error != nil {
			err = msg.Error
		}
		m.registry.Resolve(msg.ID, msg.Result, err)
	case protocol.RPCRequest:
		_ = live.Emit(protocol.RPCResponse{ID: msg.ID, Error: &protocol.RPCError{
			Code:    protocol.RPCMethodNotFound,
			Message: fmt.Sprintf("%v: %s", ErrUnknownMethod, msg.Method),
		}})
	case protocol.Control:
		if msg.Action == protocol.ControlHaltOutput {
			// Only the signal that raises the latch schedules the machine.
			barge := live.machine.BargeIn()
			wasRaised := barge.Raised()
			if barge.Signal() && !wasRaised {
				m.enqueue(ctx, live, turn.BargeInEvent{})
			}
			return
		}
		m.enqueue(ctx, live, turn.ControlEvent{Action: msg.Action})
	case protocol.TextInput:
		m.enqueue(ctx, live, turn.InputEvent{Text: msg.Text})
	case protocol.Transcript:
		m.enqueue(ctx, live, turn.TranscriptEvent{Text: msg.Text, Final: msg.Final})
	case protocol.AudioFrame:
		m.enqueue(ctx, live, turn.AudioEvent{Data: msg.Data})
	case protocol.ProposalDecision:
		m.enqueue(ctx, live, turn.DecisionEvent{Kind: protocol.TypeProposalDecision, Decisions: msg.Decisions})
	case protocol.CommandDecision:
		m.enqueue(ctx, live, turn.DecisionEvent{Kind: protocol.TypeCommandDecision, Decisions: msg.Decisions})
	case protocol.SessionInit:
		live.emitError(errAlreadyStarted)
	default:
		live.emitError(fmt.Errorf("%w: %s is not accepted from clients", protocol.ErrMalformedMessage, msg.MessageType()))
	}
}

func (m *Manager) enqueue(ctx context.Context, live *liveSession, ev turn.Event) {
	if err := m.scheduler.Enqueue(ctx, live.id, ev); err != nil {
		live.emitError(fmt.Errorf("%w: %v", turn.ErrSessionBusy, err))
	}
}

func (m *Manager) handleEvent(ctx context.Context, sessionID string, ev turn.Event) {
	live := m.lookup(sessionID)
	if live == nil {
		m.logger.Printf("dropping event for disconnected session session_id=%s event=%T", sessionID, ev)
		return
	}
	live.machine.Handle(ctx, ev)
}

func (m *Manager) lookup(sessionID string) *liveSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[sessionID]
}

func (m *Manager) runJob(ctx context.Context, job jobs.Job) (json.RawMessage, error) {
	live := m.lookup(job.SessionID)
	if live == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, job.SessionID)
	}
	return live.Call(ctx, job.ToolName, job.Payload)
}

func (m *Manager) jobStarted(job jobs.Job) {
	live := m.lookup(job.SessionID)
	if live == nil {
		return
	}
	if err := live.Emit(protocol.BackgroundJobStart{JobID: job.ID, ToolName: job.ToolName}); err != nil {
		m.logger.Printf("emit job start failed session_id=%s job_id=%s err=%v", job.SessionID, job.ID, err)
	}
}

// jobMetrics is implemented by metrics sinks that also track background jobs.
type jobMetrics interface {
	JobCompleted(ctx context.Context, job jobs.Job)
}

// jobCompleted reports a terminal job to the client and hands it to the
// session's machine as its next event.
func (m *Manager) jobCompleted(job jobs.Job) {
	if jm, ok := m.metrics.(jobMetrics); ok {
		jm.JobCompleted(context.Background(), job)
	}
	live := m.lookup(job.SessionID)
	if live == nil {
		m.logger.Printf("job finished after disconnect session_id=%s job_id=%s status=%s", job.SessionID, job.ID, job.Status)
		return
	}
	if err := live.Emit(protocol.BackgroundJobComplete{
		JobID:    job.ID,
		ToolName: job.ToolName,
		Status:   job.Status,
		Result:   job.Result,
		Error:    job.Error,
	}); err != nil {
		m.logger.Printf("emit job complete failed session_id=%s job_id=%s err=%v", job.SessionID, job.ID, err)
	}
	live.publish(events.TypeJobCompleted, map[string]any{
		"job_id":    job.ID,
		"tool_name": job.ToolName,
		"status":    job.Status,
	})
	if err := m.scheduler.Enqueue(context.Background(), job.SessionID, turn.JobEvent{Job: job}); err != nil {
		m.logger.Printf("job result not scheduled session_id=%s job_id=%s err=%v", job.SessionID, job.ID, err)
	}
}

func (m *Manager) reject(conn Conn, sessionID string, err error) {
	data, encErr := protocol.Encode(protocol.ErrorFromErr(sessionID, err))
	if encErr == nil {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	_ = conn.Close()
	m.logger.Printf("session rejected session_id=%s err=%v", sessionID, err)
}

func (s *liveSession) emitError(err error) {
	if emitErr := s.Emit(protocol.ErrorFromErr(s.id, err)); emitErr != nil {
		s.logger.Printf("emit error failed session_id=%s err=%v", s.id, emitErr)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
