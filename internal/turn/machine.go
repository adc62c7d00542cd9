package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"crabstack.local/projects/crab-orchestrator/internal/approval"
	"crabstack.local/projects/crab-orchestrator/internal/bargein"
	"crabstack.local/projects/crab-orchestrator/internal/ids"
	"crabstack.local/projects/crab-orchestrator/internal/jobs"
	"crabstack.local/projects/crab-orchestrator/internal/ledger"
	"crabstack.local/projects/crab-orchestrator/internal/pending"
	"crabstack.local/projects/crab-orchestrator/internal/policy"
	"crabstack.local/projects/crab-orchestrator/internal/protocol"
)

const (
	DefaultMaxSteps        = 10
	DefaultMaxQueuedInputs = 16
	outputSummaryLen       = 280
)

var (
	ErrInvalidTransition = protocol.NewSentinel(protocol.CodeInternal, "invalid turn transition", true)
	ErrReasoningFailed   = protocol.NewSentinel(protocol.CodeReasoningFailed, "reasoning failed", true)
	ErrStepLimit         = protocol.NewSentinel(protocol.CodeReasoningFailed, "turn exceeded step limit", true)
	ErrSessionBusy       = protocol.NewSentinel(protocol.CodeSessionBusy, "session busy", true)
	ErrNotSuspended      = errors.New("checkpoint is not suspended on approval")
)

type Config struct {
	SessionID   string
	ProjectID   string
	ProjectRoot string
	Domain      string
	Policy      policy.Session
	// LastOrdinal is the highest turn ordinal already recorded for the session.
	LastOrdinal     int64
	MaxSteps        int
	MaxQueuedInputs int
}

type Dependencies struct {
	Engine      Engine
	Emitter     Emitter
	Dispatcher  Dispatcher
	Jobs        JobQueue
	Recorder    Recorder
	Transcriber Transcriber
	Metrics     Metrics
	Gate        *approval.Gate
	BargeIn     *bargein.Controller
	Ledger      *ledger.Ledger
}

type Snapshot struct {
	SessionID      string           `json:"session_id"`
	State          State            `json:"state"`
	TurnID         string           `json:"turn_id,omitempty"`
	TurnOrdinal    int64            `json:"turn_ordinal"`
	QueuedInputs   int              `json:"queued_inputs"`
	PendingBatches []approval.Batch `json:"pending_batches,omitempty"`
}

type activeTurn struct {
	ref          TurnRef
	input        string
	steps        int
	interrupted  bool
	output       string
	startedAt    time.Time
	lastNode     string
	approvalNode string
	outstanding  map[string]struct{}
	waiting      bool
	checkpointed bool
}

type trackedJob struct {
	nodeID string
	callID string
}

// Machine drives one session's turns. Handle must be called from a single
// goroutine; Snapshot may be called from anywhere.
type Machine struct {
	logger      *log.Logger
	cfg         Config
	engine      Engine
	emitter     Emitter
	dispatcher  Dispatcher
	jobs        JobQueue
	recorder    Recorder
	transcriber Transcriber
	metrics     Metrics
	gate        *approval.Gate
	barge       *bargein.Controller
	ledger      *ledger.Ledger
	now         func() time.Time

	mu          sync.Mutex
	state       State
	turn        *activeTurn
	lastOrdinal int64
	inputs      []string

	observations []Observation
	tracked      map[string]trackedJob
}

func NewMachine(logger *log.Logger, cfg Config, deps Dependencies) *Machine {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.MaxQueuedInputs <= 0 {
		cfg.MaxQueuedInputs = DefaultMaxQueuedInputs
	}
	m := &Machine{
		logger:      logger,
		cfg:         cfg,
		engine:      deps.Engine,
		emitter:     deps.Emitter,
		dispatcher:  deps.Dispatcher,
		jobs:        deps.Jobs,
		recorder:    deps.Recorder,
		transcriber: deps.Transcriber,
		metrics:     deps.Metrics,
		gate:        deps.Gate,
		barge:       deps.BargeIn,
		ledger:      deps.Ledger,
		now:         time.Now,
		state:       StateIdle,
		lastOrdinal: cfg.LastOrdinal,
		tracked:     make(map[string]trackedJob),
	}
	if m.metrics == nil {
		m.metrics = noopMetrics{}
	}
	if m.recorder == nil {
		m.recorder = &countingRecorder{next: cfg.LastOrdinal}
	}
	if m.gate == nil {
		m.gate = approval.NewGate(logger)
	}
	if m.barge == nil {
		m.barge = bargein.NewController(logger)
	}
	if m.ledger == nil {
		m.ledger = ledger.New(cfg.SessionID)
	}
	return m
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) BargeIn() *bargein.Controller {
	return m.barge
}

func (m *Machine) Ledger() *ledger.Ledger {
	return m.ledger
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	snap := Snapshot{
		SessionID:    m.cfg.SessionID,
		State:        m.state,
		TurnOrdinal:  m.lastOrdinal,
		QueuedInputs: len(m.inputs),
	}
	if m.turn != nil {
		snap.TurnID = m.turn.ref.ID
	}
	m.mu.Unlock()
	snap.PendingBatches = m.gate.Pending()
	return snap
}

// Handle processes one event to completion, including any reasoning it
// triggers, then starts queued input if the machine is free.
func (m *Machine) Handle(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case InputEvent:
		m.acceptInput(ctx, e.Text)
	case TranscriptEvent:
		if e.Final {
			m.acceptInput(ctx, e.Text)
		}
	case AudioEvent:
		m.handleAudio(ctx, e.Data)
	case DecisionEvent:
		m.handleDecisions(ctx, e.Kind, e.Decisions)
	case ControlEvent:
		m.handleControl(ctx, e.Action)
	case BargeInEvent:
		m.handleBargeIn(ctx)
	case JobEvent:
		m.handleJob(ctx, e.Job)
	default:
		m.logger.Printf("unhandled turn event session_id=%s event=%T", m.cfg.SessionID, ev)
	}
	m.drainInputs(ctx)
}

func (m *Machine) acceptInput(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		if m.State() == StateAwaitingTranscript && m.currentTurn() == nil {
			m.moveTo(ctx, StateIdle)
		}
		return
	}

	m.mu.Lock()
	if len(m.inputs) >= m.cfg.MaxQueuedInputs {
		queued := len(m.inputs)
		m.mu.Unlock()
		m.emitError(fmt.Errorf("%w: %d inputs already queued", ErrSessionBusy, queued))
		return
	}
	m.inputs = append(m.inputs, text)
	state := m.state
	busy := m.turn != nil && state.Active()
	m.mu.Unlock()

	switch {
	case state == StateSpeaking:
		m.completeTurn(ctx)
	case busy:
		m.logger.Printf("input queued session_id=%s state=%s", m.cfg.SessionID, state)
	}
}

func (m *Machine) drainInputs(ctx context.Context) {
	for {
		m.mu.Lock()
		free := m.turn == nil && (m.state == StateIdle || m.state == StateAwaitingTranscript)
		if !free || len(m.inputs) == 0 {
			m.mu.Unlock()
			return
		}
		next := m.inputs[0]
		m.inputs = m.inputs[1:]
		m.mu.Unlock()

		m.startTurn(ctx, next)
	}
}

func (m *Machine) handleAudio(ctx context.Context, frame []byte) {
	if m.transcriber != nil {
		if err := m.transcriber.Feed(ctx, m.cfg.SessionID, frame); err != nil {
			m.logger.Printf("transcriber feed failed session_id=%s err=%v", m.cfg.SessionID, err)
		}
	}
	if m.State() == StateIdle && m.currentTurn() == nil {
		m.moveTo(ctx, StateAwaitingTranscript)
	}
}

func (m *Machine) startTurn(ctx context.Context, input string) {
	if m.State() == StateIdle {
		if !m.moveTo(ctx, StateAwaitingTranscript) {
			return
		}
	}

	ref, err := m.recorder.StartTurn(ctx, m.cfg.SessionID, input, PromptHash(input))
	if err == nil && ref.Ordinal <= m.lastOrdinalValue() {
		err = fmt.Errorf("turn ordinal %d does not advance past %d", ref.Ordinal, m.lastOrdinalValue())
	}
	if err != nil {
		m.logger.Printf("start turn failed session_id=%s err=%v", m.cfg.SessionID, err)
		m.emitError(fmt.Errorf("start turn: %w", err))
		m.moveTo(ctx, StateIdle)
		return
	}

	t := &activeTurn{
		ref:         ref,
		input:       input,
		startedAt:   m.now().UTC(),
		outstanding: make(map[string]struct{}),
	}
	m.mu.Lock()
	m.turn = t
	m.lastOrdinal = ref.Ordinal
	m.mu.Unlock()

	m.logger.Printf("turn started session_id=%s turn=%d turn_id=%s", m.cfg.SessionID, ref.Ordinal, ref.ID)
	m.metrics.TurnStarted(ctx)
	m.barge.Reset()
	m.emit(protocol.LedgerClear{})
	routing := m.startNode(ctx, t, "routing", m.cfg.Domain)
	m.completeNode(ctx, routing, "")
	t.lastNode = routing.ID

	if !m.moveTo(ctx, StateReasoning) {
		return
	}
	m.reason(ctx)
}

// reason runs engine steps until the turn speaks, suspends, waits on jobs,
// ends, or fails.
func (m *Machine) reason(ctx context.Context) {
	for {
		t := m.currentTurn()
		if t == nil || ctx.Err() != nil {
			return
		}
		if t.steps >= m.cfg.MaxSteps {
			m.fail(ctx, fmt.Errorf("%w: %d steps", ErrStepLimit, t.steps))
			return
		}
		t.steps++

		node := m.startNode(ctx, t, "reasoning", fmt.Sprintf("step %d", t.steps))
		observations := m.observations
		m.observations = nil
		started := m.now()
		res, err := m.engine.Step(ctx, StepRequest{
			SessionID:    m.cfg.SessionID,
			ProjectID:    m.cfg.ProjectID,
			ProjectRoot:  m.cfg.ProjectRoot,
			Domain:       m.cfg.Domain,
			TurnID:       t.ref.ID,
			TurnOrdinal:  t.ref.Ordinal,
			Step:         t.steps,
			Input:        t.input,
			Observations: observations,
			Interrupted:  t.interrupted,
		})
		if err != nil {
			m.observations = append(observations, m.observations...)
			if ctx.Err() != nil {
				// The session is going away; Detach settles the turn.
				m.failNode(context.WithoutCancel(ctx), node, err.Error())
				m.logger.Printf("step abandoned session_id=%s turn=%d err=%v", m.cfg.SessionID, t.ref.Ordinal, err)
				return
			}
			m.failNode(ctx, node, err.Error())
			m.fail(ctx, fmt.Errorf("%w: %v", ErrReasoningFailed, err))
			return
		}
		m.acknowledgeJobs(observations)
		t.interrupted = false
		m.metrics.StepCompleted(ctx, m.now().Sub(started))
		m.completeNode(ctx, node, summarizeStep(res))
		t.lastNode = node.ID

		items := make([]approval.Item, 0, len(res.Proposals)+len(res.Commands))
		items = append(items, m.proposalItems(res.Proposals)...)
		items = append(items, m.commandItems(res.Commands)...)
		direct := make([]ToolCall, 0, len(res.ToolCalls))
		for _, call := range res.ToolCalls {
			if call.ID == "" {
				call.ID = ids.Prefixed("call")
			}
			if m.cfg.Policy.Route(call.Method) == policy.RouteApproval {
				items = append(items, m.toolCallItem(call))
				continue
			}
			direct = append(direct, call)
		}

		if len(direct) > 0 {
			if !m.moveTo(ctx, StateDispatchingAction) {
				return
			}
			for _, call := range direct {
				if err := m.dispatch(ctx, t, call); err != nil {
					m.fail(ctx, err)
					return
				}
			}
			if !m.moveTo(ctx, StateReasoning) {
				return
			}
		}
		if len(items) > 0 {
			m.suspend(ctx, t, items)
			return
		}
		if len(direct) > 0 {
			continue
		}
		if text := strings.TrimSpace(res.Text); text != "" && !res.Yield {
			m.speak(ctx, t, text)
			return
		}
		if len(t.outstanding) > 0 {
			t.waiting = true
			m.logger.Printf("turn waiting on jobs session_id=%s turn=%d jobs=%d", m.cfg.SessionID, t.ref.Ordinal, len(t.outstanding))
			return
		}
		m.endTurn(ctx, OutcomeCompleted, "")
		return
	}
}

// dispatch runs a tool call that needs no approval. Only errors that end the
// turn are returned; other failures become observations.
func (m *Machine) dispatch(ctx context.Context, t *activeTurn, call ToolCall) error {
	node := m.startNode(ctx, t, "dispatch", call.Method)

	if call.Synchronous || m.cfg.Policy.Synchronous(call.Method) {
		result, err := m.dispatcher.Call(ctx, call.Method, call.Params)
		if err != nil {
			m.failNode(ctx, node, err.Error())
			if errors.Is(err, pending.ErrTimeout) || errors.Is(err, protocol.ErrTransportLost) {
				return fmt.Errorf("dispatch %s: %w", call.Method, err)
			}
			m.observe(Observation{Kind: ObservationError, CallID: call.ID, ToolName: call.Method, Error: err.Error()})
			return nil
		}
		m.completeNode(ctx, node, string(result))
		m.observe(Observation{Kind: ObservationResult, CallID: call.ID, ToolName: call.Method, Content: result})
		return nil
	}

	jobID, err := m.jobs.Enqueue(jobs.Request{
		SessionID: m.cfg.SessionID,
		ToolName:  call.Method,
		Payload:   call.Params,
		Timeout:   protocol.CallTimeout(call.Method, call.Params, 0),
	})
	if err != nil {
		m.failNode(ctx, node, err.Error())
		m.observe(Observation{Kind: ObservationError, CallID: call.ID, ToolName: call.Method, Error: err.Error()})
		return nil
	}
	m.track(t, jobID, node.ID, call.ID)
	m.observe(Observation{Kind: ObservationAck, CallID: call.ID, ToolName: call.Method, JobID: jobID})
	m.emit(protocol.ToolAck{CallID: call.ID, ToolName: call.Method, JobID: jobID, Status: protocol.ToolAckAcknowledged})
	return nil
}

func (m *Machine) suspend(ctx context.Context, t *activeTurn, items []approval.Item) {
	batch, err := m.gate.Submit("", t.ref.Ordinal, items)
	if err != nil {
		m.fail(ctx, fmt.Errorf("submit approval batch: %w", err))
		return
	}
	node := m.startNode(ctx, t, "approval", fmt.Sprintf("%d item(s) awaiting decision", len(batch.Items)))
	t.approvalNode = node.ID
	if !m.moveTo(ctx, StateAwaitingApproval) {
		return
	}
	for _, item := range batch.Items {
		m.emit(itemMessage(batch.ID, item))
		if item.Kind == approval.KindToolCall {
			m.observe(Observation{Kind: ObservationAck, CallID: item.ID, ItemID: item.ID, ToolName: item.Method})
			m.emit(protocol.ToolAck{CallID: item.ID, ToolName: item.Method, Status: protocol.ToolAckAwaitingApproval})
		}
	}
	m.saveCheckpoint(ctx, t)
}

func (m *Machine) handleDecisions(ctx context.Context, kind protocol.MessageType, decisions []protocol.Decision) {
	out := m.gate.Decide(decisions, decisionKinds(kind)...)
	for _, itemErr := range out.Errors {
		m.emitError(itemErr)
	}

	t := m.currentTurn()
	if len(out.Released) == 0 {
		if len(out.Applied) > 0 && t != nil && m.State() == StateAwaitingApproval {
			m.saveCheckpoint(ctx, t)
		}
		return
	}
	if t == nil || m.State() != StateAwaitingApproval {
		m.logger.Printf("defect: batch released outside approval session_id=%s state=%s", m.cfg.SessionID, m.State())
		return
	}

	if !m.moveTo(ctx, StateDispatchingAction) {
		return
	}
	for _, batch := range out.Released {
		m.release(ctx, t, batch)
	}
	m.deleteCheckpoint(ctx, t)
	if !m.moveTo(ctx, StateReasoning) {
		return
	}
	m.reason(ctx)
}

// decisionKinds maps a decision message to the item kinds it may decide.
// Tool calls held for approval are announced as command proposals.
func decisionKinds(kind protocol.MessageType) []approval.Kind {
	switch kind {
	case protocol.TypeProposalDecision:
		return []approval.Kind{approval.KindProposal}
	case protocol.TypeCommandDecision:
		return []approval.Kind{approval.KindCommand, approval.KindToolCall}
	}
	return nil
}

// release dispatches approved items on one lane so they run in submission
// order, and reports rejected items as denials.
func (m *Machine) release(ctx context.Context, t *activeTurn, batch approval.Batch) {
	approved, rejected := 0, 0
	for _, item := range batch.Items {
		switch item.Status {
		case protocol.DecisionApproved:
			approved++
			node := m.startNode(ctx, t, "dispatch", item.Method, t.approvalNode)
			jobID, err := m.jobs.Enqueue(jobs.Request{
				SessionID: m.cfg.SessionID,
				ToolName:  item.Method,
				Payload:   item.Params,
				Lane:      batch.ID,
				Timeout:   protocol.CallTimeout(item.Method, item.Params, 0),
			})
			if err != nil {
				m.failNode(ctx, node, err.Error())
				m.observe(Observation{Kind: ObservationError, CallID: item.ID, ItemID: item.ID, ToolName: item.Method, Error: err.Error()})
				continue
			}
			m.track(t, jobID, node.ID, item.ID)
			m.observe(Observation{Kind: ObservationApproval, CallID: item.ID, ItemID: item.ID, ToolName: item.Method, JobID: jobID})
		case protocol.DecisionRejected:
			rejected++
			m.observe(Observation{Kind: ObservationDenial, CallID: item.ID, ItemID: item.ID, ToolName: item.Method})
		}
	}
	if node, ok := m.ledger.Get(t.approvalNode); ok {
		m.completeNode(ctx, node, fmt.Sprintf("approved=%d rejected=%d", approved, rejected))
	}
	m.metrics.BatchReleased(ctx, approved, rejected)
	m.logger.Printf("approval batch released session_id=%s batch_id=%s approved=%d rejected=%d", m.cfg.SessionID, batch.ID, approved, rejected)
}

func (m *Machine) handleControl(ctx context.Context, action protocol.ControlAction) {
	switch action {
	case protocol.ControlHaltOutput:
		m.handleBargeIn(ctx)
	case protocol.ControlOutputStarted:
		m.barge.OutputStarted()
	case protocol.ControlOutputEnded, protocol.ControlTurnEnded:
		m.barge.OutputEnded()
		if m.State() == StateSpeaking {
			m.completeTurn(ctx)
		}
	}
}

func (m *Machine) handleBargeIn(ctx context.Context) {
	if !m.barge.Take() {
		return
	}
	t := m.currentTurn()
	if m.State() != StateSpeaking || t == nil {
		return
	}
	if !m.moveTo(ctx, StateInterrupted) {
		return
	}
	t.output = ""
	t.interrupted = true
	node := m.startNode(ctx, t, "interrupted", "output halted by user")
	m.completeNode(ctx, node, "")
	t.lastNode = node.ID
	m.observe(Observation{Kind: ObservationInterrupted})
	if !m.moveTo(ctx, StateReasoning) {
		return
	}
	m.reason(ctx)
}

func (m *Machine) handleJob(ctx context.Context, job jobs.Job) {
	ref, known := m.tracked[job.ID]
	if !known {
		m.logger.Printf("dropping result for untracked job session_id=%s job_id=%s status=%s", m.cfg.SessionID, job.ID, job.Status)
		m.jobs.Acknowledge(job.ID)
		return
	}
	delete(m.tracked, job.ID)

	obs := Observation{CallID: ref.callID, ToolName: job.ToolName, JobID: job.ID}
	if job.Status == protocol.JobCompleted {
		obs.Kind = ObservationResult
		obs.Content = job.Result
	} else {
		obs.Kind = ObservationError
		obs.Error = job.Error
	}
	m.observe(obs)

	if node, ok := m.ledger.Get(ref.nodeID); ok {
		if obs.Kind == ObservationResult {
			m.completeNode(ctx, node, string(job.Result))
		} else {
			m.failNode(ctx, node, job.Error)
		}
	}

	t := m.currentTurn()
	if t == nil {
		return
	}
	delete(t.outstanding, job.ID)
	if t.waiting && len(t.outstanding) == 0 && m.State() == StateReasoning {
		t.waiting = false
		m.reason(ctx)
	}
}

func (m *Machine) speak(ctx context.Context, t *activeTurn, text string) {
	if !m.moveTo(ctx, StateSpeaking) {
		return
	}
	t.output = text
	m.barge.OutputStarted()
	m.emit(protocol.AgentResponse{TurnID: t.ref.ID, TurnOrdinal: t.ref.Ordinal, Text: text})
}

func (m *Machine) completeTurn(ctx context.Context) {
	t := m.currentTurn()
	if t == nil {
		return
	}
	m.endTurn(ctx, OutcomeCompleted, t.output)
}

func (m *Machine) endTurn(ctx context.Context, outcome Outcome, output string) {
	t := m.currentTurn()
	if t != nil {
		if err := m.recorder.FinishTurn(ctx, t.ref.ID, outcome, summarize(output)); err != nil {
			m.logger.Printf("finish turn failed session_id=%s turn=%d err=%v", m.cfg.SessionID, t.ref.Ordinal, err)
		}
		m.deleteCheckpoint(ctx, t)
		m.metrics.TurnEnded(ctx, outcome, m.now().Sub(t.startedAt))
		m.logger.Printf("turn ended session_id=%s turn=%d outcome=%s steps=%d", m.cfg.SessionID, t.ref.Ordinal, outcome, t.steps)
	}
	m.barge.Reset()
	m.observations = carryJobResults(m.observations)
	m.moveTo(ctx, StateIdle)
	m.setTurn(nil)
}

// fail surfaces err, ends the current turn as failed and returns to idle.
// The session stays usable.
func (m *Machine) fail(ctx context.Context, err error) {
	t := m.currentTurn()
	ordinal := m.lastOrdinalValue()
	m.logger.Printf("turn failed session_id=%s turn=%d err=%v", m.cfg.SessionID, ordinal, err)
	m.emitError(err)

	if t != nil {
		node := m.startNode(ctx, t, "failure", "")
		m.failNode(ctx, node, err.Error())
	}
	if m.State() != StateFailed {
		_ = m.transition(StateFailed)
	}
	m.gate.Clear()
	m.endTurn(ctx, OutcomeFailed, err.Error())
}

// Detach is called after transport loss, once no more events will be
// handled. It reports whether a turn was in progress. A turn suspended on
// approval keeps its checkpoint so a reconnect can resume it.
func (m *Machine) Detach(ctx context.Context) bool {
	t := m.currentTurn()
	if t == nil {
		return false
	}
	switch m.State() {
	case StateAwaitingApproval:
		m.saveCheckpoint(ctx, t)
		return true
	case StateSpeaking:
		m.completeTurn(ctx)
		return false
	}
	_ = m.transition(StateFailed)
	if err := m.recorder.FinishTurn(ctx, t.ref.ID, OutcomeFailed, "transport lost"); err != nil {
		m.logger.Printf("finish turn failed session_id=%s turn=%d err=%v", m.cfg.SessionID, t.ref.Ordinal, err)
	}
	m.metrics.TurnEnded(ctx, OutcomeFailed, m.now().Sub(t.startedAt))
	m.setTurn(nil)
	return true
}

// Restore resumes a turn suspended on approval and re-emits its pending items.
func (m *Machine) Restore(ctx context.Context, cp Checkpoint) error {
	if cp.State != StateAwaitingApproval {
		return fmt.Errorf("%w: state %s", ErrNotSuspended, cp.State)
	}
	if len(cp.Batches) == 0 {
		return fmt.Errorf("%w: no pending batches", ErrNotSuspended)
	}
	if err := m.gate.Restore(cp.Batches); err != nil {
		return fmt.Errorf("restore approval gate: %w", err)
	}

	t := &activeTurn{
		ref:          TurnRef{ID: cp.TurnID, Ordinal: cp.TurnOrdinal},
		input:        cp.Input,
		steps:        cp.Steps,
		interrupted:  cp.Interrupted,
		startedAt:    cp.StartedAt,
		outstanding:  make(map[string]struct{}),
		checkpointed: true,
	}
	m.mu.Lock()
	m.turn = t
	m.state = StateAwaitingApproval
	if cp.TurnOrdinal > m.lastOrdinal {
		m.lastOrdinal = cp.TurnOrdinal
	}
	m.mu.Unlock()
	m.observations = append([]Observation(nil), cp.Observations...)

	node := m.startNode(ctx, t, "approval", "resumed after reconnect")
	t.approvalNode = node.ID
	t.lastNode = node.ID
	m.emit(protocol.TurnStatus{State: string(StateAwaitingApproval), TurnID: t.ref.ID, TurnOrdinal: t.ref.Ordinal})
	for _, batch := range cp.Batches {
		for _, item := range batch.Items {
			if item.Status == protocol.DecisionPending {
				m.emit(itemMessage(batch.ID, item))
			}
		}
	}
	m.saveCheckpoint(ctx, t)
	m.logger.Printf("turn resumed session_id=%s turn=%d batches=%d", m.cfg.SessionID, t.ref.Ordinal, len(cp.Batches))
	return nil
}

func (m *Machine) transition(to State) error {
	m.mu.Lock()
	from := m.state
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return &transitionError{from: from, to: to}
	}
	m.state = to
	status := protocol.TurnStatus{State: string(to), TurnOrdinal: m.lastOrdinal}
	if m.turn != nil {
		status.TurnID = m.turn.ref.ID
	}
	m.mu.Unlock()

	m.logger.Printf("turn transition session_id=%s turn=%d from=%s to=%s", m.cfg.SessionID, status.TurnOrdinal, from, to)
	m.emit(status)
	return nil
}

func (m *Machine) moveTo(ctx context.Context, to State) bool {
	if err := m.transition(to); err != nil {
		m.fail(ctx, err)
		return false
	}
	return true
}

func (m *Machine) currentTurn() *activeTurn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turn
}

func (m *Machine) setTurn(t *activeTurn) {
	m.mu.Lock()
	m.turn = t
	m.mu.Unlock()
}

func (m *Machine) lastOrdinalValue() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastOrdinal
}

func (m *Machine) observe(obs Observation) {
	m.observations = append(m.observations, obs)
}

func (m *Machine) track(t *activeTurn, jobID, nodeID, callID string) {
	m.tracked[jobID] = trackedJob{nodeID: nodeID, callID: callID}
	t.outstanding[jobID] = struct{}{}
}

// carryJobResults keeps background results that arrived too late for the
// turn that started them. They belong to the session and reach the next turn.
func carryJobResults(observations []Observation) []Observation {
	var kept []Observation
	for _, obs := range observations {
		if obs.JobID != "" && (obs.Kind == ObservationResult || obs.Kind == ObservationError) {
			kept = append(kept, obs)
		}
	}
	return kept
}

func (m *Machine) acknowledgeJobs(observations []Observation) {
	for _, obs := range observations {
		if obs.JobID == "" || (obs.Kind != ObservationResult && obs.Kind != ObservationError) {
			continue
		}
		m.jobs.Acknowledge(obs.JobID)
	}
}

func (m *Machine) saveCheckpoint(ctx context.Context, t *activeTurn) {
	cp := Checkpoint{
		SessionID:    m.cfg.SessionID,
		TurnID:       t.ref.ID,
		TurnOrdinal:  t.ref.Ordinal,
		State:        m.State(),
		Input:        t.input,
		Steps:        t.steps,
		Batches:      m.gate.Snapshot(),
		Observations: append([]Observation(nil), m.observations...),
		Interrupted:  t.interrupted,
		StartedAt:    t.startedAt,
		UpdatedAt:    m.now().UTC(),
	}
	if err := m.recorder.SaveCheckpoint(ctx, cp); err != nil {
		m.logger.Printf("save checkpoint failed session_id=%s turn=%d err=%v", m.cfg.SessionID, t.ref.Ordinal, err)
		return
	}
	t.checkpointed = true
}

func (m *Machine) deleteCheckpoint(ctx context.Context, t *activeTurn) {
	if !t.checkpointed {
		return
	}
	if err := m.recorder.DeleteCheckpoint(ctx, m.cfg.SessionID); err != nil {
		m.logger.Printf("delete checkpoint failed session_id=%s err=%v", m.cfg.SessionID, err)
		return
	}
	t.checkpointed = false
}

func (m *Machine) startNode(ctx context.Context, t *activeTurn, title, description string, parents ...string) ledger.Node {
	if len(parents) == 0 && t.lastNode != "" {
		parents = []string{t.lastNode}
	}
	node, err := m.ledger.Append(t.ref.Ordinal, title, description, parents...)
	if err != nil {
		m.logger.Printf("ledger append failed session_id=%s title=%s err=%v", m.cfg.SessionID, title, err)
		return ledger.Node{}
	}
	if started, err := m.ledger.Start(node.ID); err == nil {
		node = started
	}
	m.publish(ctx, node)
	return node
}

func (m *Machine) completeNode(ctx context.Context, node ledger.Node, output string) {
	if node.ID == "" {
		return
	}
	done, err := m.ledger.Complete(node.ID, output)
	if err != nil {
		m.logger.Printf("ledger complete failed session_id=%s node=%s err=%v", m.cfg.SessionID, node.ID, err)
		return
	}
	m.publish(ctx, done)
}

func (m *Machine) failNode(ctx context.Context, node ledger.Node, output string) {
	if node.ID == "" {
		return
	}
	failed, err := m.ledger.Fail(node.ID, output)
	if err != nil {
		m.logger.Printf("ledger fail failed session_id=%s node=%s err=%v", m.cfg.SessionID, node.ID, err)
		return
	}
	m.publish(ctx, failed)
}

func (m *Machine) publish(ctx context.Context, nodes ...ledger.Node) {
	m.emit(protocol.LedgerUpdate{Domain: m.cfg.Domain, Nodes: ledger.Wire(nodes)})
	if err := m.recorder.SaveLedgerNodes(ctx, nodes); err != nil {
		m.logger.Printf("persist ledger nodes failed session_id=%s err=%v", m.cfg.SessionID, err)
	}
}

func (m *Machine) emit(msg protocol.Message) {
	if m.emitter == nil {
		return
	}
	if err := m.emitter.Emit(msg); err != nil {
		m.logger.Printf("emit failed session_id=%s type=%s err=%v", m.cfg.SessionID, msg.MessageType(), err)
	}
}

func (m *Machine) emitError(err error) {
	m.emit(protocol.ErrorFromErr(m.cfg.SessionID, err))
}

func (m *Machine) proposalItems(proposals []ProposedChange) []approval.Item {
	items := make([]approval.Item, 0, len(proposals))
	for _, p := range proposals {
		id := p.ID
		if id == "" {
			id = ids.Prefixed("prop")
		}
		params, _ := json.Marshal(protocol.WriteFileParams{
			FilePath:    p.Target,
			Content:     p.Content,
			ProjectRoot: m.cfg.ProjectRoot,
			Diff:        p.Diff,
		})
		items = append(items, approval.Item{
			ID:          id,
			Kind:        approval.KindProposal,
			Method:      protocol.MethodWriteFile,
			Params:      params,
			Description: p.Description,
			Risk:        protocol.RiskLow,
		})
	}
	return items
}

func (m *Machine) commandItems(commands []ProposedCommand) []approval.Item {
	items := make([]approval.Item, 0, len(commands))
	for _, c := range commands {
		id := c.ID
		if id == "" {
			id = ids.Prefixed("cmd")
		}
		risk := c.Risk
		if risk != protocol.RiskHigh {
			risk = m.cfg.Policy.CommandRisk(c.Command)
		}
		params, _ := json.Marshal(protocol.ExecuteCommandParams{
			Command:     c.Command,
			ProjectPath: m.cfg.ProjectRoot,
		})
		items = append(items, approval.Item{
			ID:          id,
			Kind:        approval.KindCommand,
			Method:      protocol.MethodExecuteCommand,
			Params:      params,
			Description: c.Description,
			Risk:        risk,
		})
	}
	return items
}

func (m *Machine) toolCallItem(call ToolCall) approval.Item {
	risk := protocol.RiskLow
	if call.Method == protocol.MethodExecuteCommand {
		var params protocol.ExecuteCommandParams
		if err := json.Unmarshal(call.Params, &params); err == nil {
			risk = m.cfg.Policy.CommandRisk(params.Command)
		}
	}
	return approval.Item{
		ID:          call.ID,
		Kind:        approval.KindToolCall,
		Method:      call.Method,
		Params:      call.Params,
		Description: "tool call " + call.Method,
		Risk:        risk,
	}
}

func itemMessage(batchID string, item approval.Item) protocol.Message {
	switch item.Kind {
	case approval.KindProposal:
		var params protocol.WriteFileParams
		_ = json.Unmarshal(item.Params, &params)
		return protocol.Proposal{
			ProposalID:  item.ID,
			BatchID:     batchID,
			Action:      "write_file",
			Target:      params.FilePath,
			Content:     params.Content,
			Diff:        params.Diff,
			Description: item.Description,
		}
	case approval.KindCommand:
		var params protocol.ExecuteCommandParams
		_ = json.Unmarshal(item.Params, &params)
		return protocol.CommandProposal{
			CommandID:   item.ID,
			BatchID:     batchID,
			Command:     params.Command,
			Description: item.Description,
			Risk:        item.Risk,
		}
	default:
		command := item.Method
		var params protocol.ExecuteCommandParams
		if item.Method == protocol.MethodExecuteCommand && json.Unmarshal(item.Params, &params) == nil && params.Command != "" {
			command = params.Command
		} else if len(item.Params) > 0 {
			command += " " + string(item.Params)
		}
		return protocol.CommandProposal{
			CommandID:   item.ID,
			BatchID:     batchID,
			Command:     command,
			Description: item.Description,
			Risk:        item.Risk,
		}
	}
}

func summarizeStep(res StepResult) string {
	if res.empty() {
		if res.Yield || strings.TrimSpace(res.Text) == "" {
			return "yield"
		}
		return "final response"
	}
	return fmt.Sprintf("tool_calls=%d proposals=%d commands=%d", len(res.ToolCalls), len(res.Proposals), len(res.Commands))
}

func summarize(output string) string {
	runes := []rune(strings.TrimSpace(output))
	if len(runes) <= outputSummaryLen {
		return string(runes)
	}
	return string(runes[:outputSummaryLen]) + "..."
}

// countingRecorder is used when no persistent recorder is configured.
type countingRecorder struct {
	mu   sync.Mutex
	next int64
}

func (r *countingRecorder) StartTurn(context.Context, string, string, string) (TurnRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	return TurnRef{ID: ids.Prefixed("turn"), Ordinal: r.next}, nil
}

func (r *countingRecorder) FinishTurn(context.Context, string, Outcome, string) error {
	return nil
}

func (r *countingRecorder) SaveCheckpoint(context.Context, Checkpoint) error {
	return nil
}

func (r *countingRecorder) DeleteCheckpoint(context.Context, string) error {
	return nil
}

func (r *countingRecorder) SaveLedgerNodes(context.Context, []ledger.Node) error {
	return nil
}
