package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"crabstack.local/projects/crab-orchestrator/internal/ids"
	"crabstack.local/projects/crab-orchestrator/internal/protocol"
)

// settledLimit bounds how many released item ids are remembered for stale detection.
const settledLimit = 512

var (
	ErrStaleDecision            = protocol.NewSentinel(protocol.CodeStaleDecision, "item already decided", true)
	ErrUnknownItem              = protocol.NewSentinel(protocol.CodeStaleDecision, "unknown approval item", true)
	ErrInsufficientConfirmation = protocol.NewSentinel(protocol.CodeInsufficientConfirmation, "high-risk approval requires confirmed=true", true)
	ErrInvalidDecision          = protocol.NewSentinel(protocol.CodeMalformedMessage, "decision status must be approved or rejected", true)
	ErrWrongItemKind            = protocol.NewSentinel(protocol.CodeMalformedMessage, "decision message does not match item kind", true)
	ErrDuplicateItem            = errors.New("duplicate approval item id")
	ErrEmptyBatch               = errors.New("approval batch has no items")
)

type Kind string

const (
	KindProposal Kind = "proposal"
	KindCommand  Kind = "command"
	// KindToolCall is a tool call that policy routed through approval.
	KindToolCall Kind = "tool_call"
)

// Item is one proposed side effect waiting for a user decision.
type Item struct {
	ID          string                  `json:"id"`
	Kind        Kind                    `json:"kind"`
	Method      string                  `json:"method"`
	Params      json.RawMessage         `json:"params,omitempty"`
	Description string                  `json:"description,omitempty"`
	Risk        protocol.Risk           `json:"risk,omitempty"`
	Status      protocol.DecisionStatus `json:"status"`
	DecidedAt   time.Time               `json:"decided_at,omitempty"`
}

func (i Item) HighRisk() bool {
	return i.Risk == protocol.RiskHigh
}

type Batch struct {
	ID          string    `json:"batch_id"`
	TurnOrdinal int64     `json:"turn_ordinal"`
	Items       []Item    `json:"items"`
	CreatedAt   time.Time `json:"created_at"`
}

// Complete reports whether every item in the batch has a final decision.
func (b Batch) Complete() bool {
	for _, item := range b.Items {
		if item.Status == protocol.DecisionPending {
			return false
		}
	}
	return true
}

// Approved returns approved items in submission order.
func (b Batch) Approved() []Item {
	out := make([]Item, 0, len(b.Items))
	for _, item := range b.Items {
		if item.Status == protocol.DecisionApproved {
			out = append(out, item)
		}
	}
	return out
}

func (b Batch) Rejected() []Item {
	out := make([]Item, 0, len(b.Items))
	for _, item := range b.Items {
		if item.Status == protocol.DecisionRejected {
			out = append(out, item)
		}
	}
	return out
}

// ItemError reports why a single decision was not applied.
type ItemError struct {
	ItemID string
	Err    error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %s: %v", e.ItemID, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// Outcome is the result of applying one decision message.
type Outcome struct {
	Applied  []string
	Released []Batch
	Errors   []*ItemError
}

type batchState struct {
	batch    Batch
	index    map[string]int
	released bool
}

// Gate holds proposed side effects until every item of their batch is
// decided, then releases the batch exactly once.
type Gate struct {
	logger *log.Logger
	now    func() time.Time

	mu       sync.Mutex
	batches  map[string]*batchState
	order    []string
	itemToID map[string]string
	settled  map[string]protocol.DecisionStatus
	settledQ []string
}

func NewGate(logger *log.Logger) *Gate {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Gate{
		logger:   logger,
		now:      time.Now,
		batches:  make(map[string]*batchState),
		itemToID: make(map[string]string),
		settled:  make(map[string]protocol.DecisionStatus),
	}
}

// Submit registers a batch of items, all pending. An empty batchID is generated.
func (g *Gate) Submit(batchID string, turnOrdinal int64, items []Item) (Batch, error) {
	if len(items) == 0 {
		return Batch{}, ErrEmptyBatch
	}
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		batchID = ids.Prefixed("batch")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.batches[batchID]; exists {
		return Batch{}, fmt.Errorf("batch %s already submitted", batchID)
	}
	st := &batchState{
		batch: Batch{
			ID:          batchID,
			TurnOrdinal: turnOrdinal,
			Items:       make([]Item, 0, len(items)),
			CreatedAt:   g.now().UTC(),
		},
		index: make(map[string]int, len(items)),
	}
	for _, item := range items {
		item.ID = strings.TrimSpace(item.ID)
		if item.ID == "" {
			return Batch{}, fmt.Errorf("approval item id is required")
		}
		if _, dup := st.index[item.ID]; dup {
			return Batch{}, fmt.Errorf("%w: %s", ErrDuplicateItem, item.ID)
		}
		if _, dup := g.itemToID[item.ID]; dup {
			return Batch{}, fmt.Errorf("%w: %s", ErrDuplicateItem, item.ID)
		}
		if item.Risk == "" {
			item.Risk = protocol.RiskLow
		}
		item.Status = protocol.DecisionPending
		item.DecidedAt = time.Time{}
		item.Params = cloneRaw(item.Params)
		st.index[item.ID] = len(st.batch.Items)
		st.batch.Items = append(st.batch.Items, item)
	}
	for id := range st.index {
		g.itemToID[id] = batchID
	}
	g.batches[batchID] = st
	g.order = append(g.order, batchID)

	g.logger.Printf("approval batch submitted batch_id=%s turn=%d items=%d", batchID, turnOrdinal, len(items))
	return copyBatch(st.batch), nil
}

// Decide applies decisions in the order given. A rejected decision leaves its
// item unchanged and does not stop later decisions from applying. When kinds
// is non-empty, decisions for items of any other kind are refused with
// ErrWrongItemKind.
func (g *Gate) Decide(decisions []protocol.Decision, kinds ...Kind) Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out Outcome
	for _, decision := range decisions {
		if err := g.applyLocked(decision, kinds); err != nil {
			out.Errors = append(out.Errors, &ItemError{ItemID: decision.ID, Err: err})
			continue
		}
		out.Applied = append(out.Applied, decision.ID)

		st := g.batches[g.itemToID[decision.ID]]
		if st.released || !st.batch.Complete() {
			continue
		}
		st.released = true
		out.Released = append(out.Released, copyBatch(st.batch))
		g.settleLocked(st)
	}
	for _, itemErr := range out.Errors {
		g.logger.Printf("approval decision rejected item_id=%s err=%v", itemErr.ItemID, itemErr.Err)
	}
	return out
}

func (g *Gate) applyLocked(decision protocol.Decision, kinds []Kind) error {
	if decision.Status != protocol.DecisionApproved && decision.Status != protocol.DecisionRejected {
		return ErrInvalidDecision
	}
	if _, ok := g.settled[decision.ID]; ok {
		return ErrStaleDecision
	}
	batchID, ok := g.itemToID[decision.ID]
	if !ok {
		return ErrUnknownItem
	}
	st := g.batches[batchID]
	item := &st.batch.Items[st.index[decision.ID]]
	if item.Status != protocol.DecisionPending {
		return ErrStaleDecision
	}
	if len(kinds) > 0 && !slices.Contains(kinds, item.Kind) {
		return fmt.Errorf("%w: %s is a %s", ErrWrongItemKind, item.ID, item.Kind)
	}
	if decision.Status == protocol.DecisionApproved && item.HighRisk() && !decision.Confirmed {
		return ErrInsufficientConfirmation
	}
	item.Status = decision.Status
	item.DecidedAt = g.now().UTC()
	return nil
}

func (g *Gate) settleLocked(st *batchState) {
	for _, item := range st.batch.Items {
		delete(g.itemToID, item.ID)
		g.settled[item.ID] = item.Status
		g.settledQ = append(g.settledQ, item.ID)
	}
	for len(g.settledQ) > settledLimit {
		delete(g.settled, g.settledQ[0])
		g.settledQ = g.settledQ[1:]
	}
	delete(g.batches, st.batch.ID)
	for i, id := range g.order {
		if id == st.batch.ID {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

func (g *Gate) IsBatchComplete(batchID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.batches[batchID]; ok {
		return st.batch.Complete()
	}
	return false
}

// HasPending reports whether any submitted batch is still waiting on decisions.
func (g *Gate) HasPending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.order) > 0
}

// Pending returns unreleased batches in submission order.
func (g *Gate) Pending() []Batch {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Batch, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, copyBatch(g.batches[id].batch))
	}
	return out
}

// Snapshot captures unreleased batches for checkpointing.
func (g *Gate) Snapshot() []Batch {
	return g.Pending()
}

// Restore replaces gate state with previously captured pending batches.
func (g *Gate) Restore(batches []Batch) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.batches = make(map[string]*batchState, len(batches))
	g.order = g.order[:0]
	g.itemToID = make(map[string]string)
	for _, batch := range batches {
		st := &batchState{batch: copyBatch(batch), index: make(map[string]int, len(batch.Items))}
		for i, item := range st.batch.Items {
			if _, dup := g.itemToID[item.ID]; dup {
				return fmt.Errorf("%w: %s", ErrDuplicateItem, item.ID)
			}
			st.index[item.ID] = i
			g.itemToID[item.ID] = batch.ID
		}
		g.batches[batch.ID] = st
		g.order = append(g.order, batch.ID)
	}
	return nil
}

// Clear drops all unreleased batches.
func (g *Gate) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.batches = make(map[string]*batchState)
	g.order = nil
	g.itemToID = make(map[string]string)
}

func copyBatch(batch Batch) Batch {
	out := batch
	out.Items = make([]Item, len(batch.Items))
	for i, item := range batch.Items {
		item.Params = cloneRaw(item.Params)
		out.Items[i] = item
	}
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	copied := make(json.RawMessage, len(raw))
	copy(copied, raw)
	return copied
}
