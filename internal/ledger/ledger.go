package ledger

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"crabstack.local/projects/crab-orchestrator/internal/ids"
	"crabstack.local/projects/crab-orchestrator/internal/protocol"
)

// MaxOutputLen caps stored execution output.
const MaxOutputLen = 4000

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusActive:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

var (
	ErrUnknownNode       = errors.New("unknown ledger node")
	ErrNodeFinal         = errors.New("ledger node already final")
	ErrInvalidTransition = errors.New("invalid ledger status transition")
)

type Node struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	ParentIDs       []string  `json:"parent_ids,omitempty"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	Status          Status    `json:"status"`
	ExecutionOutput string    `json:"execution_output,omitempty"`
	TurnOrdinal     int64     `json:"turn_ordinal"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (n Node) Wire() protocol.LedgerNode {
	return protocol.LedgerNode{
		ID:              n.ID,
		ParentIDs:       append([]string(nil), n.ParentIDs...),
		Title:           n.Title,
		Description:     n.Description,
		Status:          string(n.Status),
		ExecutionOutput: n.ExecutionOutput,
		TurnOrdinal:     n.TurnOrdinal,
		UpdatedAt:       n.UpdatedAt,
	}
}

// Ledger is the per-session record of orchestration steps. Nodes form a DAG
// through ParentIDs and are never removed; only their status moves forward.
type Ledger struct {
	sessionID string
	now       func() time.Time

	mu    sync.Mutex
	nodes map[string]*Node
	order []string
}

func New(sessionID string) *Ledger {
	return &Ledger{
		sessionID: sessionID,
		now:       time.Now,
		nodes:     make(map[string]*Node),
	}
}

// Append adds a pending node. Every parent must already exist.
func (l *Ledger) Append(turnOrdinal int64, title, description string, parents ...string) (Node, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Node{}, fmt.Errorf("ledger node title is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]struct{}, len(parents))
	parentIDs := make([]string, 0, len(parents))
	for _, parent := range parents {
		if parent == "" {
			continue
		}
		if _, ok := l.nodes[parent]; !ok {
			return Node{}, fmt.Errorf("%w: parent %s", ErrUnknownNode, parent)
		}
		if _, dup := seen[parent]; dup {
			continue
		}
		seen[parent] = struct{}{}
		parentIDs = append(parentIDs, parent)
	}

	now := l.now().UTC()
	node := &Node{
		ID:          ids.Prefixed("node"),
		SessionID:   l.sessionID,
		ParentIDs:   parentIDs,
		Title:       title,
		Description: description,
		Status:      StatusPending,
		TurnOrdinal: turnOrdinal,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	l.nodes[node.ID] = node
	l.order = append(l.order, node.ID)
	return copyNode(node), nil
}

func (l *Ledger) Start(id string) (Node, error) {
	return l.transition(id, StatusActive, "")
}

func (l *Ledger) Complete(id, output string) (Node, error) {
	return l.transition(id, StatusCompleted, output)
}

func (l *Ledger) Fail(id, output string) (Node, error) {
	return l.transition(id, StatusFailed, output)
}

func (l *Ledger) transition(id string, to Status, output string) (Node, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	node, ok := l.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	if node.Status.Terminal() {
		return Node{}, fmt.Errorf("%w: %s is %s", ErrNodeFinal, id, node.Status)
	}
	if to.rank() <= node.Status.rank() {
		return Node{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, node.Status, to)
	}
	node.Status = to
	if output != "" {
		node.ExecutionOutput = Truncate(output)
	}
	node.UpdatedAt = l.now().UTC()
	return copyNode(node), nil
}

func (l *Ledger) Get(id string) (Node, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	node, ok := l.nodes[id]
	if !ok {
		return Node{}, false
	}
	return copyNode(node), true
}

// Nodes returns all nodes in append order.
func (l *Ledger) Nodes() []Node {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Node, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, copyNode(l.nodes[id]))
	}
	return out
}

// TurnNodes returns the nodes appended during one turn.
func (l *Ledger) TurnNodes(turnOrdinal int64) []Node {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Node, 0)
	for _, id := range l.order {
		if node := l.nodes[id]; node.TurnOrdinal == turnOrdinal {
			out = append(out, copyNode(node))
		}
	}
	return out
}

// Load seeds the ledger with previously persisted nodes.
func (l *Ledger) Load(nodes []Node) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, node := range nodes {
		if _, exists := l.nodes[node.ID]; exists {
			continue
		}
		n := copyNode(&node)
		l.nodes[n.ID] = &n
		l.order = append(l.order, n.ID)
	}
}

func Wire(nodes []Node) []protocol.LedgerNode {
	out := make([]protocol.LedgerNode, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, node.Wire())
	}
	return out
}

// Truncate shortens output to MaxOutputLen runes.
func Truncate(output string) string {
	runes := []rune(output)
	if len(runes) <= MaxOutputLen {
		return output
	}
	return string(runes[:MaxOutputLen])
}

func copyNode(node *Node) Node {
	out := *node
	out.ParentIDs = append([]string(nil), node.ParentIDs...)
	return out
}
