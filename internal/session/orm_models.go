package session

import (
	"encoding/json"
	"time"

	"crabstack.local/projects/crab-orchestrator/internal/ledger"
)

type sessionRow struct {
	SessionID    string    `gorm:"primaryKey;size:191"`
	ProjectID    string    `gorm:"size:191"`
	ProjectRoot  string    `gorm:"type:text"`
	Domain       string    `gorm:"size:191"`
	Identity     string    `gorm:"size:191"`
	Status       string    `gorm:"size:32;not null;index"`
	TurnCount    int64     `gorm:"not null"`
	LastActiveAt time.Time `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (sessionRow) TableName() string {
	return "sessions"
}

func (r sessionRow) toRecord() SessionRecord {
	return SessionRecord{
		SessionID:    r.SessionID,
		ProjectID:    r.ProjectID,
		ProjectRoot:  r.ProjectRoot,
		Domain:       r.Domain,
		Identity:     r.Identity,
		Status:       Status(r.Status),
		TurnCount:    r.TurnCount,
		LastActiveAt: r.LastActiveAt,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func sessionRowFromRecord(rec SessionRecord) sessionRow {
	return sessionRow{
		SessionID:    rec.SessionID,
		ProjectID:    rec.ProjectID,
		ProjectRoot:  rec.ProjectRoot,
		Domain:       rec.Domain,
		Identity:     rec.Identity,
		Status:       string(rec.Status),
		TurnCount:    rec.TurnCount,
		LastActiveAt: rec.LastActiveAt,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}

type turnRow struct {
	TurnID      string     `gorm:"primaryKey;size:64"`
	SessionID   string     `gorm:"size:191;uniqueIndex:idx_turns_session_sequence,priority:1"`
	Sequence    int64      `gorm:"not null;uniqueIndex:idx_turns_session_sequence,priority:2"`
	Input       string     `gorm:"type:text;not null"`
	PromptHash  string     `gorm:"size:32;not null"`
	Output      string     `gorm:"type:text"`
	Status      string     `gorm:"size:64;not null"`
	Error       string     `gorm:"type:text"`
	CreatedAt   time.Time  `gorm:"not null"`
	CompletedAt *time.Time `gorm:"index"`
	UpdatedAt   time.Time  `gorm:"not null"`
}

func (turnRow) TableName() string {
	return "turns"
}

func (r turnRow) toRecord() TurnRecord {
	rec := TurnRecord{
		TurnID:     r.TurnID,
		SessionID:  r.SessionID,
		Sequence:   r.Sequence,
		Input:      r.Input,
		PromptHash: r.PromptHash,
		Output:     r.Output,
		Status:     TurnStatus(r.Status),
		Error:      r.Error,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.CompletedAt != nil {
		rec.CompletedAt = *r.CompletedAt
	}
	return rec
}

// checkpointRow keeps at most one suspended turn per session. The full
// checkpoint is stored as JSON; the scalar columns are for inspection.
type checkpointRow struct {
	SessionID   string    `gorm:"primaryKey;size:191"`
	TurnID      string    `gorm:"size:64;not null"`
	TurnOrdinal int64     `gorm:"not null"`
	State       string    `gorm:"size:64;not null"`
	PayloadJSON string    `gorm:"type:text;not null"`
	UpdatedAt   time.Time `gorm:"not null;index"`
}

func (checkpointRow) TableName() string {
	return "turn_checkpoints"
}

type ledgerNodeRow struct {
	NodeID          string    `gorm:"primaryKey;size:64"`
	SessionID       string    `gorm:"size:191;not null;index:idx_ledger_nodes_session,priority:1"`
	ParentIDsJSON   string    `gorm:"type:text"`
	Title           string    `gorm:"size:191;not null"`
	Description     string    `gorm:"type:text"`
	Status          string    `gorm:"size:32;not null"`
	ExecutionOutput string    `gorm:"type:text"`
	TurnOrdinal     int64     `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null;index:idx_ledger_nodes_session,priority:2"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (ledgerNodeRow) TableName() string {
	return "ledger_nodes"
}

func ledgerRowFromNode(node ledger.Node) ledgerNodeRow {
	parents := ""
	if len(node.ParentIDs) > 0 {
		if encoded, err := json.Marshal(node.ParentIDs); err == nil {
			parents = string(encoded)
		}
	}
	return ledgerNodeRow{
		NodeID:          node.ID,
		SessionID:       node.SessionID,
		ParentIDsJSON:   parents,
		Title:           node.Title,
		Description:     node.Description,
		Status:          string(node.Status),
		ExecutionOutput: ledger.Truncate(node.ExecutionOutput),
		TurnOrdinal:     node.TurnOrdinal,
		CreatedAt:       node.CreatedAt,
		UpdatedAt:       node.UpdatedAt,
	}
}

func (r ledgerNodeRow) toNode() ledger.Node {
	node := ledger.Node{
		ID:              r.NodeID,
		SessionID:       r.SessionID,
		Title:           r.Title,
		Description:     r.Description,
		Status:          ledger.Status(r.Status),
		ExecutionOutput: r.ExecutionOutput,
		TurnOrdinal:     r.TurnOrdinal,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.ParentIDsJSON != "" {
		_ = json.Unmarshal([]byte(r.ParentIDsJSON), &node.ParentIDs)
	}
	return node
}
