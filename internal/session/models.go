package session

import "time"

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type SessionRecord struct {
	SessionID    string    `json:"session_id"`
	ProjectID    string    `json:"project_id,omitempty"`
	ProjectRoot  string    `json:"project_root,omitempty"`
	Domain       string    `json:"domain,omitempty"`
	Identity     string    `json:"identity,omitempty"`
	Status       Status    `json:"status"`
	TurnCount    int64     `json:"turn_count"`
	LastActiveAt time.Time `json:"last_active_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type TurnStatus string

const (
	TurnStatusInProgress TurnStatus = "in_progress"
	TurnStatusCompleted  TurnStatus = "completed"
	TurnStatusFailed     TurnStatus = "failed"
)

type TurnRecord struct {
	TurnID      string     `json:"turn_id"`
	SessionID   string     `json:"session_id"`
	Sequence    int64      `json:"sequence"`
	Input       string     `json:"input"`
	PromptHash  string     `json:"prompt_hash"`
	Output      string     `json:"output,omitempty"`
	Status      TurnStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt time.Time  `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
