package turn

import (
	"time"

	"crabstack.local/projects/crab-orchestrator/internal/approval"
)

// Checkpoint is the serializable form of a turn suspended on approval.
type Checkpoint struct {
	SessionID    string           `json:"session_id"`
	TurnID       string           `json:"turn_id"`
	TurnOrdinal  int64            `json:"turn_ordinal"`
	State        State            `json:"state"`
	Input        string           `json:"input"`
	Steps        int              `json:"steps"`
	Batches      []approval.Batch `json:"batches"`
	Observations []Observation    `json:"observations,omitempty"`
	Interrupted  bool             `json:"interrupted,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Fresh reports whether the checkpoint may still be resumed.
func (c Checkpoint) Fresh(now time.Time, window time.Duration) bool {
	if window <= 0 {
		return true
	}
	return now.Sub(c.UpdatedAt) <= window
}
