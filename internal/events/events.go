package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"crabstack.local/projects/crab-orchestrator/internal/ids"
)

const VersionV1 = "v1"

type Type string

const (
	TypeSessionConnected    Type = "session.connected"
	TypeSessionResumed      Type = "session.resumed"
	TypeSessionDisconnected Type = "session.disconnected"
	TypeTurnCompleted       Type = "turn.completed"
	TypeTurnFailed          Type = "turn.failed"
	TypeApprovalRequested   Type = "approval.requested"
	TypeJobCompleted        Type = "job.completed"
)

var knownTypes = map[Type]struct{}{
	TypeSessionConnected:    {},
	TypeSessionResumed:      {},
	TypeSessionDisconnected: {},
	TypeTurnCompleted:       {},
	TypeTurnFailed:          {},
	TypeApprovalRequested:   {},
	TypeJobCompleted:        {},
}

// ParseTypes converts configured event type names, rejecting unknown ones.
func ParseTypes(names []string) ([]Type, error) {
	out := make([]Type, 0, len(names))
	for _, name := range names {
		t := Type(strings.ToLower(strings.TrimSpace(name)))
		if _, ok := knownTypes[t]; !ok {
			return nil, fmt.Errorf("unknown event type %q", name)
		}
		out = append(out, t)
	}
	return out, nil
}

// Event is an orchestration lifecycle notification delivered to observers.
// It never drives orchestration itself.
type Event struct {
	Version     string          `json:"version"`
	EventID     string          `json:"event_id"`
	Type        Type            `json:"event_type"`
	SessionID   string          `json:"session_id"`
	TurnOrdinal int64           `json:"turn_ordinal,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Sink receives lifecycle events. Implementations must not block the caller.
type Sink interface {
	Dispatch(context.Context, Event)
}

type NopSink struct{}

func (NopSink) Dispatch(context.Context, Event) {}

func New(eventType Type, sessionID string, turnOrdinal int64, payload any) (Event, error) {
	ev := Event{
		Version:     VersionV1,
		EventID:     ids.Prefixed("evt"),
		Type:        eventType,
		SessionID:   sessionID,
		TurnOrdinal: turnOrdinal,
		OccurredAt:  time.Now().UTC(),
	}
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		ev.Payload = encoded
	}
	return ev, nil
}
