package turn

import (
	"crabstack.local/projects/crab-orchestrator/internal/jobs"
	"crabstack.local/projects/crab-orchestrator/internal/protocol"
)

// Event is one unit of work delivered to a Machine by its session.
type Event interface {
	eventName() string
}

type InputEvent struct {
	Text string
}

type AudioEvent struct {
	Data []byte
}

type TranscriptEvent struct {
	Text  string
	Final bool
}

type DecisionEvent struct {
	Kind      protocol.MessageType
	Decisions []protocol.Decision
}

type ControlEvent struct {
	Action protocol.ControlAction
}

// BargeInEvent asks the machine to act on a raised barge-in latch.
type BargeInEvent struct{}

type JobEvent struct {
	Job jobs.Job
}

func (InputEvent) eventName() string      { return "input" }
func (AudioEvent) eventName() string      { return "audio" }
func (TranscriptEvent) eventName() string { return "transcript" }
func (DecisionEvent) eventName() string   { return "decision" }
func (ControlEvent) eventName() string    { return "control" }
func (BargeInEvent) eventName() string    { return "barge_in" }
func (JobEvent) eventName() string        { return "job" }
