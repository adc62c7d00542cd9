package turn

import "fmt"

type State string

const (
	StateIdle               State = "idle"
	StateAwaitingTranscript State = "awaiting_transcript"
	StateReasoning          State = "reasoning"
	StateAwaitingApproval   State = "awaiting_approval"
	StateDispatchingAction  State = "dispatching_action"
	StateSpeaking           State = "speaking"
	StateInterrupted        State = "interrupted"
	StateFailed             State = "failed"
)

var transitions = map[State][]State{
	StateIdle:               {StateAwaitingTranscript},
	StateAwaitingTranscript: {StateReasoning, StateIdle},
	StateReasoning:          {StateAwaitingApproval, StateDispatchingAction, StateSpeaking, StateIdle},
	StateAwaitingApproval:   {StateDispatchingAction, StateReasoning},
	StateDispatchingAction:  {StateReasoning},
	StateSpeaking:           {StateIdle, StateInterrupted},
	StateInterrupted:        {StateReasoning},
	StateFailed:             {StateIdle},
}

// CanTransition reports whether from -> to is allowed. Every state may move
// to failed.
func CanTransition(from, to State) bool {
	if to == StateFailed && from != StateFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Active reports whether a turn is in progress in this state. Speaking is
// not active: new input ends the output and starts the next turn.
func (s State) Active() bool {
	switch s {
	case StateIdle, StateSpeaking, StateFailed:
		return false
	default:
		return true
	}
}

type transitionError struct {
	from State
	to   State
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("invalid turn transition %s -> %s", e.from, e.to)
}

func (e *transitionError) Unwrap() error {
	return ErrInvalidTransition
}
