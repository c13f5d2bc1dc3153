package model

import "fmt"

// SessionState is the orchestrator lifecycle state of a single request.
type SessionState string

const (
	StateCreated           SessionState = "created"
	StateClassified        SessionState = "classified"
	StateContextGathered   SessionState = "context_gathered"
	StateContextCompressed SessionState = "context_compressed"
	StateToolsAssembled    SessionState = "tools_assembled"
	StateSessionActive     SessionState = "session_active"
	StateToolCallPending   SessionState = "tool_call_pending"
	StateCompleted         SessionState = "completed"
	StateFailed            SessionState = "failed"
	StateTimedOut          SessionState = "timed_out"
)

var terminalSessionStates = map[SessionState]bool{
	StateCompleted: true,
	StateFailed:    true,
	StateTimedOut:  true,
}

// Pipeline states move strictly forward. Any non-terminal state may fail or
// time out; session_active ⇄ tool_call_pending is the only loop.
var validSessionTransitions = map[SessionState]map[SessionState]bool{
	StateCreated: {
		StateClassified: true,
		StateCompleted:  true, // lightweight action, no session opened
		StateFailed:     true,
		StateTimedOut:   true,
	},
	StateClassified: {
		StateContextGathered: true,
		StateCompleted:       true,
		StateFailed:          true,
		StateTimedOut:        true,
	},
	StateContextGathered: {
		StateContextCompressed: true,
		StateFailed:            true,
		StateTimedOut:          true,
	},
	StateContextCompressed: {
		StateToolsAssembled: true,
		StateFailed:         true,
		StateTimedOut:       true,
	},
	StateToolsAssembled: {
		StateSessionActive: true,
		StateFailed:        true,
		StateTimedOut:      true,
	},
	StateSessionActive: {
		StateToolCallPending: true,
		StateCompleted:       true,
		StateFailed:          true,
		StateTimedOut:        true,
	},
	StateToolCallPending: {
		StateSessionActive: true,
		StateFailed:        true,
		StateTimedOut:      true,
	},
}

// stateOrder ranks pipeline states so callers can ask whether a stage has
// already been passed (resume skips completed stages).
var stateOrder = map[SessionState]int{
	StateCreated:           0,
	StateClassified:        1,
	StateContextGathered:   2,
	StateContextCompressed: 3,
	StateToolsAssembled:    4,
	StateSessionActive:     5,
	StateToolCallPending:   5,
	StateCompleted:         6,
	StateFailed:            6,
	StateTimedOut:          6,
}

func IsSessionTerminal(s SessionState) bool {
	return terminalSessionStates[s]
}

// Reached reports whether s is at or beyond target in the pipeline.
func (s SessionState) Reached(target SessionState) bool {
	a, ok := stateOrder[s]
	if !ok {
		return false
	}
	return a >= stateOrder[target]
}

func (s SessionState) Valid() bool {
	_, ok := stateOrder[s]
	return ok
}

func ValidateSessionTransition(from, to SessionState) error {
	if IsSessionTerminal(from) {
		return fmt.Errorf("cannot transition from terminal session state %q", from)
	}
	allowed, ok := validSessionTransitions[from]
	if !ok {
		return fmt.Errorf("unknown session state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid session transition: %q → %q", from, to)
	}
	return nil
}
