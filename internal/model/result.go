package model

type SessionStatus string

const (
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusTimedOut  SessionStatus = "timed_out"
)

// StatusForState maps a terminal session state to the caller-facing status.
func StatusForState(s SessionState) SessionStatus {
	switch s {
	case StateCompleted:
		return SessionStatusCompleted
	case StateTimedOut:
		return SessionStatusTimedOut
	default:
		return SessionStatusFailed
	}
}

// SessionResult is returned for every run, including failed ones, so partial
// artifacts are never lost.
type SessionResult struct {
	SessionID  string         `yaml:"session_id"`
	TaskID     string         `yaml:"task_id"`
	TaskType   TaskType       `yaml:"task_type"`
	Confidence float64        `yaml:"confidence"`
	Status     SessionStatus  `yaml:"status"`
	State      SessionState   `yaml:"state"`
	Reason     string         `yaml:"reason,omitempty"`
	Output     string         `yaml:"output,omitempty"`
	Artifacts  []Artifact     `yaml:"artifacts"`
	Warnings   []string       `yaml:"warnings,omitempty"`
	Context    ContextSummary `yaml:"context"`
	Truncated  bool           `yaml:"truncated"`
	Tools      []string       `yaml:"tools,omitempty"`
	Iterations int            `yaml:"iterations"`
	// Lightweight is set when a built-in action served the request.
	Lightweight string `yaml:"lightweight,omitempty"`
}
