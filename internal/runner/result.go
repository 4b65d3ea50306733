package runner

import "time"

// ExecutionResult is the terminal record of one sandbox run. It is delivered
// through the log stream as a JSON payload, not stored anywhere.
type ExecutionResult struct {
	SessionID string    `json:"session_id"`
	ExitCode  int       `json:"exit_code"`
	Output    string    `json:"output"`
	Error     string    `json:"error,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Duration  string    `json:"duration"`
}
