package client

import "time"

// SessionStatus mirrors the server-side session lifecycle.
type SessionStatus string

const (
	SessionStatusCreated   SessionStatus = "created"
	SessionStatusSynced    SessionStatus = "synced"
	SessionStatusExecuting SessionStatus = "executing"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusTimedOut  SessionStatus = "timed_out"
)

// Session is the API's session record.
type Session struct {
	ID            string            `json:"id"`
	WorkspacePath string            `json:"workspace_path"`
	Metadata      map[string]string `json:"metadata"`
	State         map[string]any    `json:"state"`
	Status        SessionStatus     `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	Version       int               `json:"version"`
}

type InitSessionRequest struct {
	WorkspacePath string            `json:"workspace_path"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type InitSessionResponse struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SyncSessionRequest carries a workspace update. Delta merges into the
// session state, Snapshot replaces it. ExpectedVersion enables optimistic
// concurrency for delta syncs; Async queues the update instead of applying
// it inline.
type SyncSessionRequest struct {
	SessionID       string         `json:"session_id"`
	Delta           map[string]any `json:"delta,omitempty"`
	Snapshot        map[string]any `json:"snapshot,omitempty"`
	ExpectedVersion int            `json:"expected_version,omitempty"`
	Async           bool           `json:"async,omitempty"`
}

type SyncSessionResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
}

type ExecuteRequest struct {
	SessionID   string   `json:"session_id"`
	Command     string   `json:"command"`
	Environment []string `json:"environment,omitempty"`
}

type ExecuteResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
}

type QueueStats struct {
	QueueLength int `json:"queue_length"`
	Capacity    int `json:"capacity"`
	Workers     int `json:"workers"`
}

// LogEntry is one line from a session's log stream.
type LogEntry struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Source    string    `json:"source"`
}
