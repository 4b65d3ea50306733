package session

import "time"

// Status tracks where a session is in its lifecycle. Transitions are
// registry-driven: created -> synced -> executing -> one of the terminal
// states reported by the runner.
type Status string

const (
	StatusCreated   Status = "created"
	StatusSynced    Status = "synced"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Session is a registered remote workspace. State holds the synchronized
// workspace payload keyed by relative file path; only string values are
// materialized into a sandbox.
type Session struct {
	ID            string            `json:"id"`
	WorkspacePath string            `json:"workspace_path"`
	Metadata      map[string]string `json:"metadata"`
	State         map[string]any    `json:"state"`
	Status        Status            `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	Version       int               `json:"version"`
}

func cloneSessionLocked(state *Session) *Session {
	out := *state
	out.Metadata = cloneMetadata(state.Metadata)
	out.State = cloneState(state.State)
	return &out
}

func cloneMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneState(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
