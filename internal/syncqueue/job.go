package syncqueue

import "time"

// Operation names a kind of queued work. Payload keys are per-operation:
// delta_sync reads "delta", snapshot_sync reads "snapshot", status_update
// reads "status".
type Operation string

const (
	OpDeltaSync    Operation = "delta_sync"
	OpSnapshotSync Operation = "snapshot_sync"
	OpStatusUpdate Operation = "status_update"
)

type Job struct {
	SessionID string         `json:"session_id"`
	Operation Operation      `json:"operation"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

type Result struct {
	Success   bool      `json:"success"`
	SessionID string    `json:"session_id"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Stats struct {
	QueueLength int `json:"queue_length"`
	Capacity    int `json:"capacity"`
	Workers     int `json:"workers"`
}
