package logstream

import "time"

type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Entry is one line of sandbox output or runner progress, scoped to a
// session. Entries are fire-and-forget: nothing is retained for replay.
type Entry struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Source    string    `json:"source"`
}
