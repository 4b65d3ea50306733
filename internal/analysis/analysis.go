// Package analysis shells out to the heuristic risk analyzer. The analyzer
// is an external program speaking JSON over stdin and stdout; when it is
// absent, slow, or broken the invoker degrades to a fixed fallback
// assessment so execution never depends on it.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"time"

	"github.com/charmbracelet/log"
	"github.com/understudy-hq/understudy/internal/impact"
)

const (
	RiskLow     = "low"
	RiskMedium  = "medium"
	RiskHigh    = "high"
	RiskUnknown = "unknown"

	// DefaultTimeout is the hard ceiling on one analyzer run. The process
	// is killed when it is exceeded.
	DefaultTimeout = 10 * time.Second
)

// Request is the JSON document written to the analyzer's stdin.
type Request struct {
	SessionID    string            `json:"session_id"`
	Command      string            `json:"command"`
	ChangedFiles []string          `json:"changed_files"`
	Changes      []impact.Change   `json:"changes,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Assessment is the analyzer's verdict, read from its stdout.
type Assessment struct {
	Risk      string    `json:"risk"`
	Summary   string    `json:"summary"`
	Changed   []string  `json:"changed,omitempty"`
	Impacted  []string  `json:"impacted,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Invoker runs the analyzer once per request. An empty Command means no
// analyzer is installed and every request gets the fallback.
type Invoker struct {
	Command []string
	Timeout time.Duration
	Logger  *log.Logger
}

// Assess runs the analyzer for one request. It never returns an error:
// every failure path degrades to Fallback.
func (inv *Invoker) Assess(ctx context.Context, req Request) Assessment {
	if inv == nil || len(inv.Command) == 0 {
		return Fallback(req)
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		inv.logFailure(req, "encode request", err)
		return Fallback(req)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, inv.Command[0], inv.Command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		inv.logFailure(req, "run analyzer", err)
		return Fallback(req)
	}

	var out Assessment
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		inv.logFailure(req, "decode assessment", err)
		return Fallback(req)
	}
	switch out.Risk {
	case RiskLow, RiskMedium, RiskHigh:
	default:
		inv.logFailure(req, "validate assessment", nil)
		return Fallback(req)
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now().UTC()
	}
	return out
}

func (inv *Invoker) logFailure(req Request, stage string, err error) {
	if inv.Logger == nil {
		return
	}
	inv.Logger.Warn("risk analysis unavailable",
		"session_id", req.SessionID,
		"stage", stage,
		"error", err,
	)
}

// Fallback is the assessment used whenever the analyzer cannot answer. Same
// request, same verdict.
func Fallback(req Request) Assessment {
	return Assessment{
		Risk:      RiskUnknown,
		Summary:   "analysis unavailable",
		Changed:   req.ChangedFiles,
		Timestamp: time.Now().UTC(),
	}
}
