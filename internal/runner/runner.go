package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/understudy-hq/understudy/internal/analysis"
	"github.com/understudy-hq/understudy/internal/impact"
	"github.com/understudy-hq/understudy/internal/logstream"
	"github.com/understudy-hq/understudy/internal/session"
	"github.com/understudy-hq/understudy/internal/syncqueue"
)

var (
	DefaultImage           = "node:18-alpine"
	DefaultTimeout         = 5 * time.Minute
	DefaultMaxConcurrent   = 5
	DefaultMinScratchBytes = uint64(256 << 20)
	DefaultGraceDelay      = 5 * time.Second

	ErrAdmissionRejected = errors.New("maximum concurrent executions reached")
	ErrScratchSpace      = errors.New("insufficient scratch space")
)

const (
	cleanupOpTimeout     = 30 * time.Second
	outputFetchTimeout   = 30 * time.Second
	maxResultOutputBytes = 1 << 20

	logSource = "runner"
)

// RunningContainer is one admitted execution, as exposed to observers.
type RunningContainer struct {
	ContainerID string    `json:"container_id"`
	SessionID   string    `json:"session_id"`
	StartedAt   time.Time `json:"started_at"`
}

type runState struct {
	RunningContainer

	runID      string
	scratchDir string
	cancel     context.CancelFunc
	cleaned    bool
}

// Runner executes session payloads in disposable sandboxes. Admission is a
// hard ceiling with no queue: when the running set is full, Execute fails
// immediately and the caller retries or gives up. Every accepted execution
// is cleaned up exactly once, whatever its outcome.
type Runner struct {
	Engine   Engine
	Registry *session.Registry
	Broker   *logstream.Broker
	Queue    *syncqueue.Pool
	Analyzer *analysis.Invoker
	Impact   impact.Analyzer
	Logger   *log.Logger

	Image           string
	Timeout         time.Duration
	MaxConcurrent   int
	ScratchRoot     string
	MinScratchBytes uint64
	GraceDelay      time.Duration

	mu      sync.Mutex
	running map[string]*runState
}

func (r *Runner) image() string {
	if r.Image != "" {
		return r.Image
	}
	return DefaultImage
}

func (r *Runner) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return DefaultTimeout
}

func (r *Runner) maxConcurrent() int {
	if r.MaxConcurrent > 0 {
		return r.MaxConcurrent
	}
	return DefaultMaxConcurrent
}

func (r *Runner) minScratchBytes() uint64 {
	if r.MinScratchBytes > 0 {
		return r.MinScratchBytes
	}
	return DefaultMinScratchBytes
}

func (r *Runner) graceDelay() time.Duration {
	if r.GraceDelay > 0 {
		return r.GraceDelay
	}
	return DefaultGraceDelay
}

// Execute admits, prepares, and launches one sandbox for the session. It
// returns once the container exists; everything after that surfaces through
// the log stream only. The two synchronous failure modes are admission
// rejection and preparation failure.
func (r *Runner) Execute(ctx context.Context, sess *session.Session, command string, environment []string) (string, error) {
	if r.Engine == nil {
		return "", errors.New("no sandbox engine configured")
	}
	if sess == nil {
		return "", errors.New("missing session")
	}

	runID := newRunID()
	st := &runState{
		RunningContainer: RunningContainer{
			SessionID: sess.ID,
			StartedAt: time.Now().UTC(),
		},
		runID: runID,
	}

	// The reservation goes into the running set under the same lock as the
	// ceiling check, so concurrent calls cannot both squeeze through the
	// last slot.
	r.mu.Lock()
	if r.running == nil {
		r.running = map[string]*runState{}
	}
	if len(r.running) >= r.maxConcurrent() {
		inFlight := len(r.running)
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %d executions in flight", ErrAdmissionRejected, inFlight)
	}
	r.running[runID] = st
	r.mu.Unlock()

	scratchDir, err := r.prepareScratch(sess)
	if err != nil {
		r.release(runID)
		return "", fmt.Errorf("prepare session files: %w", err)
	}

	spec := ContainerSpec{
		Image:        r.image(),
		Command:      command,
		Env: append(append([]string{}, environment...),
			"NODE_ENV=test",
			"UNDERSTUDY_SESSION_ID="+sess.ID,
		),
		WorkspaceDir: scratchDir,
		SessionID:    sess.ID,
		RunID:        runID,
	}
	containerID, err := r.Engine.Create(ctx, spec)
	if err != nil {
		r.release(runID)
		os.RemoveAll(scratchDir)
		return "", fmt.Errorf("create sandbox container: %w", err)
	}

	runCtx, cancel := context.WithTimeout(context.Background(), r.timeout())
	r.mu.Lock()
	st.ContainerID = containerID
	st.StartedAt = time.Now().UTC()
	st.scratchDir = scratchDir
	st.cancel = cancel
	r.mu.Unlock()

	if r.Registry != nil {
		if _, err := r.Registry.UpdateStatus(sess.ID, session.StatusExecuting); err != nil && r.Logger != nil {
			r.Logger.Warn("session status update failed",
				"session_id", sess.ID,
				"error", err,
			)
		}
	}
	if r.Logger != nil {
		r.Logger.Info("execution admitted",
			"session_id", sess.ID,
			"run_id", runID,
			"container_id", containerID,
			"engine", r.Engine.Name(),
		)
	}

	go r.run(runCtx, st, sess, command)
	return runID, nil
}

// Running returns a snapshot of the admitted executions, oldest first.
func (r *Runner) Running() []RunningContainer {
	r.mu.Lock()
	out := make([]RunningContainer, 0, len(r.running))
	for _, st := range r.running {
		out = append(out, st.RunningContainer)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (r *Runner) release(runID string) {
	r.mu.Lock()
	delete(r.running, runID)
	r.mu.Unlock()
}

func (r *Runner) run(ctx context.Context, st *runState, sess *session.Session, command string) {
	defer st.cancel()

	r.assess(ctx, sess, command)

	if err := r.Engine.Start(ctx, st.ContainerID); err != nil {
		r.publishError(sess.ID, fmt.Sprintf("Failed to start container: %v", err))
		r.enqueueStatus(sess.ID, session.StatusFailed)
		r.scheduleCleanup(st)
		return
	}
	r.publishInfo(sess.ID, "Container started")

	go r.streamLogs(ctx, st.ContainerID, sess.ID)

	exitCh, errCh := r.Engine.Wait(ctx, st.ContainerID)
	select {
	case code := <-exitCh:
		endTime := time.Now().UTC()
		r.publishInfo(sess.ID, fmt.Sprintf("Container finished with exit code %d (duration: %v)",
			code, endTime.Sub(st.StartedAt)))
		r.publishResult(sess.ID, st, int(code), endTime)
		if code == 0 {
			r.enqueueStatus(sess.ID, session.StatusCompleted)
		} else {
			r.enqueueStatus(sess.ID, session.StatusFailed)
		}
	case err := <-errCh:
		if errors.Is(err, context.DeadlineExceeded) {
			r.killTimedOut(st, sess.ID)
		} else {
			r.publishError(sess.ID, fmt.Sprintf("Container wait error: %v", err))
			r.enqueueStatus(sess.ID, session.StatusFailed)
		}
	case <-ctx.Done():
		r.killTimedOut(st, sess.ID)
	}

	r.scheduleCleanup(st)
}

func (r *Runner) killTimedOut(st *runState, sessionID string) {
	r.publishError(sessionID, "Container execution timed out")
	if err := r.Engine.Kill(context.Background(), st.ContainerID, "SIGKILL"); err != nil && r.Logger != nil {
		r.Logger.Warn("container kill failed",
			"container_id", st.ContainerID,
			"error", err,
		)
	}
	r.enqueueStatus(sessionID, session.StatusTimedOut)
}

// assess runs the optional pre-execution risk analysis. It publishes a
// single info entry and never blocks the sandbox beyond the analyzer's own
// timeout.
func (r *Runner) assess(ctx context.Context, sess *session.Session, command string) {
	if r.Analyzer == nil {
		return
	}

	changed := make([]string, 0, len(sess.State))
	var changes []impact.Change
	for name, value := range sess.State {
		content, ok := value.(string)
		if !ok {
			continue
		}
		changed = append(changed, name)
		if r.Impact == nil {
			continue
		}
		recs, err := r.Impact.Analyze(name, nil, []byte(content))
		if err != nil {
			if r.Logger != nil {
				r.Logger.Debug("impact analysis failed",
					"session_id", sess.ID,
					"path", name,
					"error", err,
				)
			}
			continue
		}
		changes = append(changes, recs...)
	}
	sort.Strings(changed)

	assessment := r.Analyzer.Assess(ctx, analysis.Request{
		SessionID:    sess.ID,
		Command:      command,
		ChangedFiles: changed,
		Changes:      changes,
		Metadata:     sess.Metadata,
	})
	r.publishInfo(sess.ID, fmt.Sprintf("Risk assessment (%s): %s", assessment.Risk, assessment.Summary))
}

func (r *Runner) streamLogs(ctx context.Context, containerID, sessionID string) {
	reader, err := r.Engine.Logs(ctx, containerID, true)
	if err != nil {
		r.publishError(sessionID, fmt.Sprintf("Failed to get container logs: %v", err))
		return
	}
	defer reader.Close()

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		r.publishInfo(sessionID, scanner.Text())
	}
}

func (r *Runner) publishResult(sessionID string, st *runState, exitCode int, endTime time.Time) {
	result := ExecutionResult{
		SessionID: sessionID,
		ExitCode:  exitCode,
		Output:    r.collectOutput(st.ContainerID, sessionID),
		StartTime: st.StartedAt,
		EndTime:   endTime,
		Duration:  endTime.Sub(st.StartedAt).String(),
	}
	if exitCode != 0 {
		result.Error = "Non-zero exit code"
	}

	payload, err := json.Marshal(result)
	if err != nil {
		if r.Logger != nil {
			r.Logger.Error("encode execution result", "session_id", sessionID, "error", err)
		}
		return
	}
	r.publishInfo(sessionID, fmt.Sprintf("Execution result: %s", payload))
}

func (r *Runner) collectOutput(containerID, sessionID string) string {
	ctx, cancel := context.WithTimeout(context.Background(), outputFetchTimeout)
	defer cancel()

	reader, err := r.Engine.Logs(ctx, containerID, false)
	if err != nil {
		r.publishError(sessionID, fmt.Sprintf("Failed to get final output: %v", err))
		return ""
	}
	defer reader.Close()

	output, err := io.ReadAll(reader)
	if err != nil && r.Logger != nil {
		r.Logger.Warn("final output read truncated",
			"container_id", containerID,
			"error", err,
		)
	}
	if len(output) > maxResultOutputBytes {
		output = output[len(output)-maxResultOutputBytes:]
	}
	return string(output)
}

func (r *Runner) scheduleCleanup(st *runState) {
	time.AfterFunc(r.graceDelay(), func() { r.cleanup(st) })
}

// cleanup tears one execution down: container removed, scratch dir gone,
// running-set slot freed. The cleaned flag makes it idempotent however many
// paths schedule it.
func (r *Runner) cleanup(st *runState) {
	r.mu.Lock()
	if st.cleaned {
		r.mu.Unlock()
		return
	}
	st.cleaned = true
	delete(r.running, st.runID)
	r.mu.Unlock()

	if st.cancel != nil {
		st.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupOpTimeout)
	defer cancel()

	if st.ContainerID != "" {
		if err := r.Engine.Remove(ctx, st.ContainerID); err != nil && r.Logger != nil {
			r.Logger.Warn("container remove failed",
				"container_id", st.ContainerID,
				"error", err,
			)
		}
	}
	if st.scratchDir != "" {
		if err := os.RemoveAll(st.scratchDir); err != nil && r.Logger != nil {
			r.Logger.Warn("scratch dir remove failed",
				"dir", st.scratchDir,
				"error", err,
			)
		}
	}

	r.publishInfo(st.SessionID, "Container cleaned up")
}

func (r *Runner) enqueueStatus(sessionID string, status session.Status) {
	if r.Queue == nil {
		return
	}
	r.Queue.Enqueue(syncqueue.Job{
		SessionID: sessionID,
		Operation: syncqueue.OpStatusUpdate,
		Payload:   map[string]any{"status": string(status)},
	})
}

func (r *Runner) publishInfo(sessionID, message string) {
	r.publish(sessionID, logstream.LevelInfo, message)
}

func (r *Runner) publishError(sessionID, message string) {
	r.publish(sessionID, logstream.LevelError, message)
}

func (r *Runner) publish(sessionID string, level logstream.Level, message string) {
	if r.Broker == nil {
		return
	}
	r.Broker.Publish(logstream.Entry{
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Source:    logSource,
	})
}
