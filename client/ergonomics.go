package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrorCode is a stable classifier for understudy API errors.
type ErrorCode string

const (
	ErrorCodeUnknown           ErrorCode = "unknown"
	ErrorCodeCanceled          ErrorCode = "canceled"
	ErrorCodeDeadlineExceeded  ErrorCode = "deadline_exceeded"
	ErrorCodeInvalidArgument   ErrorCode = "invalid_argument"
	ErrorCodeUnauthorized      ErrorCode = "unauthorized"
	ErrorCodeNotFound          ErrorCode = "not_found"
	ErrorCodeExpired           ErrorCode = "expired"
	ErrorCodeVersionConflict   ErrorCode = "version_conflict"
	ErrorCodeAdmissionRejected ErrorCode = "admission_rejected"
	ErrorCodePayloadTooLarge   ErrorCode = "payload_too_large"
	ErrorCodeUnavailable       ErrorCode = "unavailable"
	ErrorCodeInternal          ErrorCode = "internal"
)

// APIError is a failed API response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("understudy API error (status %d): %s", e.Status, e.Message)
}

// ErrCode maps an error from any client method to a stable ErrorCode.
//
// HTTP status alone cannot distinguish every failure: the server reuses 404
// for missing and expired sessions, and 409 for version conflicts and
// admission rejections, so the message is consulted as a tiebreaker.
func ErrCode(err error) ErrorCode {
	if err == nil {
		return ErrorCodeUnknown
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		message := strings.ToLower(apiErr.Message)
		switch apiErr.Status {
		case http.StatusUnauthorized:
			return ErrorCodeUnauthorized
		case http.StatusNotFound:
			if strings.Contains(message, "expired") {
				return ErrorCodeExpired
			}
			return ErrorCodeNotFound
		case http.StatusConflict:
			if strings.Contains(message, "concurrent") {
				return ErrorCodeAdmissionRejected
			}
			return ErrorCodeVersionConflict
		case http.StatusBadRequest:
			return ErrorCodeInvalidArgument
		case http.StatusRequestEntityTooLarge:
			return ErrorCodePayloadTooLarge
		case http.StatusServiceUnavailable:
			return ErrorCodeUnavailable
		default:
			if apiErr.Status >= 500 {
				return ErrorCodeInternal
			}
			return ErrorCodeUnknown
		}
	}
	if errors.Is(err, context.Canceled) {
		return ErrorCodeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCodeDeadlineExceeded
	}
	return ErrorCodeUnknown
}

// SnapshotFromFiles builds a sync payload from file contents keyed by
// relative path.
func SnapshotFromFiles(files map[string]string) map[string]any {
	snapshot := make(map[string]any, len(files))
	for path, content := range files {
		trimmed := strings.TrimSpace(path)
		if trimmed == "" {
			continue
		}
		snapshot[trimmed] = content
	}
	return snapshot
}

// EnsureSessionOptions controls EnsureSession behavior.
type EnsureSessionOptions struct {
	WorkspacePath string
	Metadata      map[string]string
	SessionID     string
}

// SessionHandle is a concise reusable session descriptor.
type SessionHandle struct {
	ID      string
	Status  SessionStatus
	Version int
	Created bool
}

// EnsureSession returns a reusable session for a key.
//
// It reuses a previously tracked session when present and still alive. If
// opts.SessionID is set, that session is used directly and associated to key.
func (c *Client) EnsureSession(ctx context.Context, key string, opts EnsureSessionOptions) (*SessionHandle, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}

	trimmedKey := strings.TrimSpace(key)
	if trimmedKey == "" {
		return nil, errors.New("missing key")
	}
	unlockKey := c.lockEnsureKey(trimmedKey)
	defer unlockKey()

	if explicitID := strings.TrimSpace(opts.SessionID); explicitID != "" {
		handle, err := c.fetchSessionHandle(ctx, explicitID, false)
		if err != nil {
			return nil, err
		}
		c.recordSessionKey(trimmedKey, explicitID)
		return handle, nil
	}

	if cachedID, ok := c.lookupSessionKey(trimmedKey); ok {
		handle, err := c.fetchSessionHandle(ctx, cachedID, false)
		if err == nil {
			return handle, nil
		}
		if code := ErrCode(err); code != ErrorCodeNotFound && code != ErrorCodeExpired {
			return nil, err
		}
		c.clearSessionKey(trimmedKey)
	}

	if strings.TrimSpace(opts.WorkspacePath) == "" {
		return nil, errors.New("missing workspace_path")
	}
	resp, err := c.InitSession(ctx, &InitSessionRequest{
		WorkspacePath: opts.WorkspacePath,
		Metadata:      opts.Metadata,
	})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.SessionID) == "" {
		return nil, errors.New("init session returned empty session_id")
	}
	c.recordSessionKey(trimmedKey, resp.SessionID)
	return &SessionHandle{
		ID:      resp.SessionID,
		Status:  SessionStatusCreated,
		Version: 1,
		Created: true,
	}, nil
}

func (c *Client) fetchSessionHandle(ctx context.Context, sessionID string, created bool) (*SessionHandle, error) {
	sess, err := c.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &SessionHandle{
		ID:      sess.ID,
		Status:  sess.Status,
		Version: sess.Version,
		Created: created,
	}, nil
}

func (c *Client) lookupSessionKey(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.sessionByKey[key]
	return id, ok
}

func (c *Client) recordSessionKey(key, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionByKey[key] = sessionID
}

func (c *Client) clearSessionKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessionByKey, key)
}

func (c *Client) lockEnsureKey(key string) func() {
	c.mu.Lock()
	lock, ok := c.ensureLocks[key]
	if !ok {
		lock = &ensureKeyLock{}
		c.ensureLocks[key] = lock
	}
	lock.refs++
	c.mu.Unlock()

	lock.mu.Lock()

	return func() {
		lock.mu.Unlock()

		c.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(c.ensureLocks, key)
		}
		c.mu.Unlock()
	}
}

// RunOptions controls how ExecuteAndWait consumes the log stream.
type RunOptions struct {
	Output io.Writer
	// Timeout bounds the stream/wait phase after the run is accepted.
	Timeout time.Duration
}

// RunResult is the final run outcome from ExecuteAndWait.
type RunResult struct {
	SessionID string
	RunID     string
	Status    SessionStatus
	Output    string
}

// Trailing log entries may still be in flight when the terminal status
// lands; the stream gets this long to drain before the result is built.
var logDrainGrace = 250 * time.Millisecond

// runStatusPollInterval paces the GetSession polling in ExecuteAndWait.
var runStatusPollInterval = 50 * time.Millisecond

// ExecuteAndWait submits a command, streams session logs, and waits for the
// session to reach a terminal run status.
func (c *Client) ExecuteAndWait(ctx context.Context, sessionID, command string, env []string, opts RunOptions) (*RunResult, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("missing session_id")
	}
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("missing command")
	}

	waitCtx, cancel := context.WithCancel(ctx)
	if opts.Timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}
	defer cancel()

	// Attach before submitting so no output is missed; nothing is replayed.
	stream, err := c.StreamLogs(waitCtx, sessionID)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	go func() {
		<-waitCtx.Done()
		stream.Close()
	}()

	var (
		outputMu sync.Mutex
		output   bytes.Buffer
	)
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		for {
			entry, err := stream.Next()
			if err != nil {
				return
			}
			outputMu.Lock()
			output.WriteString(entry.Message)
			output.WriteByte('\n')
			outputMu.Unlock()
			if opts.Output != nil {
				fmt.Fprintln(opts.Output, entry.Message)
			}
		}
	}()

	resp, err := c.ExecuteCommand(waitCtx, &ExecuteRequest{
		SessionID:   sessionID,
		Command:     command,
		Environment: env,
	})
	if err != nil {
		return nil, err
	}

	var status SessionStatus
	for {
		sess, err := c.GetSession(waitCtx, sessionID)
		if err != nil {
			return nil, err
		}
		status = sess.Status
		if isTerminalRunStatus(status) {
			break
		}
		select {
		case <-waitCtx.Done():
			return nil, waitCtx.Err()
		case <-time.After(runStatusPollInterval):
		}
	}

	select {
	case <-streamDone:
	case <-time.After(logDrainGrace):
	}
	stream.Close()
	<-streamDone

	outputMu.Lock()
	collected := output.String()
	outputMu.Unlock()

	return &RunResult{
		SessionID: sessionID,
		RunID:     resp.RunID,
		Status:    status,
		Output:    collected,
	}, nil
}

func isTerminalRunStatus(status SessionStatus) bool {
	switch status {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusTimedOut:
		return true
	}
	return false
}
