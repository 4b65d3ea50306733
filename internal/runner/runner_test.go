package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/understudy-hq/understudy/internal/analysis"
	"github.com/understudy-hq/understudy/internal/impact"
	"github.com/understudy-hq/understudy/internal/logstream"
	"github.com/understudy-hq/understudy/internal/session"
	"github.com/understudy-hq/understudy/internal/syncqueue"
)

type stubEngine struct {
	mu      sync.Mutex
	created []ContainerSpec
	started []string
	killed  []string
	removed []string

	createErr error
	startErr  error
	exitCode  int64
	hold      bool
	logs      string
	output    string
}

func (e *stubEngine) Name() string { return "stub" }

func (e *stubEngine) Create(_ context.Context, spec ContainerSpec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.createErr != nil {
		return "", e.createErr
	}
	e.created = append(e.created, spec)
	return fmt.Sprintf("ctr-%d", len(e.created)), nil
}

func (e *stubEngine) Start(_ context.Context, containerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return e.startErr
	}
	e.started = append(e.started, containerID)
	return nil
}

func (e *stubEngine) Wait(_ context.Context, _ string) (<-chan int64, <-chan error) {
	exitCh := make(chan int64, 1)
	errCh := make(chan error, 1)
	e.mu.Lock()
	if !e.hold {
		exitCh <- e.exitCode
	}
	e.mu.Unlock()
	return exitCh, errCh
}

func (e *stubEngine) Logs(_ context.Context, _ string, follow bool) (io.ReadCloser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if follow {
		return io.NopCloser(strings.NewReader(e.logs)), nil
	}
	return io.NopCloser(strings.NewReader(e.output)), nil
}

func (e *stubEngine) Kill(_ context.Context, containerID, signal string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killed = append(e.killed, containerID+":"+signal)
	return nil
}

func (e *stubEngine) Remove(_ context.Context, containerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = append(e.removed, containerID)
	return nil
}

func (e *stubEngine) removedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.removed)
}

func (e *stubEngine) killedList() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.killed...)
}

func (e *stubEngine) createdSpecs() []ContainerSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ContainerSpec{}, e.created...)
}

type fixture struct {
	reg    *session.Registry
	broker *logstream.Broker
	pool   *syncqueue.Pool
	engine *stubEngine
	runner *Runner
}

func newFixture(t *testing.T, engine *stubEngine) *fixture {
	t.Helper()

	reg := &session.Registry{}
	broker := logstream.NewBroker(nil)
	t.Cleanup(broker.Close)
	pool := syncqueue.NewPool(reg, 1, 20, nil)
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)

	return &fixture{
		reg:    reg,
		broker: broker,
		pool:   pool,
		engine: engine,
		runner: &Runner{
			Engine:          engine,
			Registry:        reg,
			Broker:          broker,
			Queue:           pool,
			ScratchRoot:     t.TempDir(),
			MinScratchBytes: 1,
			Timeout:         2 * time.Second,
			GraceDelay:      10 * time.Millisecond,
		},
	}
}

func (f *fixture) newSession(t *testing.T, state map[string]any) *session.Session {
	t.Helper()
	sess, err := f.reg.Create("/work/project", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if state != nil {
		if _, err := f.reg.Sync(sess.ID, nil, state); err != nil {
			t.Fatalf("Sync: %v", err)
		}
		sess, err = f.reg.Get(sess.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	return sess
}

func pollUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func awaitEntry(t *testing.T, sub *logstream.Subscription, match func(logstream.Entry) bool) logstream.Entry {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got, ok := <-sub.C:
			if !ok {
				t.Fatalf("log stream closed while waiting for entry")
			}
			if match(got) {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for log entry")
		}
	}
}

func messageHasPrefix(prefix string) func(logstream.Entry) bool {
	return func(e logstream.Entry) bool { return strings.HasPrefix(e.Message, prefix) }
}

func TestExecuteLifecyclePublishesResultAndCleansUp(t *testing.T) {
	engine := &stubEngine{exitCode: 0, logs: "tests passed\n", output: "tests passed\n"}
	f := newFixture(t, engine)
	sess := f.newSession(t, map[string]any{"src/app.js": "console.log(1)"})

	sub := f.broker.Subscribe(sess.ID)
	defer f.broker.Unsubscribe(sub)

	runID, err := f.runner.Execute(context.Background(), sess, "npm test", []string{"CI=1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(runID, "run") {
		t.Fatalf("run id = %q", runID)
	}

	awaitEntry(t, sub, func(e logstream.Entry) bool { return e.Message == "Container started" })
	awaitEntry(t, sub, func(e logstream.Entry) bool { return e.Message == "tests passed" })

	resultEntry := awaitEntry(t, sub, messageHasPrefix("Execution result: "))
	var result ExecutionResult
	if err := json.Unmarshal([]byte(strings.TrimPrefix(resultEntry.Message, "Execution result: ")), &result); err != nil {
		t.Fatalf("decode result payload: %v", err)
	}
	if result.SessionID != sess.ID || result.ExitCode != 0 || result.Error != "" {
		t.Fatalf("result = %+v", result)
	}
	if !strings.Contains(result.Output, "tests passed") {
		t.Fatalf("result output = %q", result.Output)
	}
	if result.Duration == "" {
		t.Fatalf("result has no duration")
	}

	specs := engine.createdSpecs()
	if len(specs) != 1 {
		t.Fatalf("created %d containers, want 1", len(specs))
	}
	spec := specs[0]
	if spec.Image != DefaultImage || spec.Command != "npm test" {
		t.Fatalf("spec = %+v", spec)
	}
	wantEnv := map[string]bool{"CI=1": false, "NODE_ENV=test": false, "UNDERSTUDY_SESSION_ID=" + sess.ID: false}
	for _, kv := range spec.Env {
		if _, ok := wantEnv[kv]; ok {
			wantEnv[kv] = true
		}
	}
	for kv, seen := range wantEnv {
		if !seen {
			t.Fatalf("container env missing %q (env: %v)", kv, spec.Env)
		}
	}

	pollUntil(t, "completed status", func() bool {
		got, err := f.reg.Get(sess.ID)
		return err == nil && got.Status == session.StatusCompleted
	})
	pollUntil(t, "cleanup", func() bool {
		return engine.removedCount() == 1 && len(f.runner.Running()) == 0
	})

	entries, err := os.ReadDir(f.runner.ScratchRoot)
	if err != nil {
		t.Fatalf("read scratch root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("scratch root still has %d entries after cleanup", len(entries))
	}
}

func TestNonZeroExitSurfacesFailureResult(t *testing.T) {
	engine := &stubEngine{exitCode: 3, output: "1 test failed\n"}
	f := newFixture(t, engine)
	sess := f.newSession(t, nil)

	sub := f.broker.Subscribe(sess.ID)
	defer f.broker.Unsubscribe(sub)

	if _, err := f.runner.Execute(context.Background(), sess, "npm test", nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	resultEntry := awaitEntry(t, sub, messageHasPrefix("Execution result: "))
	var result ExecutionResult
	if err := json.Unmarshal([]byte(strings.TrimPrefix(resultEntry.Message, "Execution result: ")), &result); err != nil {
		t.Fatalf("decode result payload: %v", err)
	}
	if result.ExitCode != 3 || result.Error != "Non-zero exit code" {
		t.Fatalf("result = %+v", result)
	}

	pollUntil(t, "failed status", func() bool {
		got, err := f.reg.Get(sess.ID)
		return err == nil && got.Status == session.StatusFailed
	})
}

func TestAdmissionCeilingIsHard(t *testing.T) {
	engine := &stubEngine{hold: true}
	f := newFixture(t, engine)
	f.runner.MaxConcurrent = 2
	f.runner.Timeout = 150 * time.Millisecond

	first := f.newSession(t, nil)
	second := f.newSession(t, nil)
	third := f.newSession(t, nil)

	if _, err := f.runner.Execute(context.Background(), first, "sleep 100", nil); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	if _, err := f.runner.Execute(context.Background(), second, "sleep 100", nil); err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if got := len(f.runner.Running()); got != 2 {
		t.Fatalf("running set = %d, want 2", got)
	}

	_, err := f.runner.Execute(context.Background(), third, "sleep 100", nil)
	if !errors.Is(err, ErrAdmissionRejected) {
		t.Fatalf("third Execute = %v, want ErrAdmissionRejected", err)
	}
	if got := len(f.runner.Running()); got != 2 {
		t.Fatalf("running set = %d after rejection, want 2", got)
	}

	// The deadline reaps both runs; their slots come back.
	pollUntil(t, "slots to free", func() bool { return len(f.runner.Running()) == 0 })

	if _, err := f.runner.Execute(context.Background(), third, "sleep 100", nil); err != nil {
		t.Fatalf("Execute after slots freed: %v", err)
	}
}

func TestDeadlineKillsContainer(t *testing.T) {
	engine := &stubEngine{hold: true}
	f := newFixture(t, engine)
	f.runner.Timeout = 100 * time.Millisecond

	sess := f.newSession(t, nil)
	sub := f.broker.Subscribe(sess.ID)
	defer f.broker.Unsubscribe(sub)

	if _, err := f.runner.Execute(context.Background(), sess, "sleep 100", nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	timeoutEntry := awaitEntry(t, sub, func(e logstream.Entry) bool {
		return e.Message == "Container execution timed out"
	})
	if timeoutEntry.Level != logstream.LevelError {
		t.Fatalf("timeout entry level = %q, want error", timeoutEntry.Level)
	}

	pollUntil(t, "kill and cleanup", func() bool {
		killed := f.engine.killedList()
		return len(killed) == 1 && strings.HasSuffix(killed[0], ":SIGKILL") &&
			f.engine.removedCount() == 1 && len(f.runner.Running()) == 0
	})
	pollUntil(t, "timed_out status", func() bool {
		got, err := f.reg.Get(sess.ID)
		return err == nil && got.Status == session.StatusTimedOut
	})
}

func TestCleanupRunsExactlyOnce(t *testing.T) {
	engine := &stubEngine{hold: true}
	f := newFixture(t, engine)
	f.runner.Timeout = time.Minute

	sess := f.newSession(t, nil)
	if _, err := f.runner.Execute(context.Background(), sess, "sleep 100", nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	f.runner.mu.Lock()
	var st *runState
	for _, s := range f.runner.running {
		st = s
	}
	f.runner.mu.Unlock()
	if st == nil {
		t.Fatalf("no run state registered")
	}

	f.runner.cleanup(st)
	f.runner.cleanup(st)

	if got := engine.removedCount(); got != 1 {
		t.Fatalf("container removed %d times, want 1", got)
	}
	if got := len(f.runner.Running()); got != 0 {
		t.Fatalf("running set = %d after cleanup, want 0", got)
	}
}

func TestPrepFailureReleasesAdmissionSlot(t *testing.T) {
	engine := &stubEngine{createErr: errors.New("image pull denied")}
	f := newFixture(t, engine)
	f.runner.MaxConcurrent = 1

	sess := f.newSession(t, nil)
	_, err := f.runner.Execute(context.Background(), sess, "npm test", nil)
	if err == nil || errors.Is(err, ErrAdmissionRejected) {
		t.Fatalf("Execute = %v, want create failure", err)
	}
	if !strings.Contains(err.Error(), "create sandbox container") {
		t.Fatalf("error = %v", err)
	}

	entries, readErr := os.ReadDir(f.runner.ScratchRoot)
	if readErr != nil {
		t.Fatalf("read scratch root: %v", readErr)
	}
	if len(entries) != 0 {
		t.Fatalf("scratch dir leaked after create failure")
	}

	engine.mu.Lock()
	engine.createErr = nil
	engine.hold = true
	engine.mu.Unlock()

	if _, err := f.runner.Execute(context.Background(), sess, "npm test", nil); err != nil {
		t.Fatalf("Execute after released slot: %v", err)
	}
}

func TestStartFailureStillCleansUp(t *testing.T) {
	engine := &stubEngine{startErr: errors.New("containerd unavailable")}
	f := newFixture(t, engine)

	sess := f.newSession(t, nil)
	sub := f.broker.Subscribe(sess.ID)
	defer f.broker.Unsubscribe(sub)

	if _, err := f.runner.Execute(context.Background(), sess, "npm test", nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	startFail := awaitEntry(t, sub, messageHasPrefix("Failed to start container"))
	if startFail.Level != logstream.LevelError {
		t.Fatalf("start failure level = %q, want error", startFail.Level)
	}

	pollUntil(t, "cleanup after start failure", func() bool {
		return engine.removedCount() == 1 && len(f.runner.Running()) == 0
	})
	pollUntil(t, "failed status", func() bool {
		got, err := f.reg.Get(sess.ID)
		return err == nil && got.Status == session.StatusFailed
	})
}

type stubImpact struct {
	mu    sync.Mutex
	paths []string
}

func (s *stubImpact) Analyze(path string, _, _ []byte) ([]impact.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths = append(s.paths, path)
	return []impact.Change{{Path: path, Kind: impact.KindFunction, Symbol: "handler"}}, nil
}

func TestRiskAssessmentIsPublishedBeforeStart(t *testing.T) {
	engine := &stubEngine{exitCode: 0}
	f := newFixture(t, engine)
	analyzer := &stubImpact{}
	f.runner.Impact = analyzer
	f.runner.Analyzer = &analysis.Invoker{
		Command: []string{"sh", "-c",
			`cat >/dev/null; printf '%s' '{"risk":"medium","summary":"2 changes detected, 1 module impacted, risk: medium"}'`},
	}

	sess := f.newSession(t, map[string]any{"src/a.js": "aa", "src/b.js": "bb"})
	sub := f.broker.Subscribe(sess.ID)
	defer f.broker.Unsubscribe(sub)

	if _, err := f.runner.Execute(context.Background(), sess, "npm test", nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var sawAssessment bool
	deadline := time.After(4 * time.Second)
	for {
		var entry logstream.Entry
		select {
		case entry = <-sub.C:
		case <-deadline:
			t.Fatalf("never saw container start")
		}
		if strings.HasPrefix(entry.Message, "Risk assessment (medium):") {
			sawAssessment = true
		}
		if entry.Message == "Container started" {
			break
		}
	}
	if !sawAssessment {
		t.Fatalf("no risk assessment entry before container start")
	}

	analyzer.mu.Lock()
	analyzed := len(analyzer.paths)
	analyzer.mu.Unlock()
	if analyzed != 2 {
		t.Fatalf("impact analyzer saw %d files, want 2", analyzed)
	}
}
