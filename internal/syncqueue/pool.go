package syncqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/understudy-hq/understudy/internal/session"
)

var (
	DefaultWorkers  = 4
	DefaultCapacity = 100
)

// Pool applies queued state updates through a fixed set of workers. The
// queue is fire-and-forget: producers learn whether a job was accepted,
// never whether it succeeded. Failures are logged and dropped.
type Pool struct {
	Registry *session.Registry
	Logger   *log.Logger

	workers  int
	jobs     chan Job
	shutdown chan struct{}
	wg       sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

func NewPool(registry *session.Registry, workers, capacity int, logger *log.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Pool{
		Registry: registry,
		Logger:   logger,
		workers:  workers,
		jobs:     make(chan Job, capacity),
		shutdown: make(chan struct{}),
	}
}

// Start launches the workers. Jobs may be enqueued before Start; they sit in
// the queue until a worker picks them up.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.worker(ctx)
		}
		if p.Logger != nil {
			p.Logger.Info("sync workers started",
				"workers", p.workers,
				"capacity", cap(p.jobs),
			)
		}
	})
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		case job := <-p.jobs:
			result := p.process(job)
			if !result.Success && p.Logger != nil {
				p.Logger.Error("sync job failed",
					"session_id", job.SessionID,
					"operation", job.Operation,
					"error", result.Error,
				)
			}
		}
	}
}

// Enqueue offers a job to the queue without blocking. A full queue or a
// stopped pool drops the job; the drop is logged and reported to the caller,
// nothing else.
func (p *Pool) Enqueue(job Job) bool {
	if job.Timestamp.IsZero() {
		job.Timestamp = time.Now().UTC()
	}

	select {
	case <-p.shutdown:
		if p.Logger != nil {
			p.Logger.Warn("sync queue stopped, job dropped",
				"session_id", job.SessionID,
				"operation", job.Operation,
			)
		}
		return false
	default:
	}

	select {
	case p.jobs <- job:
		return true
	default:
		if p.Logger != nil {
			p.Logger.Warn("sync queue full, job dropped",
				"session_id", job.SessionID,
				"operation", job.Operation,
			)
		}
		return false
	}
}

func (p *Pool) process(job Job) Result {
	result := Result{SessionID: job.SessionID, Timestamp: time.Now().UTC()}
	if err := p.dispatch(job); err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	return result
}

func (p *Pool) dispatch(job Job) error {
	switch job.Operation {
	case OpDeltaSync:
		delta, ok := job.Payload["delta"].(map[string]any)
		if !ok {
			return fmt.Errorf("delta_sync job for session %q has no delta payload", job.SessionID)
		}
		_, err := p.Registry.Sync(job.SessionID, delta, nil)
		return err
	case OpSnapshotSync:
		snapshot, ok := job.Payload["snapshot"].(map[string]any)
		if !ok {
			return fmt.Errorf("snapshot_sync job for session %q has no snapshot payload", job.SessionID)
		}
		_, err := p.Registry.Sync(job.SessionID, nil, snapshot)
		return err
	case OpStatusUpdate:
		status, ok := job.Payload["status"].(string)
		if !ok || status == "" {
			return fmt.Errorf("status_update job for session %q has no status payload", job.SessionID)
		}
		_, err := p.Registry.UpdateStatus(job.SessionID, session.Status(status))
		return err
	default:
		return fmt.Errorf("unknown sync operation %q", job.Operation)
	}
}

// AtomicSync is the synchronous strong path next to the queue: the delta
// applies only if the stored version still equals expectedVersion.
func (p *Pool) AtomicSync(sessionID string, expectedVersion int, updates map[string]any) (int, error) {
	return p.Registry.SyncVersioned(sessionID, expectedVersion, updates, nil)
}

// BatchSync processes jobs inline, bypassing the queue, and returns one
// result per job in input order.
func (p *Pool) BatchSync(jobs []Job) []Result {
	results := make([]Result, 0, len(jobs))
	for _, job := range jobs {
		results = append(results, p.process(job))
	}
	return results
}

func (p *Pool) Stats() Stats {
	return Stats{
		QueueLength: len(p.jobs),
		Capacity:    cap(p.jobs),
		Workers:     p.workers,
	}
}

// Stop signals the workers and waits for in-flight jobs to finish. Jobs
// still queued are abandoned. Safe to call more than once.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.shutdown)
		p.wg.Wait()
		if p.Logger != nil {
			p.Logger.Info("sync workers stopped", "abandoned", len(p.jobs))
		}
	})
}
