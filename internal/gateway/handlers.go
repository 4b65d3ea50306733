package gateway

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/understudy-hq/understudy/internal/syncqueue"
)

type initRequest struct {
	WorkspacePath string            `json:"workspace_path"`
	Metadata      map[string]string `json:"metadata"`
}

type syncRequest struct {
	SessionID       string         `json:"session_id"`
	Delta           map[string]any `json:"delta"`
	Snapshot        map[string]any `json:"snapshot"`
	ExpectedVersion int            `json:"expected_version"`
	Async           bool           `json:"async"`
}

type executeRequest struct {
	SessionID   string   `json:"session_id"`
	Command     string   `json:"command"`
	Environment []string `json:"environment"`
}

func (g *Gateway) handleSessionInit(c *gin.Context) {
	var req initRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	sess, err := g.Registry.Create(req.WorkspacePath, req.Metadata)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}

	respondData(c, http.StatusOK, gin.H{
		"session_id": sess.ID,
		"created_at": sess.CreatedAt,
		"expires_at": sess.ExpiresAt,
	})
}

// handleSessionSync routes one request across the three sync paths:
// expected_version > 0 takes the strong compare-and-set path, async takes
// the fire-and-forget queue, everything else applies inline.
func (g *Gateway) handleSessionSync(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.SessionID == "" {
		respondError(c, http.StatusBadRequest, "Missing session_id")
		return
	}

	if req.ExpectedVersion > 0 {
		if req.Async {
			respondError(c, http.StatusBadRequest, "expected_version requires a synchronous sync")
			return
		}
		if req.Snapshot != nil {
			respondError(c, http.StatusBadRequest, "expected_version applies to delta sync only")
			return
		}
		if _, err := g.Queue.AtomicSync(req.SessionID, req.ExpectedVersion, req.Delta); err != nil {
			g.respondSessionError(c, err)
			return
		}
		respondData(c, http.StatusOK, gin.H{"status": "synced", "session_id": req.SessionID})
		return
	}

	if req.Async {
		if req.Delta == nil && req.Snapshot == nil {
			respondError(c, http.StatusBadRequest, "Missing delta or snapshot")
			return
		}
		if _, err := g.Registry.Get(req.SessionID); err != nil {
			g.respondSessionError(c, err)
			return
		}
		job := syncqueue.Job{
			SessionID: req.SessionID,
			Operation: syncqueue.OpDeltaSync,
			Payload:   map[string]any{"delta": req.Delta},
		}
		if req.Snapshot != nil {
			job.Operation = syncqueue.OpSnapshotSync
			job.Payload = map[string]any{"snapshot": req.Snapshot}
		}
		if !g.Queue.Enqueue(job) {
			respondError(c, http.StatusServiceUnavailable, "Sync queue full")
			return
		}
		respondData(c, http.StatusOK, gin.H{"status": "queued", "session_id": req.SessionID})
		return
	}

	if _, err := g.Registry.Sync(req.SessionID, req.Delta, req.Snapshot); err != nil {
		g.respondSessionError(c, err)
		return
	}
	respondData(c, http.StatusOK, gin.H{"status": "synced", "session_id": req.SessionID})
}

func (g *Gateway) handleSessionExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.SessionID == "" {
		respondError(c, http.StatusBadRequest, "Missing session_id")
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		respondError(c, http.StatusBadRequest, "Missing command")
		return
	}

	sess, err := g.Registry.Get(req.SessionID)
	if err != nil {
		g.respondSessionError(c, err)
		return
	}

	runID, err := g.Runner.Execute(c.Request.Context(), sess, req.Command, req.Environment)
	if err != nil {
		g.respondSessionError(c, err)
		return
	}

	respondData(c, http.StatusOK, gin.H{
		"status":     "executing",
		"session_id": req.SessionID,
		"run_id":     runID,
	})
}

func (g *Gateway) handleSessionList(c *gin.Context) {
	respondData(c, http.StatusOK, gin.H{"sessions": g.Registry.List()})
}

func (g *Gateway) handleSessionGet(c *gin.Context) {
	sess, err := g.Registry.Get(c.Param("id"))
	if err != nil {
		g.respondSessionError(c, err)
		return
	}
	respondData(c, http.StatusOK, sess)
}

func (g *Gateway) handleQueueStats(c *gin.Context) {
	respondData(c, http.StatusOK, g.Queue.Stats())
}
