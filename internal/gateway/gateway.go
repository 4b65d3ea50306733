// Package gateway exposes sessions, sync, and sandbox execution over HTTP:
// a versioned REST surface plus a websocket log stream.
package gateway

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-contrib/cors"
	limits "github.com/gin-contrib/size"
	"github.com/gin-gonic/gin"

	"github.com/understudy-hq/understudy/internal/logstream"
	"github.com/understudy-hq/understudy/internal/runner"
	"github.com/understudy-hq/understudy/internal/session"
	"github.com/understudy-hq/understudy/internal/syncqueue"
)

var (
	DefaultTokenHeader    = "X-Understudy-Token"
	DefaultMinTokenLength = 16
	DefaultMaxPayloadMB   = 50
)

// Gateway routes API traffic to the registry, runner, broker, and sync
// pool. Zero-valued tunables fall back to the package defaults.
type Gateway struct {
	Registry *session.Registry
	Runner   *runner.Runner
	Broker   *logstream.Broker
	Queue    *syncqueue.Pool
	Logger   *log.Logger

	TokenHeader    string
	MinTokenLength int
	MaxPayloadMB   int
}

func (g *Gateway) tokenHeader() string {
	if g.TokenHeader != "" {
		return g.TokenHeader
	}
	return DefaultTokenHeader
}

func (g *Gateway) minTokenLength() int {
	if g.MinTokenLength > 0 {
		return g.MinTokenLength
	}
	return DefaultMinTokenLength
}

func (g *Gateway) maxPayloadBytes() int64 {
	mb := g.MaxPayloadMB
	if mb <= 0 {
		mb = DefaultMaxPayloadMB
	}
	return int64(mb) << 20
}

// Router builds the gin engine with every route attached. The websocket
// route sits outside the auth group; it validates the token itself before
// upgrading so the handshake can fail with a proper status code.
func (g *Gateway) Router() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), limits.RequestSizeLimiter(g.maxPayloadBytes()))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		g.tokenHeader(),
	}
	engine.Use(cors.New(corsConfig))

	engine.GET("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	api := engine.Group("/api/v1", g.authRequired())
	api.POST("/session/init", g.handleSessionInit)
	api.POST("/session/sync", g.handleSessionSync)
	api.POST("/session/execute", g.handleSessionExecute)
	api.GET("/session/list", g.handleSessionList)
	api.GET("/session/:id", g.handleSessionGet)
	api.GET("/queue/stats", g.handleQueueStats)

	engine.GET("/ws/logs/:session_id", g.handleLogStream)

	return engine
}

type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respondData(c *gin.Context, status int, data any) {
	c.JSON(status, apiResponse{Success: true, Data: data})
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, apiResponse{Success: false, Error: message})
}

func (g *Gateway) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if message, ok := g.checkToken(c.Request); !ok {
			respondError(c, http.StatusUnauthorized, message)
			c.Abort()
			return
		}
		c.Next()
	}
}

// checkToken validates the auth header without touching the body, so the
// websocket handler can reuse it pre-upgrade.
func (g *Gateway) checkToken(r *http.Request) (string, bool) {
	token := r.Header.Get(g.tokenHeader())
	if token == "" {
		return "Missing auth token", false
	}
	if len(token) < g.minTokenLength() {
		return "Invalid auth token", false
	}
	return "", true
}

func (g *Gateway) respondSessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrExpired):
		respondError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrVersionConflict) || errors.Is(err, runner.ErrAdmissionRejected):
		respondError(c, http.StatusConflict, err.Error())
	default:
		respondError(c, http.StatusInternalServerError, err.Error())
	}
}
