package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	// wsPingInterval is how long the stream may sit idle before the server
	// sends a ping to keep intermediaries from dropping the connection.
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// handleLogStream upgrades the connection and forwards every log entry for
// the session as one JSON message, in publish order. The token is checked
// before the upgrade so unauthorized clients get a plain 401 handshake
// failure instead of a websocket close frame.
func (g *Gateway) handleLogStream(c *gin.Context) {
	sessionID := c.Param("session_id")
	if message, ok := g.checkToken(c.Request); !ok {
		respondError(c, http.StatusUnauthorized, message)
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if g.Logger != nil {
			g.Logger.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		}
		return
	}
	defer conn.Close()

	sub := g.Broker.Subscribe(sessionID)
	defer g.Broker.Unsubscribe(sub)

	if g.Logger != nil {
		g.Logger.Debug("log stream attached", "session_id", sessionID, "remote", conn.RemoteAddr())
	}

	// Drain the client side so close and pong frames are processed. The
	// payloads themselves are ignored.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case entry, ok := <-sub.C:
			if !ok {
				return
			}
			if err := conn.WriteJSON(entry); err != nil {
				if g.Logger != nil {
					g.Logger.Debug("log stream write failed", "session_id", sessionID, "error", err)
				}
				return
			}
		case <-time.After(wsPingInterval):
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
