package agent

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/curlcast/orchestrator/internal/protocol"
)

// writeWait is the maximum time allowed to write a frame to an agent.
// A stalled socket must not block the caller indefinitely.
const writeWait = 10 * time.Second

// Conn wraps an agent's WebSocket connection with a write lock.
// gorilla/websocket connections are not safe for concurrent writes, and
// envelopes are sent from HTTP handlers, the scheduler, and the monitor.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// NewConn wraps an upgraded WebSocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Send writes one envelope to the wire. Safe for concurrent use.
func (c *Conn) Send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(env)
}

// Close sends a close frame with the given code and reason, then tears the
// connection down. Errors are ignored; the peer may already be gone.
func (c *Conn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(writeWait)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.ws.Close()
}

// Same reports whether other wraps the same underlying socket.
func (c *Conn) Same(other *Conn) bool {
	return other != nil && c.ws == other.ws
}
