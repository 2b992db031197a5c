package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong after a ping.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait so the client can reply in time.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames. Subscribers only send
	// close/pong frames; the feed is server-push only.
	maxMessageSize = 512

	// sendBufferSize is the per-client outbound buffer. A full buffer
	// marks the client as too slow and it is disconnected by Publish.
	sendBufferSize = 64
)

// upgrader performs the HTTP to WebSocket protocol upgrade. Origin checks
// are permissive: /status-ws is a public feed and /ui is reachable only
// from trusted addresses.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client represents a single connected subscriber. Each client runs two
// goroutines: readPump (detects disconnection, handles pongs) and
// writePump (serialises outgoing messages onto the wire).
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// sendMu serializes sends on the channel against its close, so a
	// Publish racing an unregister cannot send on a closed channel.
	sendMu sync.Mutex
	closed bool
	send   chan Message

	// topics is fixed at connection time; read-only afterwards.
	topics []string

	logger *zap.Logger
}

// NewClient upgrades the HTTP connection and creates a Client subscribed to
// the given topics. Returns an error if the upgrade fails.
func NewClient(hub *Hub, w http.ResponseWriter, r *http.Request, topics []string, logger *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan Message, sendBufferSize),
		topics: topics,
		logger: logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}, nil
}

// Enqueue puts a message directly on this client's outbound buffer, ahead
// of hub registration. Used to deliver the connect-time snapshot before any
// incremental updates can be published.
func (c *Client) Enqueue(msg Message) {
	if !c.trySend(msg) {
		c.logger.Warn("ws: dropping snapshot frame, send buffer full")
	}
}

// trySend enqueues msg without blocking. Returns false only when the buffer
// is full; a message for an already closed client is silently dropped.
func (c *Client) trySend(msg Message) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// closeSend closes the outbound channel exactly once. Only the hub calls
// this, when the client is unregistered or the hub shuts down.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Run registers the client with the hub and starts the pumps. It blocks
// until the connection closes.
func (c *Client) Run() {
	c.hub.Subscribe(c)

	go c.writePump()
	c.readPump()
}

// readPump detects client disconnection and keeps the read deadline fresh
// on pong frames. Application messages from subscribers are not expected.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("ws: failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards messages from the send channel to the wire and sends
// periodic pings. It is the only goroutine writing to conn.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
