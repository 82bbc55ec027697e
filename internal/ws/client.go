package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/codehive/internal/protocol"
	"github.com/manpreetbhatti/codehive/internal/ratelimit"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendBufferSize = 512

	defaultFramesPerSecond = 100
	defaultFrameBurst      = 200
	defaultMaxViolations   = 1000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler receives every decoded frame of a connection, in arrival order
type Handler interface {
	HandleEvent(ctx context.Context, from Peer, env protocol.Envelope)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, from Peer, env protocol.Envelope)

func (f HandlerFunc) HandleEvent(ctx context.Context, from Peer, env protocol.Envelope) {
	f(ctx, from, env)
}

// Client is a websocket connection attached to the hub
type Client struct {
	hub         *Hub
	handler     Handler
	conn        *websocket.Conn
	send        chan []byte
	rateLimiter *ratelimit.Limiter
	clientID    string

	mu     sync.Mutex
	closed bool
}

var _ Peer = (*Client)(nil)

func ServeWs(hub *Hub, handler Handler, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:         hub,
		handler:     handler,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		rateLimiter: ratelimit.NewLimiter(hub.frameRate),
		clientID:    uuid.NewString(),
	}

	hub.metrics.ConnectionOpened()
	hub.log.Debug("client connected", "client", client.clientID, "remote", conn.RemoteAddr().String())

	go client.writePump()
	go client.readPump()
}

func (c *Client) ID() string {
	return c.clientID
}

func (c *Client) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) readPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.hub.Leave(c)
		c.Close()
		c.conn.Close()
		c.hub.metrics.ConnectionClosed()
		c.hub.log.Debug("client disconnected", "client", c.clientID)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("websocket read error", "client", c.clientID, "error", err)
			}
			return
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				c.hub.log.Warn("client rate limit exceeded", "client", c.clientID, "warnings", rateLimitWarnings)
			}
			if rateLimitWarnings > c.hub.maxViolations {
				c.hub.log.Warn("disconnecting client for excessive rate limit violations", "client", c.clientID)
				return
			}
			continue
		}

		env, err := protocol.Decode(message)
		if err != nil {
			c.hub.log.Warn("invalid frame", "client", c.clientID, "error", err)
			c.hub.metrics.RealtimeEvent("invalid", "rejected")
			continue
		}

		c.handler.HandleEvent(ctx, c, env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
