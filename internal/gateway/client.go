package gateway

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxMessageSize = 8 * 1024
	writeWait      = 10 * time.Second
)

// Command is the wire format for client-to-server requests.
type Command struct {
	Action    string          `json:"action"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Client is one authenticated persistent connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	claims *Claims
	send   chan []byte

	// building ids this connection is subscribed to; guarded by hub.mu
	subscriptions map[string]struct{}

	pingInterval time.Duration
	pongWait     time.Duration
	logger       *zap.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, claims *Claims, queueSize int, pingInterval, pongWait time.Duration, logger *zap.Logger) *Client {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Client{
		hub:           hub,
		conn:          conn,
		claims:        claims,
		send:          make(chan []byte, queueSize),
		subscriptions: make(map[string]struct{}),
		pingInterval:  pingInterval,
		pongWait:      pongWait,
		logger:        logger,
	}
}

// sendEvent queues a single-connection event (acks, errors).
func (c *Client) sendEvent(event string, payload interface{}) {
	message, err := marshalEnvelope(event, payload)
	if err != nil {
		c.logger.Error("Failed to marshal client event",
			zap.String("event", event),
			zap.Error(err),
		)
		return
	}

	select {
	case c.send <- message:
	default:
		c.logger.Warn("Dropping event for slow gateway consumer",
			zap.String("user_id", c.claims.UserID),
			zap.String("event", event),
		)
	}
}

// readPump reads commands until the connection drops, then unwinds the
// client from the hub. One bad command never disconnects the session.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("Gateway connection closed unexpectedly",
					zap.String("user_id", c.claims.UserID),
					zap.Error(err),
				)
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.sendEvent("error", map[string]string{
				"reason": "invalid command format",
			})
			continue
		}

		c.handleCommand(&cmd)
	}
}

// writePump drains the send buffer and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// hub closed the channel during unwind
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
