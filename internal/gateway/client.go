package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agorahq/agora/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024 // 64KB

	// Per-client send buffer; frames beyond it are dropped for that client.
	sendBufferSize = 64
)

// InputFunc accepts a validated inbound frame and returns the id the
// message was published under, for the ack frame.
type InputFunc func(ctx context.Context, clientID string, frame InboundFrame) (string, error)

// Client represents a single WebSocket connection.
type Client struct {
	ID      string
	conn    *websocket.Conn
	hub     *Hub
	send    chan []byte
	onInput InputFunc
	logger  *logger.Logger
}

// NewClient creates a WebSocket client around an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, onInput InputFunc, log *logger.Logger) *Client {
	return &Client{
		ID:      id,
		conn:    conn,
		hub:     hub,
		send:    make(chan []byte, sendBufferSize),
		onInput: onInput,
		logger:  log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps messages from the WebSocket connection into the input
// callback. It unregisters the client when the connection drops.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}
		c.handleFrame(ctx, message)
	}
}

// handleFrame validates one inbound frame. Malformed frames produce an
// error frame and leave the connection open.
func (c *Client) handleFrame(ctx context.Context, raw []byte) {
	var frame InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.logger.Debug("Failed to parse inbound frame", zap.Error(err))
		c.sendFrame(newErrorFrame("Invalid message format"))
		return
	}
	if frame.Content == "" {
		c.sendFrame(newErrorFrame("content is required"))
		return
	}

	id, err := c.onInput(ctx, c.ID, frame)
	if err != nil {
		c.logger.Error("Failed to accept inbound message", zap.Error(err))
		c.sendFrame(newErrorFrame("failed to accept message"))
		return
	}
	c.sendFrame(newAckFrame(id))
}

// sendFrame queues a frame for this client only.
func (c *Client) sendFrame(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("Failed to marshal frame", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full")
	}
}

// WritePump pumps queued frames to the WebSocket connection and keeps
// the connection alive with protocol-level pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One frame per WebSocket message so browser clients can
			// JSON-parse each event as-is.
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
