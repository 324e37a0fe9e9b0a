// Package gateway bridges browser WebSocket clients with the message bus
// and the activity log, and serves the health and history endpoints.
package gateway

import (
	"time"

	"github.com/agorahq/agora/pkg/envelope"
)

// System frame types sent to browser clients.
const (
	FrameWelcome   = "welcome"
	FrameAck       = "ack"
	FrameError     = "error"
	FrameHeartbeat = "heartbeat"
)

// SystemFrame is a gateway-originated control frame. Exactly one of the
// optional fields is set depending on Type.
type SystemFrame struct {
	Type      string    `json:"type"`
	ClientID  string    `json:"client_id,omitempty"`
	ID        string    `json:"id,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func newWelcomeFrame(clientID string) SystemFrame {
	return SystemFrame{Type: FrameWelcome, ClientID: clientID, Timestamp: time.Now().UTC()}
}

// newAckFrame acknowledges an accepted client message; id is the envelope
// id the message was published under.
func newAckFrame(id string) SystemFrame {
	return SystemFrame{Type: FrameAck, ID: id, Timestamp: time.Now().UTC()}
}

func newErrorFrame(message string) SystemFrame {
	return SystemFrame{Type: FrameError, Message: message, Timestamp: time.Now().UTC()}
}

func newHeartbeatFrame() SystemFrame {
	return SystemFrame{Type: FrameHeartbeat, Timestamp: time.Now().UTC()}
}

// ChannelFrame wraps a forwarded bus envelope for browser delivery.
type ChannelFrame struct {
	Channel   string             `json:"channel"`
	Data      *envelope.Envelope `json:"data"`
	Timestamp time.Time          `json:"timestamp"`
}

// InboundFrame is what browser clients send: free text plus an optional
// stable user id. Without a user id the conversation is keyed by the
// connection's client id.
type InboundFrame struct {
	UserID  string `json:"user_id"`
	Content string `json:"content"`
}
