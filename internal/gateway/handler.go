package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agorahq/agora/internal/common/logger"
)

// Handler upgrades HTTP requests on the stream endpoint to WebSocket
// connections and hands them to the hub.
type Handler struct {
	hub      *Hub
	onInput  InputFunc
	upgrader gorillaws.Upgrader
	logger   *logger.Logger
}

// NewHandler creates a WebSocket handler. allowedOrigins follows the CORS
// config: empty or "*" admits every origin, otherwise the Origin header
// must match an entry exactly.
func NewHandler(hub *Hub, onInput InputFunc, allowedOrigins []string, log *logger.Logger) *Handler {
	return &Handler{
		hub:     hub,
		onInput: onInput,
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	allowAll := len(allowed) == 0
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			allowAll = true
			continue
		}
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients send no Origin header.
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// HandleConnection upgrades the request, sends the welcome frame, and
// runs the read/write pumps until the client disconnects.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	client := NewClient(clientID, conn, h.hub, h.onInput, h.logger)

	// Queue the welcome frame before registering so it is first on the
	// wire, ahead of any broadcast.
	client.sendFrame(newWelcomeFrame(clientID))
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}
