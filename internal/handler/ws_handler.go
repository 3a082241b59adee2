package handler

import (
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"note-sync-server/internal/config"
	"note-sync-server/internal/middleware"
)

// WebSocketServer takes ownership of an upgraded connection. clientID is
// the identity from the request's token, empty when auth is disabled.
type WebSocketServer interface {
	ServeWebSocket(conn *websocket.Conn, clientID string)
}

type WebSocketHandler struct {
	server   WebSocketServer
	upgrader websocket.Upgrader
	logger   *log.Logger
}

func NewWebSocketHandler(server WebSocketServer, cfg config.WebSocketConfig, logger *log.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		server: server,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger.WithPrefix("ws"),
	}
}

// HandleConnection upgrades the request. The peer then speaks the same
// envelope protocol as a stream client, starting with CONNECT.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	clientID := middleware.GetClientID(r)
	h.logger.Debug("upgraded", "remote", r.RemoteAddr, "client", clientID)
	h.server.ServeWebSocket(conn, clientID)
}
