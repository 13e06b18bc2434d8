package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Options for the websocket endpoint.
type Options struct {
	JWTSecret     string
	SendQueueSize int
	PingInterval  time.Duration
	PongWait      time.Duration
}

// Handler upgrades HTTP requests into gateway connections.
type Handler struct {
	hub      *Hub
	opts     Options
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler creates the websocket endpoint handler.
func NewHandler(hub *Hub, opts Options, logger *zap.Logger) *Handler {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	return &Handler{
		hub:  hub,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 跨域由前置代理控制
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ServeWS authenticates the caller-supplied token, upgrades the connection,
// and starts the read/write pumps.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}
	}
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	claims, err := DecodeToken(h.opts.JWTSecret, token)
	if err != nil {
		h.logger.Warn("Gateway authentication failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Websocket upgrade failed",
			zap.Error(err),
		)
		return
	}

	client := newClient(h.hub, conn, claims, h.opts.SendQueueSize, h.opts.PingInterval, h.opts.PongWait, h.logger)
	h.hub.register(client)

	go client.writePump()
	go client.readPump()
}
