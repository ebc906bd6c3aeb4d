package push

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/pushtoast/pkg/logger"
	"github.com/codeGROOVE-dev/pushtoast/pkg/security"
)

// NotificationsPath is where clients connect for the "notifications" endpoint.
const NotificationsPath = "/ws/notifications/"

const (
	writeTimeout   = 10 * time.Second
	pingInterval   = 54 * time.Second
	readTimeout    = 90 * time.Second
	maxClientFrame = 4 << 10
)

// WebSocketHandler accepts notification subscribers.
//
// Keepalive: the server pings every pingInterval and drops a subscriber that
// sent nothing (pings, pongs) for readTimeout.
type WebSocketHandler struct {
	hub          *Hub
	connLimiter  *security.ConnectionLimiter
	pingInterval time.Duration
	readTimeout  time.Duration
}

// NewWebSocketHandler creates a handler registering accepted clients with hub.
func NewWebSocketHandler(hub *Hub, connLimiter *security.ConnectionLimiter) *WebSocketHandler {
	return &WebSocketHandler{
		hub:          hub,
		connLimiter:  connLimiter,
		pingInterval: pingInterval,
		readTimeout:  readTimeout,
	}
}

// ServeHTTP performs the WebSocket handshake.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	websocket.Handler(h.Handle).ServeHTTP(w, r)
}

// Handle serves one connection until the peer goes away or the client is closed.
func (h *WebSocketHandler) Handle(ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(ws.Request().Context())
	defer cancel()

	ip := security.ClientIP(ws.Request())
	if h.connLimiter != nil {
		release, ok := h.connLimiter.Acquire(ip)
		if !ok {
			logger.Warn(ctx, "connection limit exceeded", logger.Fields{"ip": ip})
			if err := ws.Close(); err != nil {
				logger.Debug(ctx, "close rejected connection", logger.Fields{"ip": ip, "error": err.Error()})
			}
			return
		}
		defer release()
	}

	// The server's read and write timeouts survive the hijack.
	if err := ws.SetDeadline(time.Time{}); err != nil {
		logger.Warn(ctx, "failed to clear deadline", logger.Fields{"ip": ip, "error": err.Error()})
		return
	}
	ws.MaxPayloadBytes = maxClientFrame
	client := NewClient(newClientID(), ip, ws)
	defer client.Close()

	logger.Info(ctx, "WebSocket connection established", logger.Fields{
		"ip":        ip,
		"client_id": client.ID,
		"origin":    ws.Request().Header.Get("Origin"),
	})

	h.hub.Register(client)
	defer func() {
		h.hub.Unregister(client.ID)
		logger.Info(ctx, "WebSocket disconnected", logger.Fields{"ip": ip, "client_id": client.ID})
	}()

	go client.Run(ctx, h.pingInterval, writeTimeout)

	// Subscribers only send keepalives; reading detects disconnects and any
	// frame refreshes the deadline.
	for {
		if err := ws.SetReadDeadline(time.Now().Add(h.readTimeout)); err != nil {
			logger.Debug(ctx, "set read deadline", logger.Fields{"client_id": client.ID, "error": err.Error()})
			return
		}
		var frame []byte
		err := websocket.Message.Receive(ws, &frame)
		if err == nil || errors.Is(err, websocket.ErrFrameTooLarge) {
			continue
		}
		if !errors.Is(err, io.EOF) {
			select {
			case <-client.Done():
			default:
				logger.Debug(ctx, "read from client failed", logger.Fields{"client_id": client.ID, "error": err.Error()})
			}
		}
		return
	}
}

func newClientID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), rand.Text()[:8])
}
