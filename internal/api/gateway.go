package api

import (
	"context"

	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/whisper-msg/whisper-server/internal/gateway"
)

// GatewayHandler serves the WebSocket upgrade endpoint for the real-time messaging gateway.
type GatewayHandler struct {
	gw *gateway.Gateway
}

// NewGatewayHandler creates a new gateway handler.
func NewGatewayHandler(gw *gateway.Gateway) *GatewayHandler {
	return &GatewayHandler{gw: gw}
}

// Upgrade handles GET /ws. It upgrades the HTTP connection to a WebSocket and hands it to the
// Gateway's onConnect path; ServeWebSocket blocks for the connection's lifetime.
func (h *GatewayHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	remoteAddr := c.IP()
	return websocket.New(func(conn *websocket.Conn) {
		h.gw.ServeWebSocket(context.Background(), conn.Conn, remoteAddr)
	})(c)
}
