package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/widgetsync/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Widgets are embedded in browser sources on other origins
	},
}

const disconnectTimeout = 5 * time.Second

// handleWebSocket authenticates the attempt, upgrades the socket, and
// runs the read pump until the client goes away. A bad token is a hard
// 401 before any upgrade happens.
func (s *Server) handleWebSocket(c echo.Context) error {
	ctx := c.Request().Context()

	token := c.Request().Header.Get("Authorization")
	if token == "" {
		token = c.QueryParam("token")
	}

	decision := s.authorizer.Decide(ctx, token)
	if !decision.Allow {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}
	auth := domain.AuthContextFromMap(decision.Context)

	connectionID := uuid.NewString()

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade websocket: %w", err)
	}

	if err := s.app.Connect(ctx, connectionID, auth); err != nil {
		slog.Error("Failed to register connection", "connection_id", connectionID, "error", err)
		conn.Close()
		return nil
	}

	if err := s.hub.Register(connectionID, conn); err != nil {
		slog.Error("Failed to register with hub", "connection_id", connectionID, "error", err)
		s.disconnect(connectionID)
		conn.Close()
		return nil
	}

	s.readPump(ctx, connectionID, conn)

	s.hub.Unregister(connectionID, conn)
	s.disconnect(connectionID)
	return nil
}

// readPump decodes client frames and routes them until the socket closes.
// Malformed frames and unknown types are logged and skipped; the
// connection stays up.
func (s *Server) readPump(ctx context.Context, connectionID string, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg domain.InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Skipping malformed frame", "connection_id", connectionID, "error", err)
			continue
		}

		if err := s.routeMessage(ctx, connectionID, msg); err != nil {
			slog.Warn("Message handling failed",
				"connection_id", connectionID,
				"type", msg.Type,
				"widget_id", msg.WidgetID,
				"error", err,
			)
		}
	}
}

func (s *Server) routeMessage(ctx context.Context, connectionID string, msg domain.InboundMessage) error {
	switch msg.Type {
	case domain.MsgWidgetSubscribe:
		return s.app.Subscribe(ctx, connectionID, msg.WidgetID)
	case domain.MsgWidgetUnsubscribe:
		return s.app.Unsubscribe(ctx, connectionID, msg.WidgetID)
	case domain.MsgWidgetAction:
		return s.app.Action(ctx, connectionID, msg.WidgetID, msg.Action, msg.Payload)
	default:
		slog.Warn("Skipping unknown message type", "connection_id", connectionID, "type", msg.Type)
		return nil
	}
}

// disconnect removes the connection record. The request context is dying
// at this point, so it gets its own deadline.
func (s *Server) disconnect(connectionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()

	if err := s.app.Disconnect(ctx, connectionID); err != nil {
		slog.Warn("Failed to remove connection record", "connection_id", connectionID, "error", err)
	}
}
