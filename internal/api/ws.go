package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

func requireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// alertsSocket relays every published alert to the connected client as a
// text frame holding the alert JSON.
func (s *Server) alertsSocket() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		defer c.Close()

		messages, closeSub, err := s.deps.Alerts.SubscribeAlerts(ctx)
		if err != nil {
			s.logger.Warn("Alert subscription failed", zap.Error(err))
			_ = c.WriteJSON(fiber.Map{"type": "error", "message": "alert stream unavailable"})
			return
		}
		defer closeSub()

		s.logger.Info("Alert stream connected", zap.String("remote", c.RemoteAddr().String()))
		if err := c.WriteJSON(fiber.Map{
			"type":    "connected",
			"message": "Connected to anomaly alert stream",
			"time":    s.now().UTC().Format(time.RFC3339),
		}); err != nil {
			return
		}

		// The client never sends data; a failed read means it went away.
		go func() {
			defer cancel()
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
					s.logger.Debug("Alert stream write failed", zap.Error(err))
					return
				}
			}
		}
	})
}
