package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"towngate/internal/services"
)

// StatusHandler serves /gateway/status and /health.
type StatusHandler struct {
	connections   *services.ConnectionManager
	serverVersion string
	startedAt     time.Time
}

func NewStatusHandler(connections *services.ConnectionManager, serverVersion string) *StatusHandler {
	return &StatusHandler{
		connections:   connections,
		serverVersion: serverVersion,
		startedAt:     time.Now(),
	}
}

// Handle responds with gateway liveness and connection counts.
func (h *StatusHandler) Handle(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":      "ok",
		"uptime":      time.Since(h.startedAt).Seconds(),
		"connections": h.connections.Count(),
		"version":     h.serverVersion,
	})
}
