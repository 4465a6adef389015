package handlers

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"towngate/internal/services"
)

// BotProxyHandler forwards a small set of engine endpoints through the
// gateway so bot clients only ever talk to one host. Calls run under the
// bot's own bearer token; the gateway adds nothing and validates nothing
// beyond the header being present.
type BotProxyHandler struct {
	engine     *services.EngineClient
	httpClient *http.Client
}

func NewBotProxyHandler(engine *services.EngineClient) *BotProxyHandler {
	return &BotProxyHandler{
		engine: engine,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func bearerToken(c *fiber.Ctx) string {
	auth := c.Get(fiber.HeaderAuthorization)
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// HandleDescriptionUpdate is POST /api/bot/description/update. Unlike the
// raw passthroughs it decodes the body so error codes map onto proper HTTP
// statuses.
func (h *BotProxyHandler) HandleDescriptionUpdate(c *fiber.Ctx) error {
	token := bearerToken(c)
	if token == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"ok": false, "error": "Missing Authorization header"})
	}

	var body struct {
		PlayerID    string  `json:"playerId"`
		Description *string `json:"description"`
	}
	if err := c.BodyParser(&body); err != nil || body.PlayerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"ok": false, "error": "Missing playerId"})
	}
	if body.Description == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"ok": false, "error": "Missing description"})
	}

	if err := h.engine.UpdateDescription(c.Context(), token, body.PlayerID, *body.Description); err != nil {
		slog.Error("description update proxy failed", "player_id", body.PlayerID, "error", err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"ok": false, "error": err.Error()})
	}
	return c.JSON(fiber.Map{"ok": true})
}

// HandleSemanticSnapshot is GET /api/bot/world/:worldId/semantic.
func (h *BotProxyHandler) HandleSemanticSnapshot(c *fiber.Ctx) error {
	auth := c.Get(fiber.HeaderAuthorization)
	if auth == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"ok": false, "error": "Missing Authorization header"})
	}
	worldID := c.Params("worldId")
	if worldID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"ok": false, "error": "Missing worldId"})
	}

	snapshot, err := h.engine.GetSemanticSnapshot(c.Context(), worldID, auth)
	if err != nil {
		slog.Error("semantic snapshot proxy failed", "world_id", worldID, "error", err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"ok": false, "error": "Gateway error"})
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send([]byte(`{"ok":true,"snapshot":` + string(snapshot) + `}`))
}

// Forward returns a handler that relays the request verbatim to the same
// path on the engine, preserving method, query, body and authorization.
func (h *BotProxyHandler) Forward() fiber.Handler {
	return func(c *fiber.Ctx) error {
		auth := c.Get(fiber.HeaderAuthorization)
		if auth == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"ok": false, "error": "Missing Authorization header"})
		}

		target := h.engine.BaseURL() + c.Path()
		if qs := string(c.Request().URI().QueryString()); qs != "" {
			target += "?" + qs
		}

		ctx, cancel := context.WithTimeout(c.Context(), 15*time.Second)
		defer cancel()

		var body io.Reader
		if len(c.Body()) > 0 {
			body = bytes.NewReader(c.Body())
		}
		req, err := http.NewRequestWithContext(ctx, c.Method(), target, body)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"ok": false, "error": "Gateway error"})
		}
		req.Header.Set("Authorization", auth)
		if ct := c.Get(fiber.HeaderContentType); ct != "" {
			req.Header.Set("Content-Type", ct)
		} else {
			req.Header.Set("Content-Type", fiber.MIMEApplicationJSON)
		}

		res, err := h.httpClient.Do(req)
		if err != nil {
			slog.Error("engine proxy request failed", "path", c.Path(), "error", err)
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"ok": false, "error": "Gateway error"})
		}
		defer res.Body.Close()

		data, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
		if err != nil {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"ok": false, "error": "Gateway error"})
		}
		if ct := res.Header.Get("Content-Type"); ct != "" {
			c.Set(fiber.HeaderContentType, ct)
		}
		return c.Status(res.StatusCode).Send(data)
	}
}
