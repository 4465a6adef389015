package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"towngate/internal/models"
	"towngate/internal/services"
)

// supportedGatewayEventTypes is the ingress whitelist. Relationship events
// are synthesized inside the gateway and are deliberately absent.
var supportedGatewayEventTypes = map[string]bool{
	models.EventAgentStateChanged:    true,
	models.EventConversationStarted:  true,
	models.EventConversationInvited:  true,
	models.EventConversationMessage:  true,
	models.EventConversationEnded:    true,
	models.EventConversationTimeout:  true,
	models.EventActionFinished:       true,
	models.EventQueueRefillRequested: true,
}

type gatewayEventRequest struct {
	EventType     string `json:"eventType"`
	EventAgentID  string `json:"eventAgentId"`
	TargetAgentID string `json:"targetAgentId"`
	AgentID       string `json:"agentId"` // legacy producers
	WorldID       string `json:"worldId"`
	Priority      *int   `json:"priority"`
	ExpiresAt     *int64 `json:"expiresAt"`
	EventTs       *int64 `json:"eventTs"` // legacy producers

	Payload        json.RawMessage `json:"payload"`
	EventData      json.RawMessage `json:"eventData"` // legacy producers
	IdempotencyKey string          `json:"idempotencyKey"`
}

// GatewayEventHandler is the HTTP ingress for world events pushed by the
// engine. Authentication happens in middleware; this handler owns parsing,
// idempotency, classification and enqueue.
type GatewayEventHandler struct {
	dispatcher  *services.EventDispatcher
	commandQ    *services.CommandQueue
	idempotency services.IdempotencyStore
	metrics     *services.Metrics
}

func NewGatewayEventHandler(dispatcher *services.EventDispatcher, commandQ *services.CommandQueue, idempotency services.IdempotencyStore, metrics *services.Metrics) *GatewayEventHandler {
	return &GatewayEventHandler{
		dispatcher:  dispatcher,
		commandQ:    commandQ,
		idempotency: idempotency,
		metrics:     metrics,
	}
}

// parseGatewayEvent normalizes legacy field spellings and validates the
// request. The returned target agent id is where the event queues.
func parseGatewayEvent(req *gatewayEventRequest) (targetAgentID string, eventAgentID string, expiresAt int64, payload json.RawMessage, err error) {
	eventAgentID = req.EventAgentID
	targetAgentID = req.TargetAgentID
	if eventAgentID == "" && req.AgentID != "" {
		eventAgentID = req.AgentID
	}
	if targetAgentID == "" && req.AgentID != "" {
		targetAgentID = req.AgentID
	}
	if targetAgentID == "" && eventAgentID != "" {
		targetAgentID = eventAgentID
	}

	if req.ExpiresAt != nil {
		expiresAt = *req.ExpiresAt
	} else if req.EventTs != nil && *req.EventTs > 0 {
		expiresAt = *req.EventTs + 60_000
	}

	payload = req.Payload
	if len(payload) == 0 {
		payload = req.EventData
	}

	switch {
	case req.EventType == "":
		err = fmt.Errorf("Missing eventType")
	case !supportedGatewayEventTypes[req.EventType]:
		err = fmt.Errorf("Unsupported eventType: %q. Supported: %s", req.EventType, supportedTypeList())
	case eventAgentID == "":
		err = fmt.Errorf("Missing eventAgentId")
	case targetAgentID == "":
		err = fmt.Errorf("Missing targetAgentId")
	case req.WorldID == "":
		err = fmt.Errorf("Missing worldId")
	case req.Priority == nil:
		err = fmt.Errorf("Invalid priority")
	case !models.EventPriority(*req.Priority).Valid():
		err = fmt.Errorf("Invalid priority")
	case expiresAt <= 0:
		err = fmt.Errorf("Invalid expiresAt")
	}
	return targetAgentID, eventAgentID, expiresAt, payload, err
}

func supportedTypeList() string {
	types := make([]string, 0, len(supportedGatewayEventTypes))
	for t := range supportedGatewayEventTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	return strings.Join(types, ", ")
}

// HandleEvent is POST /gateway/event.
func (h *GatewayEventHandler) HandleEvent(c *fiber.Ctx) error {
	var req gatewayEventRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"received": false,
			"error":    "Invalid body",
		})
	}

	idemKey := c.Get("x-idempotency-key")
	if idemKey == "" {
		idemKey = req.IdempotencyKey
	}
	if idemKey == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"received": false,
			"error":    "Missing x-idempotency-key",
		})
	}

	targetAgentID, eventAgentID, expiresAt, payload, err := parseGatewayEvent(&req)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"received": false,
			"error":    err.Error(),
		})
	}

	// A replayed key is a success no-op: the first delivery already queued
	// the event.
	first, err := h.idempotency.FirstUse(c.Context(), idemKey)
	if err != nil {
		slog.Error("idempotency store unavailable", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"received": false,
			"error":    "Gateway error",
		})
	}
	if !first {
		return c.JSON(fiber.Map{"received": true})
	}

	event := models.WorldEvent{
		Type:      req.EventType,
		ID:        uuid.NewString(),
		Version:   models.ProtocolVersion,
		Timestamp: time.Now().UnixMilli(),
		ExpiresAt: expiresAt,
		Payload:   payload,
		Metadata: map[string]any{
			"eventAgentId":  eventAgentID,
			"targetAgentId": targetAgentID,
		},
	}

	// Only the newest refill request matters: a stale one still queued
	// behind it would just trigger a redundant refill after delivery.
	if event.Type == models.EventQueueRefillRequested {
		if n := h.dispatcher.RemoveQueuedByType(targetAgentID, models.EventQueueRefillRequested); n > 0 {
			slog.Debug("superseded queued refill requests",
				"agent_id", targetAgentID, "count", n)
		}
	}

	hinted := models.EventPriority(*req.Priority)
	priority := services.ClassifyPriority(event, &hinted)
	h.dispatcher.Enqueue(targetAgentID, event, priority)

	// action.finished doubles as a loose completion signal for whatever
	// command currently holds the agent's slot.
	if event.Type == models.EventActionFinished {
		if h.commandQ.Complete(targetAgentID, "", services.CompleteActionFinished) {
			slog.Debug("action finished completed in-flight command", "agent_id", targetAgentID)
		}
	}

	return c.JSON(fiber.Map{"received": true, "eventId": event.ID})
}
