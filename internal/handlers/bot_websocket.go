package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"towngate/internal/config"
	"towngate/internal/logging"
	"towngate/internal/models"
	"towngate/internal/services"
)

// SupportedProtocolVersions lists the wire-protocol versions this gateway
// speaks, lowest first.
var SupportedProtocolVersions = []int{models.ProtocolVersion}

// externalControlReassertDelay is how long after connect we re-confirm the
// engine-side external-control flag, in case the first toggle raced a stale
// socket's teardown.
const externalControlReassertDelay = 1500 * time.Millisecond

// BotWebSocketHandler runs the /ws/bot connection lifecycle: version
// negotiation, token auth, duplicate and eviction guards, heartbeat, message
// dispatch, and teardown.
type BotWebSocketHandler struct {
	cfg         *config.Config
	engine      *services.EngineClient
	connections *services.ConnectionManager
	queues      *services.QueueRegistry
	dispatcher  *services.EventDispatcher
	commandQ    *services.CommandQueue
	router      *services.CommandRouter
	metrics     *services.Metrics
}

func NewBotWebSocketHandler(
	cfg *config.Config,
	engine *services.EngineClient,
	connections *services.ConnectionManager,
	queues *services.QueueRegistry,
	dispatcher *services.EventDispatcher,
	commandQ *services.CommandQueue,
	router *services.CommandRouter,
	metrics *services.Metrics,
) *BotWebSocketHandler {
	return &BotWebSocketHandler{
		cfg:         cfg,
		engine:      engine,
		connections: connections,
		queues:      queues,
		dispatcher:  dispatcher,
		commandQ:    commandQ,
		router:      router,
		metrics:     metrics,
	}
}

func sendEarly(c *websocket.Conn, msg models.WsMessage) {
	// Pre-registration writes happen before any concurrent writer exists.
	_ = c.WriteJSON(msg)
}

// Handle is the WebSocket handler for /ws/bot.
func (h *BotWebSocketHandler) Handle(c *websocket.Conn) {
	token := c.Query("token")

	clientRange := ParseVersionRange(c.Query("v"))
	negotiation := NegotiateVersion(clientRange, SupportedProtocolVersions)
	if !negotiation.OK {
		sendEarly(c, buildAuthErrorMessage(models.ProtocolVersion, models.AuthErrorPayload{
			Code:              models.AuthErrVersionMismatch,
			Message:           negotiation.Message,
			SupportedVersions: negotiation.SupportedVersions,
		}))
		_ = c.Close()
		return
	}

	subscribed := ParseSubscribeList(c.Query("subscribe"))
	matcher := services.NewSubscriptionMatcher(subscribed)

	if token == "" {
		sendEarly(c, buildAuthErrorMessage(negotiation.NegotiatedVersion, models.AuthErrorPayload{
			Code:    models.AuthErrInvalidToken,
			Message: "Missing token",
		}))
		_ = c.Close()
		return
	}

	// A second socket presenting an already-connected token is refused; the
	// holder must disconnect first. Same agent under a different token is
	// handled below by eviction instead.
	if h.connections.HasToken(token) {
		sendEarly(c, buildAuthErrorMessage(negotiation.NegotiatedVersion, models.AuthErrorPayload{
			Code:    models.AuthErrAlreadyConnected,
			Message: "Token already connected",
		}))
		_ = c.Close()
		return
	}

	h.metrics.RecordWsConnectionCreated()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	verify := h.engine.ValidateToken(ctx, token)
	cancel()

	if !verify.Valid {
		if verify.Code == services.EngineErrNetwork {
			// Fail closed without a specific auth_error: we cannot tell a
			// bad token from an unreachable engine.
			slog.Error("token validation unreachable", "error", verify.Message)
			_ = c.Close()
			h.metrics.RecordWsConnectionClosed("auth_error")
			return
		}
		sendEarly(c, buildAuthErrorMessage(negotiation.NegotiatedVersion, models.AuthErrorPayload{
			Code:    verify.Code,
			Message: verify.Message,
		}))
		_ = c.Close()
		h.metrics.RecordWsConnectionClosed("auth_failed")
		return
	}

	session := models.BotSession{
		Token:             token,
		AgentID:           verify.Binding.AgentID,
		PlayerID:          verify.Binding.PlayerID,
		WorldID:           verify.Binding.WorldID,
		PlayerName:        "NPC",
		NegotiatedVersion: negotiation.NegotiatedVersion,
		SubscribedEvents:  matcher.Subscribed(),
		ConnectedAt:       time.Now().UnixMilli(),
	}
	conn := services.NewBotConnection(session, c, matcher)
	log := logging.WithSession(session.AgentID, session.PlayerID, session.WorldID)

	// Register atomically evicts any prior connection for this agent. The
	// evicted socket is marked so its close path skips agent-level cleanup,
	// then closed here, outside the registry lock.
	if prior := h.connections.Register(conn); prior != nil {
		log.Info("evicting prior connection on reconnect",
			"prior_token", maskToken(prior.Session.Token))
		_ = prior.Close()
	}

	connected := buildConnectedMessage(session.NegotiatedVersion, models.ConnectedPayload{
		AgentID:           session.AgentID,
		PlayerID:          session.PlayerID,
		PlayerName:        session.PlayerName,
		WorldID:           session.WorldID,
		ServerVersion:     h.cfg.ServerVersion,
		NegotiatedVersion: session.NegotiatedVersion,
		SupportedVersions: negotiation.SupportedVersions,
		SubscribedEvents:  session.SubscribedEvents,
	})
	if err := conn.SendJSON(connected); err != nil {
		log.Error("failed to send connected message", "error", err)
		h.connections.Unregister(conn)
		h.metrics.RecordWsConnectionClosed("send_failed")
		return
	}

	log.Info("bot connected",
		"token", maskToken(token),
		"negotiated_version", session.NegotiatedVersion,
		"subscribed", session.SubscribedEvents)

	h.setExternalControl(conn, log, true, false)
	reassert := time.AfterFunc(externalControlReassertDelay, func() {
		if !h.connections.IsCurrent(conn) {
			log.Debug("skipping external-control reassert for stale connection")
			return
		}
		h.setExternalControl(conn, log, true, true)
	})

	stopHeartbeat := h.startHeartbeat(conn, log)

	// Anything queued while the agent was offline goes out now.
	h.dispatcher.TryDispatch(session.AgentID)

	h.readLoop(conn, log)

	reassert.Stop()
	stopHeartbeat()
	h.teardown(conn, log)
}

func (h *BotWebSocketHandler) readLoop(conn *services.BotConnection, log *slog.Logger) {
	c := conn.Socket()
	agentID := conn.Session.AgentID
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("ws read ended", "error", err)
			}
			return
		}

		var msg models.WsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("ignoring malformed ws message", "error", err)
			continue
		}

		switch {
		case msg.Type == models.MsgPong:
			conn.TouchPong()

		case msg.Type == models.MsgEventAck:
			var ack models.EventAckPayload
			if err := json.Unmarshal(msg.Payload, &ack); err != nil || ack.EventID == "" {
				continue
			}
			h.dispatcher.OnAck(agentID, ack.EventID)

		case len(msg.Type) > len(models.CommandPrefix) && msg.Type[:len(models.CommandPrefix)] == models.CommandPrefix:
			h.router.Handle(conn, &msg)

		default:
			// Unknown types are ignored for forward compatibility.
		}
	}
}

// startHeartbeat pings on an interval and force-closes the socket when no
// pong lands inside the timeout window. Returns a stop func.
func (h *BotWebSocketHandler) startHeartbeat(conn *services.BotConnection, log *slog.Logger) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(h.cfg.WsHeartbeatInterval)
		defer ticker.Stop()
		var lastPingAt int64
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				now := time.Now().UnixMilli()
				pongAt := conn.LastPongAt()
				if now-pongAt > h.cfg.WsHeartbeatTimeout.Milliseconds() {
					log.Warn("heartbeat timeout, closing connection")
					_ = conn.Close()
					return
				}
				if lastPingAt > 0 && pongAt >= lastPingAt {
					h.metrics.RecordHeartbeatLatency(float64(pongAt-lastPingAt) / 1000)
				}
				lastPingAt = now
				if err := conn.SendJSON(buildPingMessage()); err != nil {
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// teardown runs when the read loop exits. A socket evicted by a reconnect
// must not tear down agent-level state: the agent lives on under the new
// connection, and its queues and command slot belong to it now.
func (h *BotWebSocketHandler) teardown(conn *services.BotConnection, log *slog.Logger) {
	agentID := conn.Session.AgentID
	evicted := conn.Evicted()
	isCurrent := h.connections.IsCurrent(conn)

	if !evicted && isCurrent {
		go h.triggerDisconnectDegrade(conn, log)
		h.setExternalControl(conn, log, false, false)
		h.dispatcher.OnDisconnect(agentID)
		h.commandQ.ClearAgent(agentID, services.CompleteDisconnect)
		h.queues.Delete(agentID)
		h.connections.Unregister(conn)
		log.Info("bot disconnected", "token", maskToken(conn.Session.Token))
	} else {
		// Identity-checked: a no-op if the registry already points at the
		// replacement connection.
		h.connections.Unregister(conn)
		log.Info("skipping agent-level cleanup for non-current socket",
			"evicted", evicted, "is_current", isCurrent)
	}

	h.metrics.RecordWsConnectionClosed("closed")
}

// setExternalControl toggles the engine-side flag in the background; failure
// never stalls the connection lifecycle.
func (h *BotWebSocketHandler) setExternalControl(conn *services.BotConnection, log *slog.Logger, enabled, reassert bool) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.engine.SetExternalControl(ctx, conn.Session.Token, enabled); err != nil {
			log.Error("external control toggle failed",
				"enabled", enabled, "reassert", reassert, "error", err)
			return
		}
		log.Info("external control toggled", "enabled", enabled, "reassert", reassert)
	}()
}

// triggerDisconnectDegrade puts the agent back under its own control in a
// sane state: go home and sleep. Best effort.
func (h *BotWebSocketHandler) triggerDisconnectDegrade(conn *services.BotConnection, log *slog.Logger) {
	agentID := conn.Session.AgentID
	key := fmt.Sprintf("%s:go_home_and_sleep:%d:%s",
		agentID, time.Now().UnixMilli(), uuid.NewString()[:4])

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res := h.engine.PostCommand(ctx, conn.Session.Token, key, services.EngineCommand{
		AgentID:     agentID,
		CommandType: "do_something",
		Args:        map[string]any{"actionType": "go_home_and_sleep"},
	}, "")
	if !res.Accepted {
		log.Warn("disconnect degrade command not accepted",
			"code", res.Code, "reason", res.Message)
	}
}
