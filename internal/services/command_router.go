package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"towngate/internal/models"
)

// Command rejection reasons surfaced in acks.
const (
	ReasonUnknownCommand = "Unknown commandType"
	ReasonInvalidPayload = "Invalid payload"
	ReasonTargetOffline  = "target_offline"
	ReasonGatewayError   = "Gateway error"
)

// CommandRouter turns inbound command.* messages into work: relationship
// commands resolve entirely inside the gateway, everything else is mapped
// into the engine's vocabulary and forwarded over HTTP. All paths funnel
// through the CommandQueue so execution stays serial per agent, and every
// command is answered with exactly one ack per command id on the socket it
// arrived on.
type CommandRouter struct {
	engine      *EngineClient
	mapper      *CommandMapper
	queue       *CommandQueue
	connections *ConnectionManager
	dispatcher  *EventDispatcher
	metrics     *Metrics
}

func NewCommandRouter(engine *EngineClient, mapper *CommandMapper, queue *CommandQueue, connections *ConnectionManager, dispatcher *EventDispatcher, metrics *Metrics) *CommandRouter {
	return &CommandRouter{
		engine:      engine,
		mapper:      mapper,
		queue:       queue,
		connections: connections,
		dispatcher:  dispatcher,
		metrics:     metrics,
	}
}

// safeAck answers a command on its originating socket. The socket may have
// closed since the command arrived; a failed ack is logged, never raised.
func (r *CommandRouter) safeAck(conn *BotConnection, payload models.CommandAckPayload, commandType string) {
	if payload.AckSemantics == "" {
		payload.AckSemantics = models.AckSemanticsQueued
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to encode command ack", "command_type", commandType, "error", err)
		return
	}
	msg := models.WsMessage{
		Type:      models.MsgCommandAck,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}
	if err := conn.SendJSON(msg); err != nil {
		slog.Warn("failed to send command ack",
			"agent_id", conn.Session.AgentID,
			"command_type", commandType,
			"ack_status", payload.Status,
			"error", err)
	}
}

// Handle routes one inbound command message. Non-command types are ignored.
func (r *CommandRouter) Handle(conn *BotConnection, msg *models.WsMessage) {
	if !strings.HasPrefix(msg.Type, models.CommandPrefix) {
		return
	}
	commandType := strings.TrimPrefix(msg.Type, models.CommandPrefix)

	switch commandType {
	case "batch":
		r.handleBatch(conn, msg)
		return
	case "propose_relationship":
		r.submit(conn, msg, commandType, func(item *CommandItem) {
			go r.executePropose(conn, item)
		})
		return
	case "respond_relationship":
		r.submit(conn, msg, commandType, func(item *CommandItem) {
			go r.executeRespond(conn, item)
		})
		return
	}

	mapping, ok := r.mapper.Get(commandType)
	if !ok {
		r.metrics.RecordCommand(commandType, models.AckRejected)
		r.safeAck(conn, models.CommandAckPayload{
			CommandID: msg.ID,
			Status:    models.AckRejected,
			Reason:    ReasonUnknownCommand,
		}, commandType)
		return
	}

	r.submit(conn, msg, commandType, func(item *CommandItem) {
		go r.executeEngine(conn, item, mapping)
	})
}

func (r *CommandRouter) submit(conn *BotConnection, msg *models.WsMessage, commandType string, run func(*CommandItem)) {
	r.queue.Submit(&CommandItem{
		ID:         msg.ID,
		AgentID:    conn.Session.AgentID,
		Type:       commandType,
		Payload:    msg.Payload,
		ReceivedAt: time.Now().UnixMilli(),
	}, run)
}

func singleIdempotencyKey(agentID, commandType string) string {
	return fmt.Sprintf("%s:%s:%d:%s", agentID, commandType, time.Now().UnixMilli(), uuid.NewString()[:4])
}

// executeEngine forwards a mapped command to the engine and acks the result.
func (r *CommandRouter) executeEngine(conn *BotConnection, item *CommandItem, mapping CommandMapping) {
	req, err := mapping.BuildRequest(item.AgentID, item.Payload)
	if err != nil {
		r.metrics.RecordCommand(item.Type, models.AckRejected)
		slog.Warn("malformed command payload",
			"agent_id", item.AgentID,
			"command_type", item.Type,
			"error", err)
		r.safeAck(conn, models.CommandAckPayload{
			CommandID: item.ID,
			Status:    models.AckRejected,
			Reason:    ReasonInvalidPayload,
		}, item.Type)
		r.queue.Complete(item.AgentID, item.ID, CompleteRejected)
		return
	}

	// say bypasses the engine-side input queue: conversational turns need
	// synchronous application, not best-effort queuing.
	enqueueMode := ""
	if item.Type == "say" {
		enqueueMode = "immediate"
	}

	key := singleIdempotencyKey(item.AgentID, item.Type)
	res := r.engine.PostCommand(context.Background(), conn.Session.Token, key, req, enqueueMode)
	if res.Accepted {
		r.metrics.RecordCommand(item.Type, models.AckAccepted)
		r.safeAck(conn, models.CommandAckPayload{
			CommandID: item.ID,
			Status:    models.AckAccepted,
			InputID:   res.InputID,
		}, item.Type)
		r.queue.Complete(item.AgentID, item.ID, CompleteAccepted)
		return
	}

	r.metrics.RecordCommand(item.Type, models.AckRejected)
	slog.Warn("engine rejected command",
		"agent_id", item.AgentID,
		"command_type", item.Type,
		"code", res.Code,
		"reason", res.Message)
	r.safeAck(conn, models.CommandAckPayload{
		CommandID: item.ID,
		Status:    models.AckRejected,
		Reason:    res.Message,
	}, item.Type)
	r.queue.Complete(item.AgentID, item.ID, CompleteRejected)
}

// executePropose resolves propose_relationship entirely inside the gateway:
// the target's live connection receives a synthesized event, the engine is
// not involved.
func (r *CommandRouter) executePropose(conn *BotConnection, item *CommandItem) {
	var p models.ProposeRelationshipPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil || p.TargetPlayerID == "" {
		r.rejectLocal(conn, item, ReasonInvalidPayload)
		return
	}

	target := r.connections.GetByPlayerID(p.TargetPlayerID)
	if target == nil {
		r.rejectLocal(conn, item, ReasonTargetOffline)
		return
	}

	event, err := synthesizeEvent(models.EventRelationshipProposed, models.RelationshipProposedPayload{
		ProposerID:     conn.Session.PlayerID,
		TargetPlayerID: p.TargetPlayerID,
		Status:         p.Status,
	})
	if err != nil {
		r.rejectLocal(conn, item, ReasonGatewayError)
		return
	}
	r.dispatcher.Enqueue(target.Session.AgentID, event, 1)

	r.metrics.RecordCommand(item.Type, models.AckAccepted)
	r.safeAck(conn, models.CommandAckPayload{
		CommandID: item.ID,
		Status:    models.AckAccepted,
	}, item.Type)
	r.queue.Complete(item.AgentID, item.ID, CompleteAccepted)
}

// executeRespond answers a relationship proposal. An acceptance is persisted
// through the engine's relationship API before the proposer is notified.
func (r *CommandRouter) executeRespond(conn *BotConnection, item *CommandItem) {
	var p models.RespondRelationshipPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil || p.ProposerID == "" {
		r.rejectLocal(conn, item, ReasonInvalidPayload)
		return
	}

	status := p.Status
	if status == "" {
		status = "friend"
	}

	if p.Accept {
		err := r.engine.UpsertRelationship(context.Background(), conn.Session.Token, RelationshipUpsert{
			PlayerAID:     p.ProposerID,
			PlayerBID:     conn.Session.PlayerID,
			Status:        status,
			EstablishedAt: time.Now().UnixMilli(),
		})
		if err != nil {
			slog.Error("relationship upsert failed",
				"agent_id", item.AgentID,
				"proposer_id", p.ProposerID,
				"error", err)
			r.rejectLocal(conn, item, ReasonGatewayError)
			return
		}
	}

	// Notify the proposer if they are still connected; the response is
	// valid either way.
	if proposer := r.connections.GetByPlayerID(p.ProposerID); proposer != nil {
		event, err := synthesizeEvent(models.EventRelationshipResponded, models.RelationshipRespondedPayload{
			ProposerID:  p.ProposerID,
			ResponderID: conn.Session.PlayerID,
			Status:      status,
			Accept:      p.Accept,
		})
		if err == nil {
			r.dispatcher.Enqueue(proposer.Session.AgentID, event, 1)
		}
	} else {
		slog.Info("relationship response with proposer offline",
			"agent_id", item.AgentID,
			"proposer_id", p.ProposerID)
	}

	r.metrics.RecordCommand(item.Type, models.AckAccepted)
	r.safeAck(conn, models.CommandAckPayload{
		CommandID: item.ID,
		Status:    models.AckAccepted,
	}, item.Type)
	r.queue.Complete(item.AgentID, item.ID, CompleteAccepted)
}

func (r *CommandRouter) rejectLocal(conn *BotConnection, item *CommandItem, reason string) {
	r.metrics.RecordCommand(item.Type, models.AckRejected)
	r.safeAck(conn, models.CommandAckPayload{
		CommandID: item.ID,
		Status:    models.AckRejected,
		Reason:    reason,
	}, item.Type)
	r.queue.Complete(item.AgentID, item.ID, CompleteRejected)
}

// handleBatch forwards a command.batch to the engine's batch endpoint. Each
// sub-command is acked individually; sub-commands the mapper cannot translate
// are rejected up front and excluded from the submission.
func (r *CommandRouter) handleBatch(conn *BotConnection, msg *models.WsMessage) {
	var batch models.CommandBatchPayload
	if err := json.Unmarshal(msg.Payload, &batch); err != nil || len(batch.Commands) == 0 {
		r.metrics.RecordCommand("batch", models.AckRejected)
		r.safeAck(conn, models.CommandAckPayload{
			CommandID: msg.ID,
			Status:    models.AckRejected,
			Reason:    ReasonInvalidPayload,
		}, "batch")
		return
	}

	r.submit(conn, msg, "batch", func(item *CommandItem) {
		go r.executeBatch(conn, item, batch)
	})
}

func (r *CommandRouter) executeBatch(conn *BotConnection, item *CommandItem, batch models.CommandBatchPayload) {
	events := make([]BatchEvent, 0, len(batch.Commands))
	accepted := make([]models.CommandBatchItem, 0, len(batch.Commands))

	for _, sub := range batch.Commands {
		subType := strings.TrimPrefix(sub.Type, models.CommandPrefix)
		mapping, ok := r.mapper.Get(subType)
		if !ok {
			r.metrics.RecordCommand(subType, models.AckRejected)
			r.safeAck(conn, models.CommandAckPayload{
				CommandID: sub.ID,
				Status:    models.AckRejected,
				Reason:    ReasonUnknownCommand,
			}, subType)
			continue
		}
		req, err := mapping.BuildRequest(item.AgentID, sub.Payload)
		if err != nil {
			r.metrics.RecordCommand(subType, models.AckRejected)
			r.safeAck(conn, models.CommandAckPayload{
				CommandID: sub.ID,
				Status:    models.AckRejected,
				Reason:    ReasonInvalidPayload,
			}, subType)
			continue
		}
		events = append(events, BatchEvent{
			EventID: sub.ID,
			Kind:    req.CommandType,
			Args:    req.Args,
		})
		accepted = append(accepted, sub)
	}

	if len(events) == 0 {
		r.queue.Complete(item.AgentID, item.ID, CompleteRejected)
		return
	}

	key := fmt.Sprintf("%s:batch:%s", item.AgentID, item.ID)
	err := r.engine.PostCommandBatch(context.Background(), conn.Session.Token, key,
		conn.Session.WorldID, item.AgentID, events)
	if err != nil {
		slog.Error("batch submit failed",
			"agent_id", item.AgentID,
			"batch_id", item.ID,
			"size", len(events),
			"error", err)
		for _, sub := range accepted {
			subType := strings.TrimPrefix(sub.Type, models.CommandPrefix)
			r.metrics.RecordCommand(subType, models.AckRejected)
			r.safeAck(conn, models.CommandAckPayload{
				CommandID: sub.ID,
				Status:    models.AckRejected,
				Reason:    ReasonGatewayError,
			}, subType)
		}
		r.queue.Complete(item.AgentID, item.ID, CompleteRejected)
		return
	}

	for _, sub := range accepted {
		subType := strings.TrimPrefix(sub.Type, models.CommandPrefix)
		r.metrics.RecordCommand(subType, models.AckAccepted)
		r.safeAck(conn, models.CommandAckPayload{
			CommandID: sub.ID,
			Status:    models.AckAccepted,
		}, subType)
	}
	r.queue.Complete(item.AgentID, item.ID, CompleteAccepted)
}

// synthesizeEvent builds a gateway-originated world event with the standard
// 60s freshness window.
func synthesizeEvent(eventType string, payload any) (models.WorldEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.WorldEvent{}, fmt.Errorf("encode synthesized event: %w", err)
	}
	now := time.Now().UnixMilli()
	return models.WorldEvent{
		Type:      eventType,
		ID:        uuid.NewString(),
		Version:   models.ProtocolVersion,
		Timestamp: now,
		ExpiresAt: now + 60_000,
		Payload:   raw,
	}, nil
}
