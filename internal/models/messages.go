package models

import "encoding/json"

// ProtocolVersion is the current bot wire-protocol version.
const ProtocolVersion = 1

// WsMessage is the envelope for every message on the bot WebSocket, in both
// directions. Payload stays raw until a type-directed decode at the boundary.
type WsMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Version   int             `json:"version,omitempty"`
	Timestamp int64           `json:"timestamp"`
	ExpiresAt int64           `json:"expiresAt,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// Outbound message types that are not world events.
const (
	MsgConnected  = "connected"
	MsgAuthError  = "auth_error"
	MsgCommandAck = "command.ack"
	MsgPing       = "ping"
)

// Inbound message types that are not commands.
const (
	MsgEventAck = "event.ack"
	MsgPong     = "pong"
)

// CommandPrefix tags every inbound bot instruction ("command.move_to", ...).
const CommandPrefix = "command."

// Auth error codes sent before closing an unauthenticated socket.
const (
	AuthErrInvalidToken     = "INVALID_TOKEN"
	AuthErrTokenExpired     = "TOKEN_EXPIRED"
	AuthErrNPCNotFound      = "NPC_NOT_FOUND"
	AuthErrAlreadyConnected = "ALREADY_CONNECTED"
	AuthErrVersionMismatch  = "VERSION_MISMATCH"
)

// ConnectedPayload echoes the negotiated session back to the bot.
type ConnectedPayload struct {
	AgentID           string   `json:"agentId"`
	PlayerID          string   `json:"playerId"`
	PlayerName        string   `json:"playerName"`
	WorldID           string   `json:"worldId"`
	ServerVersion     string   `json:"serverVersion"`
	NegotiatedVersion int      `json:"negotiatedVersion"`
	SupportedVersions []int    `json:"supportedVersions"`
	SubscribedEvents  []string `json:"subscribedEvents"`
}

// AuthErrorPayload is sent once before the socket is closed.
type AuthErrorPayload struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	SupportedVersions []int  `json:"supportedVersions,omitempty"`
}

// Command ack statuses. AckSemantics is always "queued": an accepted ack
// means the command was accepted for execution, not that it succeeded.
const (
	AckAccepted        = "accepted"
	AckRejected        = "rejected"
	AckSemanticsQueued = "queued"
)

// CommandAckPayload reports per-command acceptance back to the sender.
type CommandAckPayload struct {
	CommandID    string `json:"commandId"`
	Status       string `json:"status"`
	AckSemantics string `json:"ackSemantics"`
	Reason       string `json:"reason,omitempty"`
	InputID      string `json:"inputId,omitempty"`
}

// EventAckPayload acknowledges delivery of a world event.
type EventAckPayload struct {
	EventID string `json:"eventId"`
}

// Inbound command payloads, decoded per command type.

type MoveToPayload struct {
	TargetPlayerID string `json:"targetPlayerId"`
}

type SayPayload struct {
	ConversationID string         `json:"conversationId"`
	Text           string         `json:"text"`
	LeaveAfter     bool           `json:"leaveAfter"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type SetActivityPayload struct {
	Description string         `json:"description"`
	Emoji       string         `json:"emoji"`
	Duration    int64          `json:"duration"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type ConversationRefPayload struct {
	ConversationID string         `json:"conversationId"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type TargetPlayerPayload struct {
	TargetPlayerID string         `json:"targetPlayerId"`
	Invitee        string         `json:"invitee,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type Activity struct {
	Description string `json:"description"`
	Emoji       string `json:"emoji"`
	Until       int64  `json:"until"`
}

type ContinueDoingPayload struct {
	Activity Activity       `json:"activity"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type DoSomethingPayload struct {
	ActionType string          `json:"actionType"`
	Args       json.RawMessage `json:"args,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
}

type ProposeRelationshipPayload struct {
	TargetPlayerID string         `json:"targetPlayerId"`
	Status         string         `json:"status"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type RespondRelationshipPayload struct {
	ProposerID string         `json:"proposerId"`
	Accept     bool           `json:"accept"`
	Status     string         `json:"status,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// CommandBatchItem is one sub-command inside a command.batch message.
// Each sub-command receives its own ack.
type CommandBatchItem struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type CommandBatchPayload struct {
	Commands []CommandBatchItem `json:"commands"`
}
