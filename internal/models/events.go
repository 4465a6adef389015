package models

import (
	"encoding/json"
	"strconv"
)

// EventPriority is one of 4 fixed delivery lanes; 0 is the most urgent.
type EventPriority int

const NumPriorities = 4

func (p EventPriority) String() string {
	return strconv.Itoa(int(p))
}

// Valid reports whether p is one of the 4 defined lanes.
func (p EventPriority) Valid() bool {
	return p >= 0 && p < NumPriorities
}

// World event types pushed from the engine to bots.
const (
	EventConversationStarted   = "conversation.started"
	EventConversationInvited   = "conversation.invited"
	EventConversationMessage   = "conversation.message"
	EventConversationEnded     = "conversation.ended"
	EventConversationTimeout   = "conversation.timeout"
	EventAgentStateChanged     = "agent.state_changed"
	EventActionFinished        = "action.finished"
	EventQueueRefillRequested  = "agent.queue_refill_requested"
	EventRelationshipProposed  = "social.relationship_proposed"
	EventRelationshipResponded = "social.relationship_responded"
)

// IsCriticalEventType reports whether an event type has user-visible
// consequences if dropped. Critical events displace non-critical ones
// when a queue lane overflows, and are never displaced by them.
func IsCriticalEventType(eventType string) bool {
	return eventType == EventConversationEnded || eventType == EventConversationTimeout
}

// WorldEvent is a server-to-bot notification about world state. The payload
// is kept opaque: the gateway forwards it as-is, decoding only when it needs
// to inspect or synthesize specific fields.
type WorldEvent struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Version   int             `json:"version"`
	Timestamp int64           `json:"timestamp"`
	ExpiresAt int64           `json:"expiresAt"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// AgentStateChangedPayload is decoded only as far as priority
// classification needs (presence of nearby players).
type AgentStateChangedPayload struct {
	State         string          `json:"state"`
	Position      json.RawMessage `json:"position"`
	NearbyPlayers []json.RawMessage `json:"nearbyPlayers"`
}

// RelationshipProposedPayload is synthesized by the gateway when a bot
// proposes a relationship to another connected player.
type RelationshipProposedPayload struct {
	ProposerID     string `json:"proposerId"`
	TargetPlayerID string `json:"targetPlayerId"`
	Status         string `json:"status"`
}

// RelationshipRespondedPayload is synthesized by the gateway when a bot
// answers a relationship proposal.
type RelationshipRespondedPayload struct {
	ProposerID  string `json:"proposerId"`
	ResponderID string `json:"responderId"`
	Status      string `json:"status"`
	Accept      bool   `json:"accept"`
}
