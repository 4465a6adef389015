package services

import (
	"encoding/json"
	"fmt"
	"time"

	"towngate/internal/models"
)

// EngineCommand is a fully built request for the world engine's command
// endpoint: its vocabulary, not the wire protocol's.
type EngineCommand struct {
	AgentID     string `json:"agentId"`
	CommandType string `json:"commandType"`
	Args        any    `json:"args"`
}

// CommandMapping translates one wire command type into an engine command.
type CommandMapping struct {
	CommandType  string
	BuildRequest func(agentID string, payload json.RawMessage) (EngineCommand, error)
}

// CommandMapper holds the wire→engine command translations. The wire surface
// is stable for bot clients while the engine vocabulary can drift, so the
// two are bound here and nowhere else.
type CommandMapper struct {
	mappings map[string]CommandMapping
}

func NewCommandMapper() *CommandMapper {
	return &CommandMapper{mappings: make(map[string]CommandMapping)}
}

func (m *CommandMapper) Register(mapping CommandMapping) {
	m.mappings[mapping.CommandType] = mapping
}

// Get returns the mapping for a wire command type, or false.
func (m *CommandMapper) Get(commandType string) (CommandMapping, bool) {
	mapping, ok := m.mappings[commandType]
	return mapping, ok
}

func decodePayload[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("decode command payload: %w", err)
	}
	return v, nil
}

// NewDefaultCommandMapper builds the standard translation table.
func NewDefaultCommandMapper() *CommandMapper {
	m := NewCommandMapper()

	m.Register(CommandMapping{
		CommandType: "move_to",
		BuildRequest: func(agentID string, payload json.RawMessage) (EngineCommand, error) {
			p, err := decodePayload[models.MoveToPayload](payload)
			if err != nil {
				return EngineCommand{}, err
			}
			return EngineCommand{
				AgentID:     agentID,
				CommandType: "move_to",
				Args:        map[string]any{"targetPlayerId": p.TargetPlayerID},
			}, nil
		},
	})

	m.Register(CommandMapping{
		CommandType: "say",
		BuildRequest: func(agentID string, payload json.RawMessage) (EngineCommand, error) {
			p, err := decodePayload[models.SayPayload](payload)
			if err != nil {
				return EngineCommand{}, err
			}
			return EngineCommand{
				AgentID:     agentID,
				CommandType: "say",
				Args: map[string]any{
					"conversationId": p.ConversationID,
					"text":           p.Text,
					"leaveAfter":     p.LeaveAfter,
				},
			}, nil
		},
	})

	// set_activity is sugar over continue_doing with a relative duration.
	m.Register(CommandMapping{
		CommandType: "set_activity",
		BuildRequest: func(agentID string, payload json.RawMessage) (EngineCommand, error) {
			p, err := decodePayload[models.SetActivityPayload](payload)
			if err != nil {
				return EngineCommand{}, err
			}
			return EngineCommand{
				AgentID:     agentID,
				CommandType: "continue_doing",
				Args: map[string]any{
					"activity": map[string]any{
						"description": p.Description,
						"emoji":       p.Emoji,
						"until":       time.Now().UnixMilli() + p.Duration,
					},
				},
			}, nil
		},
	})

	m.Register(CommandMapping{
		CommandType: "accept_invite",
		BuildRequest: func(agentID string, payload json.RawMessage) (EngineCommand, error) {
			p, err := decodePayload[models.ConversationRefPayload](payload)
			if err != nil {
				return EngineCommand{}, err
			}
			return EngineCommand{
				AgentID:     agentID,
				CommandType: "accept_invite",
				Args:        map[string]any{"conversationId": p.ConversationID},
			}, nil
		},
	})

	m.Register(CommandMapping{
		CommandType: "reject_invite",
		BuildRequest: func(agentID string, payload json.RawMessage) (EngineCommand, error) {
			p, err := decodePayload[models.ConversationRefPayload](payload)
			if err != nil {
				return EngineCommand{}, err
			}
			return EngineCommand{
				AgentID:     agentID,
				CommandType: "reject_invite",
				Args:        map[string]any{"conversationId": p.ConversationID},
			}, nil
		},
	})

	// invite is a legacy alias for start_conversation.
	m.Register(CommandMapping{
		CommandType: "invite",
		BuildRequest: func(agentID string, payload json.RawMessage) (EngineCommand, error) {
			p, err := decodePayload[models.TargetPlayerPayload](payload)
			if err != nil {
				return EngineCommand{}, err
			}
			return EngineCommand{
				AgentID:     agentID,
				CommandType: "start_conversation",
				Args:        map[string]any{"invitee": p.TargetPlayerID},
			}, nil
		},
	})

	m.Register(CommandMapping{
		CommandType: "start_conversation",
		BuildRequest: func(agentID string, payload json.RawMessage) (EngineCommand, error) {
			p, err := decodePayload[models.TargetPlayerPayload](payload)
			if err != nil {
				return EngineCommand{}, err
			}
			invitee := p.TargetPlayerID
			if invitee == "" {
				invitee = p.Invitee
			}
			return EngineCommand{
				AgentID:     agentID,
				CommandType: "start_conversation",
				Args:        map[string]any{"invitee": invitee},
			}, nil
		},
	})

	m.Register(CommandMapping{
		CommandType: "leave_conversation",
		BuildRequest: func(agentID string, payload json.RawMessage) (EngineCommand, error) {
			p, err := decodePayload[models.ConversationRefPayload](payload)
			if err != nil {
				return EngineCommand{}, err
			}
			return EngineCommand{
				AgentID:     agentID,
				CommandType: "leave_conversation",
				Args:        map[string]any{"conversationId": p.ConversationID},
			}, nil
		},
	})

	m.Register(CommandMapping{
		CommandType: "continue_doing",
		BuildRequest: func(agentID string, payload json.RawMessage) (EngineCommand, error) {
			p, err := decodePayload[models.ContinueDoingPayload](payload)
			if err != nil {
				return EngineCommand{}, err
			}
			return EngineCommand{
				AgentID:     agentID,
				CommandType: "continue_doing",
				Args:        map[string]any{"activity": p.Activity},
			}, nil
		},
	})

	m.Register(CommandMapping{
		CommandType: "do_something",
		BuildRequest: func(agentID string, payload json.RawMessage) (EngineCommand, error) {
			p, err := decodePayload[models.DoSomethingPayload](payload)
			if err != nil {
				return EngineCommand{}, err
			}
			return EngineCommand{
				AgentID:     agentID,
				CommandType: "do_something",
				Args:        map[string]any{"actionType": p.ActionType, "args": p.Args},
			}, nil
		},
	})

	return m
}
