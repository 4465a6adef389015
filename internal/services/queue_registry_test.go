package services

import (
	"encoding/json"
	"testing"

	"towngate/internal/models"
)

func TestQueueRegistryLifecycle(t *testing.T) {
	r := NewQueueRegistry(5)

	if r.Peek("a1") != nil {
		t.Error("Peek created a queue")
	}
	q := r.Get("a1")
	if q == nil || r.Peek("a1") != q {
		t.Fatal("Get did not create a stable queue")
	}
	if r.Get("a1") != q {
		t.Error("second Get returned a different queue")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}

	r.Delete("a1")
	if r.Peek("a1") != nil || r.Len() != 0 {
		t.Error("Delete did not remove the queue")
	}
}

func TestClassifyPriority(t *testing.T) {
	statePayload := func(nearby int) json.RawMessage {
		players := make([]json.RawMessage, nearby)
		for i := range players {
			players[i] = json.RawMessage(`{"playerId":"p"}`)
		}
		b, _ := json.Marshal(models.AgentStateChangedPayload{State: "idle", NearbyPlayers: players})
		return b
	}

	tests := []struct {
		name     string
		event    models.WorldEvent
		hinted   *models.EventPriority
		expected models.EventPriority
	}{
		{"conversation events are urgent", models.WorldEvent{Type: "conversation.message"}, nil, 0},
		{"conversation ended is urgent", models.WorldEvent{Type: models.EventConversationEnded}, nil, 0},
		{"state change with nearby players", models.WorldEvent{Type: models.EventAgentStateChanged, Payload: statePayload(2)}, nil, 1},
		{"state change alone", models.WorldEvent{Type: models.EventAgentStateChanged, Payload: statePayload(0)}, nil, 2},
		{"state change with bad payload", models.WorldEvent{Type: models.EventAgentStateChanged, Payload: json.RawMessage(`{`)}, nil, 2},
		{"action finished", models.WorldEvent{Type: models.EventActionFinished}, nil, 2},
		{"unknown type is best-effort", models.WorldEvent{Type: "weather.changed"}, nil, 3},
		{"valid hint wins", models.WorldEvent{Type: "weather.changed"}, priorityPtr(1), 1},
		{"invalid hint ignored", models.WorldEvent{Type: "conversation.message"}, priorityPtr(9), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyPriority(tt.event, tt.hinted); got != tt.expected {
				t.Errorf("ClassifyPriority(%s) = %d, want %d", tt.event.Type, got, tt.expected)
			}
		})
	}
}

func priorityPtr(p models.EventPriority) *models.EventPriority { return &p }
