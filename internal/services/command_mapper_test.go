package services

import (
	"encoding/json"
	"testing"
	"time"
)

func buildCommand(t *testing.T, m *CommandMapper, commandType, agentID, payload string) EngineCommand {
	t.Helper()
	mapping, ok := m.Get(commandType)
	if !ok {
		t.Fatalf("no mapping registered for %q", commandType)
	}
	req, err := mapping.BuildRequest(agentID, json.RawMessage(payload))
	if err != nil {
		t.Fatalf("BuildRequest(%q) error: %v", commandType, err)
	}
	return req
}

func argsMap(t *testing.T, req EngineCommand) map[string]any {
	t.Helper()
	args, ok := req.Args.(map[string]any)
	if !ok {
		t.Fatalf("args is %T, expected map[string]any", req.Args)
	}
	return args
}

func TestDefaultMapperTranslations(t *testing.T) {
	m := NewDefaultCommandMapper()

	tests := []struct {
		name        string
		commandType string
		payload     string
		wantType    string
		wantArgs    map[string]any
	}{
		{
			name:        "move_to",
			commandType: "move_to",
			payload:     `{"targetPlayerId": "p-42"}`,
			wantType:    "move_to",
			wantArgs:    map[string]any{"targetPlayerId": "p-42"},
		},
		{
			name:        "say",
			commandType: "say",
			payload:     `{"conversationId": "c-1", "text": "hello", "leaveAfter": true}`,
			wantType:    "say",
			wantArgs:    map[string]any{"conversationId": "c-1", "text": "hello", "leaveAfter": true},
		},
		{
			name:        "accept_invite",
			commandType: "accept_invite",
			payload:     `{"conversationId": "c-2"}`,
			wantType:    "accept_invite",
			wantArgs:    map[string]any{"conversationId": "c-2"},
		},
		{
			name:        "reject_invite",
			commandType: "reject_invite",
			payload:     `{"conversationId": "c-3"}`,
			wantType:    "reject_invite",
			wantArgs:    map[string]any{"conversationId": "c-3"},
		},
		{
			name:        "invite aliases to start_conversation",
			commandType: "invite",
			payload:     `{"targetPlayerId": "p-7"}`,
			wantType:    "start_conversation",
			wantArgs:    map[string]any{"invitee": "p-7"},
		},
		{
			name:        "start_conversation with targetPlayerId",
			commandType: "start_conversation",
			payload:     `{"targetPlayerId": "p-7"}`,
			wantType:    "start_conversation",
			wantArgs:    map[string]any{"invitee": "p-7"},
		},
		{
			name:        "start_conversation falls back to invitee",
			commandType: "start_conversation",
			payload:     `{"invitee": "p-8"}`,
			wantType:    "start_conversation",
			wantArgs:    map[string]any{"invitee": "p-8"},
		},
		{
			name:        "leave_conversation",
			commandType: "leave_conversation",
			payload:     `{"conversationId": "c-9"}`,
			wantType:    "leave_conversation",
			wantArgs:    map[string]any{"conversationId": "c-9"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := buildCommand(t, m, tt.commandType, "agent-1", tt.payload)
			if req.AgentID != "agent-1" {
				t.Errorf("agentId = %q", req.AgentID)
			}
			if req.CommandType != tt.wantType {
				t.Errorf("commandType = %q, want %q", req.CommandType, tt.wantType)
			}
			got := argsMap(t, req)
			for k, want := range tt.wantArgs {
				if got[k] != want {
					t.Errorf("args[%q] = %v, want %v", k, got[k], want)
				}
			}
			if len(got) != len(tt.wantArgs) {
				t.Errorf("args has %d keys, want %d: %v", len(got), len(tt.wantArgs), got)
			}
		})
	}
}

func TestDefaultMapperSetActivity(t *testing.T) {
	m := NewDefaultCommandMapper()

	before := time.Now().UnixMilli()
	req := buildCommand(t, m, "set_activity", "agent-1", `{"description": "reading", "emoji": "📖", "duration": 60000}`)
	after := time.Now().UnixMilli()

	if req.CommandType != "continue_doing" {
		t.Fatalf("commandType = %q, want continue_doing", req.CommandType)
	}
	activity, ok := argsMap(t, req)["activity"].(map[string]any)
	if !ok {
		t.Fatalf("missing activity args: %v", req.Args)
	}
	if activity["description"] != "reading" || activity["emoji"] != "📖" {
		t.Errorf("unexpected activity: %v", activity)
	}
	until, ok := activity["until"].(int64)
	if !ok {
		t.Fatalf("until is %T", activity["until"])
	}
	if until < before+60000 || until > after+60000 {
		t.Errorf("until = %d, want within [%d, %d]", until, before+60000, after+60000)
	}
}

func TestDefaultMapperContinueDoing(t *testing.T) {
	m := NewDefaultCommandMapper()

	req := buildCommand(t, m, "continue_doing", "agent-1",
		`{"activity": {"description": "fishing", "emoji": "🎣", "until": 1700000000000}}`)
	if req.CommandType != "continue_doing" {
		t.Fatalf("commandType = %q", req.CommandType)
	}
	raw, err := json.Marshal(req.Args)
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Activity struct {
			Description string `json:"description"`
			Until       int64  `json:"until"`
		} `json:"activity"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Activity.Description != "fishing" || decoded.Activity.Until != 1700000000000 {
		t.Errorf("activity not carried through: %+v", decoded.Activity)
	}
}

func TestDefaultMapperDoSomething(t *testing.T) {
	m := NewDefaultCommandMapper()

	req := buildCommand(t, m, "do_something", "agent-1", `{"actionType": "dance", "args": {"style": "waltz"}}`)
	args := argsMap(t, req)
	if args["actionType"] != "dance" {
		t.Errorf("actionType = %v", args["actionType"])
	}
	inner, ok := args["args"].(json.RawMessage)
	if !ok {
		t.Fatalf("inner args is %T", args["args"])
	}
	var style struct {
		Style string `json:"style"`
	}
	if err := json.Unmarshal(inner, &style); err != nil {
		t.Fatal(err)
	}
	if style.Style != "waltz" {
		t.Errorf("style = %q", style.Style)
	}
}

func TestDefaultMapperEmptyPayload(t *testing.T) {
	m := NewDefaultCommandMapper()

	// An absent payload decodes to zero values rather than failing.
	req := buildCommand(t, m, "leave_conversation", "agent-1", "")
	if argsMap(t, req)["conversationId"] != "" {
		t.Errorf("expected empty conversationId, got %v", req.Args)
	}
}

func TestDefaultMapperMalformedPayload(t *testing.T) {
	m := NewDefaultCommandMapper()

	mapping, _ := m.Get("say")
	if _, err := mapping.BuildRequest("agent-1", json.RawMessage(`{"text": 12`)); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestDefaultMapperUnknownType(t *testing.T) {
	m := NewDefaultCommandMapper()

	if _, ok := m.Get("teleport"); ok {
		t.Fatal("expected no mapping for unknown command type")
	}
}
