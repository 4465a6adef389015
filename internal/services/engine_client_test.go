package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestValidateToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/bot/token/validate" {
			t.Errorf("path = %s, want /api/bot/token/validate", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		switch body["token"] {
		case "good":
			json.NewEncoder(w).Encode(map[string]any{
				"agentId": "a1", "playerId": "p1", "worldId": "w1", "expiresAt": 123,
			})
		case "inactive":
			isActive := false
			json.NewEncoder(w).Encode(map[string]any{
				"agentId": "a1", "playerId": "p1", "worldId": "w1", "isActive": isActive,
			})
		case "partial":
			json.NewEncoder(w).Encode(map[string]any{"agentId": "a1"})
		default:
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"code": "INVALID_TOKEN", "message": "nope"})
		}
	}))
	defer srv.Close()

	c := NewEngineClient(srv.URL, 0, 0)
	ctx := context.Background()

	res := c.ValidateToken(ctx, "good")
	if !res.Valid || res.Binding.AgentID != "a1" || res.Binding.PlayerID != "p1" || !res.Binding.IsActive {
		t.Errorf("good token: %+v", res)
	}

	res = c.ValidateToken(ctx, "inactive")
	if !res.Valid || res.Binding.IsActive {
		t.Errorf("inactive token: %+v, want valid binding with IsActive=false", res)
	}

	res = c.ValidateToken(ctx, "partial")
	if res.Valid || res.Code != EngineErrInvalidTokenResp {
		t.Errorf("partial token: %+v, want %s", res, EngineErrInvalidTokenResp)
	}

	res = c.ValidateToken(ctx, "bad")
	if res.Valid || res.Code != "INVALID_TOKEN" || res.Message != "nope" {
		t.Errorf("bad token: %+v", res)
	}
}

func TestValidateTokenFailsClosedOnNetworkError(t *testing.T) {
	// Nothing listens here.
	c := NewEngineClient("http://127.0.0.1:1", 0, 0)
	res := c.ValidateToken(context.Background(), "any")
	if res.Valid || res.Code != EngineErrNetwork {
		t.Errorf("network error: %+v, want invalid with %s", res, EngineErrNetwork)
	}
}

func TestPostCommand(t *testing.T) {
	var gotAuth, gotIdem string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotIdem = r.Header.Get("X-Idempotency-Key")
		json.NewDecoder(r.Body).Decode(&gotBody)
		if gotBody["commandType"] == "reject_me" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"code": "BUSY", "message": "agent busy"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"inputId": "in-42"})
	}))
	defer srv.Close()

	c := NewEngineClient(srv.URL, 0, 0)
	ctx := context.Background()

	res := c.PostCommand(ctx, "tok", "key-1", EngineCommand{
		AgentID: "a1", CommandType: "move_to", Args: map[string]any{"x": 1},
	}, "immediate")
	if !res.Accepted || res.InputID != "in-42" {
		t.Errorf("accepted command: %+v", res)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q, want Bearer tok", gotAuth)
	}
	if gotIdem != "key-1" {
		t.Errorf("X-Idempotency-Key = %q, want key-1", gotIdem)
	}
	if gotBody["enqueueMode"] != "immediate" || gotBody["agentId"] != "a1" {
		t.Errorf("body = %v", gotBody)
	}

	res = c.PostCommand(ctx, "tok", "key-2", EngineCommand{AgentID: "a1", CommandType: "reject_me"}, "")
	if res.Accepted || res.Code != "BUSY" || res.Message != "agent busy" {
		t.Errorf("rejected command: %+v", res)
	}
}

func TestPostCommandBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			WorldID string       `json:"worldId"`
			AgentID string       `json:"agentId"`
			Events  []BatchEvent `json:"events"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if len(body.Events) != 2 || body.WorldID != "w1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewEngineClient(srv.URL, 0, 0)
	err := c.PostCommandBatch(context.Background(), "tok", "bkey", "w1", "a1", []BatchEvent{
		{EventID: "e1", Kind: "move_to", Args: map[string]any{"x": 1}},
		{EventID: "e2", Kind: "say", Args: map[string]any{"text": "hi"}},
	})
	if err != nil {
		t.Errorf("batch: %v", err)
	}

	err = c.PostCommandBatch(context.Background(), "tok", "bkey", "wrong", "a1", nil)
	if err == nil {
		t.Error("batch with bad payload: err = nil, want error")
	}
}

func TestGetSemanticSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/query" {
			t.Errorf("path = %s, want /api/query", r.URL.Path)
		}
		var body struct {
			Path string `json:"path"`
			Args map[string]string
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Path != "mapSemanticService:getSemanticSnapshot" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"value":  map[string]any{"zones": []string{"plaza"}},
		})
	}))
	defer srv.Close()

	c := NewEngineClient(srv.URL, 0, 0)
	snap, err := c.GetSemanticSnapshot(context.Background(), "w1", "Bearer tok")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	var parsed map[string]any
	if err := json.Unmarshal(snap, &parsed); err != nil {
		t.Fatalf("snapshot not JSON: %v", err)
	}
	if _, ok := parsed["zones"]; !ok {
		t.Errorf("snapshot = %s, want zones key", snap)
	}
}
