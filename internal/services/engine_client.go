package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Engine error codes the client maps transport failures onto. The gateway
// never surfaces raw network errors to bots; it degrades to these.
const (
	EngineErrNetwork          = "NETWORK_ERROR"
	EngineErrCommandRejected  = "COMMAND_REJECTED"
	EngineErrBatchRejected    = "COMMAND_BATCH_REJECTED"
	EngineErrInvalidToken     = "INVALID_TOKEN"
	EngineErrInvalidTokenResp = "INVALID_TOKEN_RESPONSE"
)

// TokenBinding is the engine's answer to a valid token: which agent and
// player this socket is allowed to speak for.
type TokenBinding struct {
	Token     string
	AgentID   string
	PlayerID  string
	WorldID   string
	ExpiresAt int64
	IsActive  bool
}

// ValidateResult is either a binding or a machine-readable rejection.
type ValidateResult struct {
	Valid   bool
	Binding TokenBinding
	Code    string
	Message string
}

// CommandResult reports whether the engine accepted a command for execution.
type CommandResult struct {
	Accepted bool
	InputID  string
	Code     string
	Message  string
}

// BatchEvent is one entry in a batched command submission.
type BatchEvent struct {
	EventID   string         `json:"eventId"`
	Kind      string         `json:"kind"`
	Args      any            `json:"args"`
	Priority  *int           `json:"priority,omitempty"`
	ExpiresAt *int64         `json:"expiresAt,omitempty"`
}

// RelationshipUpsert mirrors the engine's social-relationship API body.
type RelationshipUpsert struct {
	PlayerAID     string `json:"playerAId"`
	PlayerBID     string `json:"playerBId"`
	Status        string `json:"status"`
	EstablishedAt int64  `json:"establishedAt"`
}

// EngineClient speaks the world engine's bot REST API. Every mutating call
// carries the caller's bearer token and, where retries could double-apply,
// an idempotency key. The shared limiter smooths bursts across all
// connections so one chatty bot cannot exhaust the engine's rate budget.
type EngineClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewEngineClient(baseURL string, rps float64, burst int) *EngineClient {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	if rps <= 0 {
		rps = 50
	}
	if burst <= 0 {
		burst = 100
	}
	return &EngineClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   15 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// BaseURL returns the configured engine address.
func (c *EngineClient) BaseURL() string {
	return c.baseURL
}

func (c *EngineClient) postJSON(ctx context.Context, path, token, idempotencyKey string, body any) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("engine rate limiter: %w", err)
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}
	return c.httpClient.Do(req)
}

func decodeBody(res *http.Response, out any) {
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil || len(data) == 0 {
		return
	}
	// Best effort: an unparseable body degrades to zero values.
	_ = json.Unmarshal(data, out)
}

// ValidateToken asks the engine whether a bot token is live and which agent
// it binds to. Network failure is reported as an invalid result with
// NETWORK_ERROR so callers fail closed.
func (c *EngineClient) ValidateToken(ctx context.Context, token string) ValidateResult {
	res, err := c.postJSON(ctx, "/api/bot/token/validate", "", "", map[string]string{"token": token})
	if err != nil {
		return ValidateResult{Valid: false, Code: EngineErrNetwork, Message: err.Error()}
	}

	var body struct {
		AgentID   string `json:"agentId"`
		PlayerID  string `json:"playerId"`
		WorldID   string `json:"worldId"`
		ExpiresAt int64  `json:"expiresAt"`
		IsActive  *bool  `json:"isActive"`
		Code      string `json:"code"`
		Message   string `json:"message"`
	}
	statusOK := res.StatusCode >= 200 && res.StatusCode < 300
	decodeBody(res, &body)

	if !statusOK {
		code := body.Code
		if code == "" {
			code = EngineErrInvalidToken
		}
		msg := body.Message
		if msg == "" {
			msg = "Invalid token"
		}
		return ValidateResult{Valid: false, Code: code, Message: msg}
	}
	if body.AgentID == "" || body.PlayerID == "" || body.WorldID == "" {
		return ValidateResult{
			Valid:   false,
			Code:    EngineErrInvalidTokenResp,
			Message: "Missing required fields in token response",
		}
	}

	isActive := true
	if body.IsActive != nil {
		isActive = *body.IsActive
	}
	return ValidateResult{
		Valid: true,
		Binding: TokenBinding{
			Token:     token,
			AgentID:   body.AgentID,
			PlayerID:  body.PlayerID,
			WorldID:   body.WorldID,
			ExpiresAt: body.ExpiresAt,
			IsActive:  isActive,
		},
	}
}

// PostCommand submits a single engine command under the bot's token.
// enqueueMode "immediate" bypasses the engine-side input queue; empty means
// the engine default ("queue").
func (c *EngineClient) PostCommand(ctx context.Context, token, idempotencyKey string, cmd EngineCommand, enqueueMode string) CommandResult {
	body := map[string]any{
		"agentId":     cmd.AgentID,
		"commandType": cmd.CommandType,
		"args":        cmd.Args,
	}
	if enqueueMode != "" {
		body["enqueueMode"] = enqueueMode
	}

	res, err := c.postJSON(ctx, "/api/bot/command", token, idempotencyKey, body)
	if err != nil {
		return CommandResult{Accepted: false, Code: EngineErrNetwork, Message: err.Error()}
	}

	var parsed struct {
		InputID string `json:"inputId"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	statusOK := res.StatusCode >= 200 && res.StatusCode < 300
	decodeBody(res, &parsed)

	if !statusOK {
		code := parsed.Code
		if code == "" {
			code = EngineErrCommandRejected
		}
		msg := parsed.Message
		if msg == "" {
			msg = "Command rejected"
		}
		return CommandResult{Accepted: false, Code: code, Message: msg}
	}
	return CommandResult{Accepted: true, InputID: parsed.InputID}
}

// PostCommandBatch submits a batch of events under one idempotency key.
func (c *EngineClient) PostCommandBatch(ctx context.Context, token, idempotencyKey, worldID, agentID string, events []BatchEvent) error {
	res, err := c.postJSON(ctx, "/api/bot/command/batch", token, idempotencyKey, map[string]any{
		"worldId": worldID,
		"agentId": agentID,
		"events":  events,
	})
	if err != nil {
		return fmt.Errorf("post command batch: %w", err)
	}

	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	statusOK := res.StatusCode >= 200 && res.StatusCode < 300
	status := res.StatusCode
	decodeBody(res, &parsed)

	if !statusOK {
		code := parsed.Code
		if code == "" {
			code = EngineErrBatchRejected
		}
		msg := parsed.Message
		if msg == "" {
			msg = fmt.Sprintf("batch submit failed with status %d", status)
		}
		return fmt.Errorf("%s: %s", code, msg)
	}
	return nil
}

// SetExternalControl flips the engine-side flag that suspends the agent's
// built-in AI while a bot drives it over the gateway.
func (c *EngineClient) SetExternalControl(ctx context.Context, token string, enabled bool) error {
	res, err := c.postJSON(ctx, "/api/bot/external-control", token, "", map[string]any{"enabled": enabled})
	if err != nil {
		return fmt.Errorf("set external control: %w", err)
	}

	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	statusOK := res.StatusCode >= 200 && res.StatusCode < 300
	status := res.StatusCode
	decodeBody(res, &parsed)

	if !statusOK {
		msg := parsed.Error
		if msg == "" {
			msg = parsed.Message
		}
		if msg == "" {
			msg = fmt.Sprintf("request failed with status %d", status)
		}
		return fmt.Errorf("set external control: %s", msg)
	}
	return nil
}

// UpsertRelationship records or updates a social relationship between two
// players.
func (c *EngineClient) UpsertRelationship(ctx context.Context, token string, upsert RelationshipUpsert) error {
	res, err := c.postJSON(ctx, "/api/bot/social/relationship", token, "", upsert)
	if err != nil {
		return fmt.Errorf("upsert relationship: %w", err)
	}

	var parsed struct {
		OK      *bool  `json:"ok"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	statusOK := res.StatusCode >= 200 && res.StatusCode < 300
	status := res.StatusCode
	decodeBody(res, &parsed)

	if !statusOK || (parsed.OK != nil && !*parsed.OK) {
		msg := parsed.Error
		if msg == "" {
			msg = parsed.Message
		}
		if msg == "" {
			msg = fmt.Sprintf("request failed with status %d", status)
		}
		return fmt.Errorf("upsert relationship: %s", msg)
	}
	return nil
}

// UpdateDescription changes the player's public description text.
func (c *EngineClient) UpdateDescription(ctx context.Context, token, playerID, description string) error {
	res, err := c.postJSON(ctx, "/api/bot/description/update", token, "", map[string]string{
		"playerId":    playerID,
		"description": description,
	})
	if err != nil {
		return fmt.Errorf("update description: %w", err)
	}

	var parsed struct {
		OK      *bool  `json:"ok"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	statusOK := res.StatusCode >= 200 && res.StatusCode < 300
	status := res.StatusCode
	decodeBody(res, &parsed)

	if !statusOK || (parsed.OK != nil && !*parsed.OK) {
		msg := parsed.Error
		if msg == "" {
			msg = parsed.Message
		}
		if msg == "" {
			msg = fmt.Sprintf("request failed with status %d", status)
		}
		return fmt.Errorf("update description: %s", msg)
	}
	return nil
}

// GetSemanticSnapshot queries the engine for the world's semantic map
// snapshot. The raw snapshot JSON is returned untouched.
func (c *EngineClient) GetSemanticSnapshot(ctx context.Context, worldID, authorization string) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("engine rate limiter: %w", err)
	}

	encoded, err := json.Marshal(map[string]any{
		"path":   "mapSemanticService:getSemanticSnapshot",
		"args":   map[string]string{"worldId": worldID},
		"format": "json",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/query", bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("semantic snapshot query: %w", err)
	}

	var parsed struct {
		Status       string          `json:"status"`
		Value        json.RawMessage `json:"value"`
		Error        string          `json:"error"`
		ErrorMessage string          `json:"errorMessage"`
	}
	statusOK := res.StatusCode >= 200 && res.StatusCode < 300
	status := res.StatusCode
	decodeBody(res, &parsed)

	if !statusOK {
		return nil, fmt.Errorf("semantic snapshot query failed with status %d", status)
	}
	if parsed.Status == "error" {
		msg := parsed.ErrorMessage
		if msg == "" {
			msg = parsed.Error
		}
		if msg == "" {
			msg = "semantic snapshot query failed"
		}
		return nil, fmt.Errorf("semantic snapshot query: %s", msg)
	}
	if len(parsed.Value) == 0 || string(parsed.Value) == "null" {
		return nil, fmt.Errorf("invalid semantic snapshot response")
	}
	return parsed.Value, nil
}
