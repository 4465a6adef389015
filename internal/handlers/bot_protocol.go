package handlers

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"towngate/internal/models"
)

// VersionRange is a client's acceptable protocol version span.
type VersionRange struct {
	Min int
	Max int
}

// ParseVersionRange parses the "v" query parameter ("<min>-<max>"). Anything
// malformed degrades to the 1-1 range rather than failing the handshake.
func ParseVersionRange(v string) VersionRange {
	if v == "" {
		return VersionRange{Min: 1, Max: 1}
	}
	parts := strings.Split(v, "-")
	if len(parts) != 2 {
		return VersionRange{Min: 1, Max: 1}
	}
	minV, errMin := strconv.Atoi(strings.TrimSpace(parts[0]))
	maxV, errMax := strconv.Atoi(strings.TrimSpace(parts[1]))
	if errMin != nil || errMax != nil || minV <= 0 || maxV <= 0 {
		return VersionRange{Min: 1, Max: 1}
	}
	if minV > maxV {
		minV, maxV = maxV, minV
	}
	return VersionRange{Min: minV, Max: maxV}
}

// NegotiationResult is the outcome of intersecting the client's range with
// the server's supported versions.
type NegotiationResult struct {
	OK                bool
	NegotiatedVersion int
	SupportedVersions []int
	Message           string
}

// NegotiateVersion picks the highest supported version inside the client's
// range. An empty intersection is a VERSION_MISMATCH.
func NegotiateVersion(clientRange VersionRange, supported []int) NegotiationResult {
	sorted := append([]int(nil), supported...)
	sort.Ints(sorted)

	best := 0
	for _, v := range sorted {
		if v >= clientRange.Min && v <= clientRange.Max {
			best = v
		}
	}
	if best == 0 {
		return NegotiationResult{
			OK:                false,
			SupportedVersions: sorted,
			Message:           "No compatible protocol version",
		}
	}
	return NegotiationResult{
		OK:                true,
		NegotiatedVersion: best,
		SupportedVersions: sorted,
	}
}

// ParseSubscribeList parses the "subscribe" query parameter (CSV of event
// patterns). Absent or empty means subscribe-to-everything.
func ParseSubscribeList(subscribe string) []string {
	if subscribe == "" {
		return []string{"*"}
	}
	var items []string
	for _, part := range strings.Split(subscribe, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	if len(items) == 0 {
		return []string{"*"}
	}
	return items
}

// maskToken redacts a token down to its edges for logs.
func maskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 12 {
		return fmt.Sprintf("%s***%s", token[:2], token[len(token)-2:])
	}
	return fmt.Sprintf("%s***%s", token[:4], token[len(token)-4:])
}

func buildConnectedMessage(version int, payload models.ConnectedPayload) models.WsMessage {
	raw, _ := json.Marshal(payload)
	return models.WsMessage{
		Type:      models.MsgConnected,
		ID:        uuid.NewString(),
		Version:   version,
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}
}

func buildAuthErrorMessage(version int, payload models.AuthErrorPayload) models.WsMessage {
	raw, _ := json.Marshal(payload)
	return models.WsMessage{
		Type:      models.MsgAuthError,
		ID:        uuid.NewString(),
		Version:   version,
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}
}

func buildPingMessage() models.WsMessage {
	return models.WsMessage{
		Type:      models.MsgPing,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   json.RawMessage(`{}`),
	}
}

// BuildEventMessage wraps a world event in the outbound envelope, preserving
// its id so acks correlate. The dispatcher's send function is built on it.
func BuildEventMessage(event models.WorldEvent, version int) models.WsMessage {
	return models.WsMessage{
		Type:      event.Type,
		ID:        event.ID,
		Version:   version,
		Timestamp: event.Timestamp,
		ExpiresAt: event.ExpiresAt,
		Payload:   event.Payload,
		Metadata:  event.Metadata,
	}
}
