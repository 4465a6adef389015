package models

// BotSession is the immutable identity of an authenticated bot connection.
// Created once on successful token validation, destroyed on disconnect.
type BotSession struct {
	Token             string   `json:"token"`
	AgentID           string   `json:"agentId"`
	PlayerID          string   `json:"playerId"`
	WorldID           string   `json:"worldId"`
	PlayerName        string   `json:"playerName"`
	NegotiatedVersion int      `json:"negotiatedVersion"`
	SubscribedEvents  []string `json:"subscribedEvents"`
	ConnectedAt       int64    `json:"connectedAt"`
}
