package services

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"towngate/internal/models"

	"github.com/gofiber/contrib/websocket"
)

// BotConnection is one live, authenticated bot socket. The session is
// immutable; runtime state (pong tracking, eviction flag) is atomic so the
// read loop, heartbeat goroutine and dispatcher can touch it freely.
type BotConnection struct {
	Session models.BotSession
	Matcher *SubscriptionMatcher

	sock       *websocket.Conn
	writeMu    sync.Mutex
	lastPongAt atomic.Int64
	evicted    atomic.Bool
}

// NewBotConnection wraps an upgraded socket. sock may be nil in tests that
// inject their own send function.
func NewBotConnection(session models.BotSession, sock *websocket.Conn, matcher *SubscriptionMatcher) *BotConnection {
	c := &BotConnection{
		Session: session,
		Matcher: matcher,
		sock:    sock,
	}
	c.lastPongAt.Store(time.Now().UnixMilli())
	return c
}

var errNoSocket = errors.New("connection has no socket")

// SendJSON serializes v and writes it to the socket. Writes are serialized
// because fiber's websocket connection is not safe for concurrent writers.
func (c *BotConnection) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.sock == nil {
		return errNoSocket
	}
	return c.sock.WriteMessage(websocket.TextMessage, data)
}

// Close force-closes the underlying socket.
func (c *BotConnection) Close() error {
	if c.sock == nil {
		return nil
	}
	return c.sock.Close()
}

// Socket exposes the underlying connection for the owning read loop.
func (c *BotConnection) Socket() *websocket.Conn {
	return c.sock
}

// MarkEvicted flags this connection as displaced by a reconnect so its close
// handler skips agent-level cleanup.
func (c *BotConnection) MarkEvicted() { c.evicted.Store(true) }

// Evicted reports whether the connection was displaced by a reconnect.
func (c *BotConnection) Evicted() bool { return c.evicted.Load() }

// TouchPong records pong receipt for heartbeat supervision.
func (c *BotConnection) TouchPong() { c.lastPongAt.Store(time.Now().UnixMilli()) }

// LastPongAt returns the unix-ms timestamp of the most recent pong.
func (c *BotConnection) LastPongAt() int64 { return c.lastPongAt.Load() }

// ConnectionManager is the registry of live bot connections, indexed by
// token, agent id and player id. Exactly one entry per key: registering a
// connection for an already-connected agent atomically evicts the prior one,
// so two sockets can never both believe they are current for an agent.
type ConnectionManager struct {
	mu         sync.RWMutex
	byToken    map[string]*BotConnection
	byAgentID  map[string]*BotConnection
	byPlayerID map[string]*BotConnection
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byToken:    make(map[string]*BotConnection),
		byAgentID:  make(map[string]*BotConnection),
		byPlayerID: make(map[string]*BotConnection),
	}
}

// Register inserts conn into all indices. If another connection holds the
// same agent id (or token), it is marked evicted, removed from the registry,
// and returned so the caller can close its transport outside the lock.
func (cm *ConnectionManager) Register(conn *BotConnection) *BotConnection {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	var evicted *BotConnection
	if prior, ok := cm.byAgentID[conn.Session.AgentID]; ok && prior != conn {
		evicted = prior
	} else if prior, ok := cm.byToken[conn.Session.Token]; ok && prior != conn {
		evicted = prior
	}
	if evicted != nil {
		evicted.MarkEvicted()
		cm.removeLocked(evicted)
	}

	cm.byToken[conn.Session.Token] = conn
	cm.byAgentID[conn.Session.AgentID] = conn
	cm.byPlayerID[conn.Session.PlayerID] = conn
	return evicted
}

// Unregister removes conn from the registry, but only where the indices
// still point at this exact connection. A stale socket's close handler must
// never unregister the connection that replaced it.
func (cm *ConnectionManager) Unregister(conn *BotConnection) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.byToken[conn.Session.Token] != conn &&
		cm.byAgentID[conn.Session.AgentID] != conn &&
		cm.byPlayerID[conn.Session.PlayerID] != conn {
		return false
	}
	cm.removeLocked(conn)
	return true
}

func (cm *ConnectionManager) removeLocked(conn *BotConnection) {
	if cm.byToken[conn.Session.Token] == conn {
		delete(cm.byToken, conn.Session.Token)
	}
	if cm.byAgentID[conn.Session.AgentID] == conn {
		delete(cm.byAgentID, conn.Session.AgentID)
	}
	if cm.byPlayerID[conn.Session.PlayerID] == conn {
		delete(cm.byPlayerID, conn.Session.PlayerID)
	}
}

// HasToken reports whether a live connection holds this token.
func (cm *ConnectionManager) HasToken(token string) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	_, ok := cm.byToken[token]
	return ok
}

// GetByToken returns the live connection for a token, or nil.
func (cm *ConnectionManager) GetByToken(token string) *BotConnection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byToken[token]
}

// GetByAgentID returns the live connection controlling an agent, or nil.
func (cm *ConnectionManager) GetByAgentID(agentID string) *BotConnection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byAgentID[agentID]
}

// GetByPlayerID returns the live connection for a player, or nil.
func (cm *ConnectionManager) GetByPlayerID(playerID string) *BotConnection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byPlayerID[playerID]
}

// IsCurrent reports whether conn is still the registered connection for its
// agent. Close handlers use this to branch between full teardown and the
// evicted path.
func (cm *ConnectionManager) IsCurrent(conn *BotConnection) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byAgentID[conn.Session.AgentID] == conn
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byToken)
}

// ListSessions snapshots the sessions of all live connections.
func (cm *ConnectionManager) ListSessions() []models.BotSession {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	sessions := make([]models.BotSession, 0, len(cm.byToken))
	for _, conn := range cm.byToken {
		sessions = append(sessions, conn.Session)
	}
	return sessions
}
