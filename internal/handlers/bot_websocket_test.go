package handlers

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"towngate/internal/config"
	"towngate/internal/models"
	"towngate/internal/services"
)

type enginePathRecorder struct {
	mu     sync.Mutex
	paths  []string
	signal chan struct{}
}

func newEnginePathRecorder() *enginePathRecorder {
	return &enginePathRecorder{signal: make(chan struct{}, 16)}
}

func (e *enginePathRecorder) handler(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	e.paths = append(e.paths, r.URL.Path)
	e.mu.Unlock()
	w.Write([]byte(`{"inputId": "in-1", "ok": true}`))
	e.signal <- struct{}{}
}

func (e *enginePathRecorder) seen() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.paths...)
}

func (e *enginePathRecorder) waitForRequests(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-e.signal:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for engine request %d of %d", i+1, n)
		}
	}
}

type wsHandlerFixture struct {
	handler  *BotWebSocketHandler
	conns    *services.ConnectionManager
	queues   *services.QueueRegistry
	commandQ *services.CommandQueue
	engine   *enginePathRecorder
}

func newWsHandlerFixture(t *testing.T) *wsHandlerFixture {
	t.Helper()
	engine := newEnginePathRecorder()
	server := httptest.NewServer(http.HandlerFunc(engine.handler))
	t.Cleanup(server.Close)

	conns := services.NewConnectionManager()
	queues := services.NewQueueRegistry(10)
	dispatcher := services.NewEventDispatcher(conns, queues,
		func(conn *services.BotConnection, event models.WorldEvent) error { return nil }, nil)
	commandQ := services.NewCommandQueue(2*time.Second, nil)
	client := services.NewEngineClient(server.URL, 1000, 1000)

	h := NewBotWebSocketHandler(&config.Config{}, client, conns, queues, dispatcher, commandQ, nil, nil)
	return &wsHandlerFixture{
		handler:  h,
		conns:    conns,
		queues:   queues,
		commandQ: commandQ,
		engine:   engine,
	}
}

func (f *wsHandlerFixture) register(t *testing.T, token, agentID string) *services.BotConnection {
	t.Helper()
	conn := services.NewBotConnection(models.BotSession{
		Token:             token,
		AgentID:           agentID,
		PlayerID:          "p-" + agentID,
		WorldID:           "w1",
		NegotiatedVersion: models.ProtocolVersion,
	}, nil, services.NewSubscriptionMatcher(nil))
	f.conns.Register(conn)
	return conn
}

// seedAgentState queues one undelivered event and parks one in-flight command
// for the agent, the state a teardown decides the fate of.
func (f *wsHandlerFixture) seedAgentState(agentID string) {
	now := time.Now().UnixMilli()
	f.queues.Get(agentID).Enqueue(models.WorldEvent{
		Type:      models.EventConversationMessage,
		ID:        "e1",
		Timestamp: now,
		ExpiresAt: now + 60_000,
		Payload:   []byte(`{}`),
	}, 1, nil)
	f.commandQ.Submit(&services.CommandItem{
		ID:         "c1",
		AgentID:    agentID,
		Type:       "do_something",
		ReceivedAt: now,
	}, func(*services.CommandItem) {})
}

func TestTeardownEvictedSocketKeepsAgentState(t *testing.T) {
	f := newWsHandlerFixture(t)

	s1 := f.register(t, "tok-1", "a1")
	s2 := f.register(t, "tok-2", "a1")
	if !s1.Evicted() {
		t.Fatal("re-registration should have evicted the first socket")
	}
	f.seedAgentState("a1")

	// The evicted socket's close handler fires after the replacement took
	// over. The agent's state now belongs to the replacement.
	f.handler.teardown(s1, slog.Default())

	if got := f.conns.GetByAgentID("a1"); got != s2 {
		t.Fatal("replacement connection should still be registered")
	}
	if !f.conns.IsCurrent(s2) {
		t.Error("replacement should remain the current socket")
	}
	if f.conns.HasToken("tok-1") {
		t.Error("evicted token should be gone")
	}

	q := f.queues.Peek("a1")
	if q == nil || q.Depth() != 1 {
		t.Error("agent's event backlog must survive the stale teardown")
	}
	if f.commandQ.Inflight("a1") == nil {
		t.Error("agent's in-flight command must survive the stale teardown")
	}

	// No disconnect degrade, no external-control disable.
	time.Sleep(50 * time.Millisecond)
	if paths := f.engine.seen(); len(paths) != 0 {
		t.Errorf("stale teardown reached the engine: %v", paths)
	}
}

func TestTeardownCurrentSocketClearsAgentState(t *testing.T) {
	f := newWsHandlerFixture(t)

	s1 := f.register(t, "tok-1", "a1")
	f.seedAgentState("a1")

	f.handler.teardown(s1, slog.Default())

	if f.conns.GetByAgentID("a1") != nil {
		t.Error("connection should be unregistered")
	}
	if f.queues.Peek("a1") != nil {
		t.Error("event queue should be deleted")
	}
	if f.commandQ.Inflight("a1") != nil {
		t.Error("in-flight command should be cleared")
	}

	// Disconnect degrade and external-control disable both reach the engine.
	f.engine.waitForRequests(t, 2)
	var sawCommand, sawControl bool
	for _, path := range f.engine.seen() {
		switch path {
		case "/api/bot/command":
			sawCommand = true
		case "/api/bot/external-control":
			sawControl = true
		}
	}
	if !sawCommand || !sawControl {
		t.Errorf("engine saw %v, want the degrade command and the control release", f.engine.seen())
	}
}
