package services

import (
	"encoding/json"
	"strings"
	"sync"

	"towngate/internal/models"
)

// QueueRegistry owns the per-agent event queues. Queues are created lazily
// on first use and deleted on agent disconnect (or by the sweeper job once
// a disconnected agent's queue has drained).
type QueueRegistry struct {
	mu               sync.Mutex
	queues           map[string]*EventQueue
	perPriorityLimit int
}

func NewQueueRegistry(perPriorityLimit int) *QueueRegistry {
	return &QueueRegistry{
		queues:           make(map[string]*EventQueue),
		perPriorityLimit: perPriorityLimit,
	}
}

// Get returns the agent's queue, creating it if needed.
func (r *QueueRegistry) Get(agentID string) *EventQueue {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.queues[agentID]
	if !ok {
		q = NewEventQueue(r.perPriorityLimit)
		r.queues[agentID] = q
	}
	return q
}

// Peek returns the agent's queue without creating one.
func (r *QueueRegistry) Peek(agentID string) *EventQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queues[agentID]
}

// Delete drops the agent's queue and everything still in it.
func (r *QueueRegistry) Delete(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queues, agentID)
}

// AgentIDs snapshots the agents that currently have a queue.
func (r *QueueRegistry) AgentIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.queues))
	for id := range r.queues {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of live queues.
func (r *QueueRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues)
}

// ClassifyPriority assigns a delivery lane to an event when the producer did
// not hint one: conversation lifecycle is urgent, state changes matter more
// with players nearby, everything else is best-effort.
func ClassifyPriority(event models.WorldEvent, hinted *models.EventPriority) models.EventPriority {
	if hinted != nil && hinted.Valid() {
		return *hinted
	}
	switch {
	case strings.HasPrefix(event.Type, "conversation."):
		return 0
	case event.Type == models.EventAgentStateChanged:
		var payload models.AgentStateChangedPayload
		if err := json.Unmarshal(event.Payload, &payload); err == nil && len(payload.NearbyPlayers) > 0 {
			return 1
		}
		return 2
	case event.Type == models.EventActionFinished:
		return 2
	default:
		return 3
	}
}
