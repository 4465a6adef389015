package services

import (
	"log/slog"
	"sync"
	"time"

	"towngate/internal/models"
)

// RetryPlan controls how long the dispatcher waits for an acknowledgement and
// how many redelivery attempts it makes before giving up on an event.
type RetryPlan struct {
	AckTimeout time.Duration
	MaxRetries int
	Backoff    []time.Duration
}

// DefaultAckPlan is the delivery contract for ordinary events.
func DefaultAckPlan() RetryPlan {
	return RetryPlan{
		AckTimeout: 10 * time.Second,
		MaxRetries: 3,
		Backoff:    []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second},
	}
}

// RefillAckPlan relaxes the contract for queue.refill_requested: the bot may
// be mid-inference when it arrives, so we wait longer and retry once.
func RefillAckPlan() RetryPlan {
	return RetryPlan{
		AckTimeout: 20 * time.Second,
		MaxRetries: 1,
		Backoff:    []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second},
	}
}

func (p RetryPlan) backoffFor(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Backoff) {
		idx = len(p.Backoff) - 1
	}
	return p.Backoff[idx]
}

// SendFunc pushes an event frame onto a live connection.
type SendFunc func(conn *BotConnection, event models.WorldEvent) error

type inflightEvent struct {
	agentID string
	item    *QueuedEvent
	timer   *time.Timer
}

// EventDispatcher delivers queued events to connected bots, at most one
// un-acknowledged event per agent at a time. Timeouts and send failures feed
// events back into the queue with backoff until the retry budget runs out.
type EventDispatcher struct {
	connections *ConnectionManager
	queues      *QueueRegistry
	send        SendFunc
	metrics     *Metrics

	ackPlan    RetryPlan
	refillPlan RetryPlan

	mu       sync.Mutex
	inflight map[string]*inflightEvent
}

func NewEventDispatcher(connections *ConnectionManager, queues *QueueRegistry, send SendFunc, metrics *Metrics) *EventDispatcher {
	return &EventDispatcher{
		connections: connections,
		queues:      queues,
		send:        send,
		metrics:     metrics,
		ackPlan:     DefaultAckPlan(),
		refillPlan:  RefillAckPlan(),
		inflight:    make(map[string]*inflightEvent),
	}
}

// SetPlans overrides the delivery contracts. Used by configuration at startup
// and by tests that need short timers.
func (d *EventDispatcher) SetPlans(ack, refill RetryPlan) {
	d.ackPlan = ack
	d.refillPlan = refill
}

func (d *EventDispatcher) planFor(eventType string) RetryPlan {
	if eventType == models.EventQueueRefillRequested {
		return d.refillPlan
	}
	return d.ackPlan
}

// Enqueue queues an event for an agent and immediately tries to deliver it.
func (d *EventDispatcher) Enqueue(agentID string, event models.WorldEvent, priority models.EventPriority) {
	q := d.queues.Get(agentID)
	dropped, reason := q.Enqueue(event, priority, nil)
	d.metrics.RecordEventReceived(event.Type, priority.String())
	if dropped != nil {
		d.metrics.RecordEventDropped(dropped.Event.Type, dropped.Priority.String(), string(reason))
		slog.Warn("event dropped on enqueue",
			"agent_id", agentID,
			"event_type", dropped.Event.Type,
			"event_id", dropped.Event.ID,
			"reason", reason)
	}
	d.updateDepthMetrics(agentID, q)
	d.TryDispatch(agentID)
}

// TryDispatch attempts to push the next ready event to the agent. It is a
// no-op when the agent is offline or already has an un-acked event in flight.
func (d *EventDispatcher) TryDispatch(agentID string) {
	for {
		conn := d.connections.GetByAgentID(agentID)
		if conn == nil {
			return
		}
		q := d.queues.Peek(agentID)
		if q == nil {
			return
		}

		d.mu.Lock()
		if _, busy := d.inflight[agentID]; busy {
			d.mu.Unlock()
			return
		}

		var item *QueuedEvent
		now := time.Now().UnixMilli()
		for {
			res := q.PeekNextReady(now)
			switch res.Kind {
			case PeekEmpty:
				d.mu.Unlock()
				d.updateDepthMetrics(agentID, q)
				return
			case PeekExpired:
				d.metrics.RecordEventExpired(res.Item.Event.Type, res.Item.Priority.String())
				slog.Info("event expired before delivery",
					"agent_id", agentID,
					"event_type", res.Item.Event.Type,
					"event_id", res.Item.Event.ID)
				continue
			}
			if !conn.Matcher.Matches(res.Item.Event.Type) {
				q.Dequeue(res.Item.Priority)
				d.metrics.RecordEventDropped(res.Item.Event.Type, res.Item.Priority.String(), "unsubscribed")
				continue
			}
			item = q.Dequeue(res.Item.Priority)
			break
		}

		// Register the in-flight entry before the write so a fast ack
		// cannot race the bookkeeping.
		entry := &inflightEvent{agentID: agentID, item: item}
		plan := d.planFor(item.Event.Type)
		entry.timer = time.AfterFunc(plan.AckTimeout, func() { d.onAckTimeout(entry) })
		d.inflight[agentID] = entry
		d.mu.Unlock()

		err := d.send(conn, item.Event)
		d.updateDepthMetrics(agentID, q)
		if err == nil {
			d.metrics.RecordEventDispatched(item.Event.Type, "sent")
			return
		}

		// Synchronous send failure: retract the entry if it is still ours
		// and treat it like a failed attempt.
		d.mu.Lock()
		if d.inflight[agentID] == entry {
			entry.timer.Stop()
			delete(d.inflight, agentID)
		}
		d.mu.Unlock()
		d.metrics.RecordEventDispatched(item.Event.Type, "send_failed")
		slog.Warn("event send failed",
			"agent_id", agentID,
			"event_type", item.Event.Type,
			"event_id", item.Event.ID,
			"error", err)
		d.requeueOrDrop(agentID, q, item)
	}
}

func (d *EventDispatcher) onAckTimeout(entry *inflightEvent) {
	d.mu.Lock()
	if d.inflight[entry.agentID] != entry {
		// Acked or cleaned up while the timer was firing.
		d.mu.Unlock()
		return
	}
	delete(d.inflight, entry.agentID)
	d.mu.Unlock()

	d.metrics.RecordAckFailure(entry.item.Event.Type)
	slog.Warn("event ack timeout",
		"agent_id", entry.agentID,
		"event_type", entry.item.Event.Type,
		"event_id", entry.item.Event.ID,
		"attempts", entry.item.Attempts)

	q := d.queues.Get(entry.agentID)
	d.requeueOrDrop(entry.agentID, q, entry.item)
	d.TryDispatch(entry.agentID)
}

// requeueOrDrop puts a failed event back on the queue with backoff, or drops
// it once the retry budget is exhausted.
func (d *EventDispatcher) requeueOrDrop(agentID string, q *EventQueue, item *QueuedEvent) {
	plan := d.planFor(item.Event.Type)
	if item.Attempts >= plan.MaxRetries {
		d.metrics.RecordEventDropped(item.Event.Type, item.Priority.String(), "retry_exhausted")
		slog.Error("event delivery abandoned",
			"agent_id", agentID,
			"event_type", item.Event.Type,
			"event_id", item.Event.ID,
			"attempts", item.Attempts)
		return
	}

	item.Attempts++
	delay := plan.backoffFor(item.Attempts)
	item.NextAttemptAt = time.Now().UnixMilli() + delay.Milliseconds()
	dropped, reason := q.Enqueue(item.Event, item.Priority, &EnqueueOptions{
		EnqueuedAt:    item.EnqueuedAt,
		Attempts:      item.Attempts,
		NextAttemptAt: item.NextAttemptAt,
	})
	if dropped != nil {
		d.metrics.RecordEventDropped(dropped.Event.Type, dropped.Priority.String(), string(reason))
	}
	d.updateDepthMetrics(agentID, q)

	// Nothing else may poke this queue while the backoff runs, so arm a
	// redispatch for when the event becomes ready again.
	time.AfterFunc(delay, func() { d.TryDispatch(agentID) })
}

// OnAck records a bot's acknowledgement. Acks for anything other than the
// current in-flight event are ignored.
func (d *EventDispatcher) OnAck(agentID, eventID string) bool {
	d.mu.Lock()
	entry := d.inflight[agentID]
	if entry == nil || entry.item.Event.ID != eventID {
		d.mu.Unlock()
		return false
	}
	entry.timer.Stop()
	delete(d.inflight, agentID)
	d.mu.Unlock()

	d.metrics.RecordEventDispatched(entry.item.Event.Type, "acked")
	d.metrics.RecordEventDispatchLatency(entry.item.Event.Type,
		float64(time.Now().UnixMilli()-entry.item.EnqueuedAt)/1000)

	d.TryDispatch(agentID)
	return true
}

// OnDisconnect cancels the agent's in-flight tracking so no timer fires for
// a connection that is gone. Queued events stay queued for the retention job.
func (d *EventDispatcher) OnDisconnect(agentID string) {
	d.mu.Lock()
	if entry, ok := d.inflight[agentID]; ok {
		entry.timer.Stop()
		delete(d.inflight, agentID)
	}
	d.mu.Unlock()
}

// HasInflight reports whether the agent currently has an un-acked event.
func (d *EventDispatcher) HasInflight(agentID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[agentID]
	return ok
}

// RemoveQueuedByType drops matching events from the agent's queue without
// touching the in-flight slot.
func (d *EventDispatcher) RemoveQueuedByType(agentID, eventType string) int {
	q := d.queues.Peek(agentID)
	if q == nil {
		return 0
	}
	n := q.RemoveByType(eventType)
	d.updateDepthMetrics(agentID, q)
	return n
}

func (d *EventDispatcher) updateDepthMetrics(agentID string, q *EventQueue) {
	for p := models.EventPriority(0); p < models.NumPriorities; p++ {
		d.metrics.SetQueueDepth(agentID, p.String(), float64(q.DepthAt(p)))
	}
}
