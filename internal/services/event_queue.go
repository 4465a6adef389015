package services

import (
	"sync"
	"time"

	"towngate/internal/models"
)

// DropReason explains why an event left a queue without being delivered.
type DropReason string

const (
	DropOverflowOldest              DropReason = "overflow_oldest"
	DropOverflowIncoming            DropReason = "overflow_incoming"
	DropOverflowReplacedNonCritical DropReason = "overflow_replaced_non_critical"
)

// QueuedEvent is a world event waiting in a priority lane, carrying its
// delivery bookkeeping. Attempts and NextAttemptAt advance on every failed
// delivery; all timestamps are unix milliseconds to match the wire format.
type QueuedEvent struct {
	Event         models.WorldEvent
	Priority      models.EventPriority
	EnqueuedAt    int64
	ExpiresAt     int64
	Attempts      int
	NextAttemptAt int64
}

// EnqueueOptions carries prior bookkeeping when a timed-out event is
// re-enqueued for another delivery attempt.
type EnqueueOptions struct {
	EnqueuedAt    int64
	Attempts      int
	NextAttemptAt int64
}

// lane is a slice-backed deque for one priority level. Eviction is a named
// operation returning the evicted item so overflow policy stays unit-testable
// independent of dispatch.
type lane struct {
	items []*QueuedEvent
}

func (l *lane) len() int { return len(l.items) }

func (l *lane) pushBack(item *QueuedEvent) {
	l.items = append(l.items, item)
}

func (l *lane) front() *QueuedEvent {
	if len(l.items) == 0 {
		return nil
	}
	return l.items[0]
}

func (l *lane) popFront() *QueuedEvent {
	if len(l.items) == 0 {
		return nil
	}
	item := l.items[0]
	l.items = l.items[1:]
	return item
}

// evictOldest removes and returns the item at the head of the lane.
func (l *lane) evictOldest() *QueuedEvent {
	return l.popFront()
}

// evictFirstNonCritical removes the oldest item whose event type is not
// critical. Returns nil when the lane holds only critical items.
func (l *lane) evictFirstNonCritical() *QueuedEvent {
	for i, item := range l.items {
		if !models.IsCriticalEventType(item.Event.Type) {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return item
		}
	}
	return nil
}

func (l *lane) hasCritical() bool {
	for _, item := range l.items {
		if models.IsCriticalEventType(item.Event.Type) {
			return true
		}
	}
	return false
}

func (l *lane) removeMatching(match func(*QueuedEvent) bool) int {
	removed := 0
	kept := l.items[:0]
	for _, item := range l.items {
		if match(item) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	l.items = kept
	return removed
}

// PeekKind classifies the result of PeekNextReady.
type PeekKind int

const (
	PeekEmpty PeekKind = iota
	PeekExpired
	PeekReady
)

// PeekResult is either empty, an expired item that was removed (callers loop
// until they get a non-expired result), or the next ready item, still queued.
type PeekResult struct {
	Kind PeekKind
	Item *QueuedEvent
}

// EventQueue holds one agent's undelivered world events across 4 bounded
// priority lanes. Capacity management is silent and lossy: events are
// best-effort state hints, not a durable log. Callers learn about drops
// through the returned evicted item, for metering only.
type EventQueue struct {
	mu               sync.Mutex
	lanes            [models.NumPriorities]lane
	perPriorityLimit int
}

// DefaultPerPriorityLimit bounds each lane when no explicit limit is given.
const DefaultPerPriorityLimit = 100

func NewEventQueue(perPriorityLimit int) *EventQueue {
	if perPriorityLimit <= 0 {
		perPriorityLimit = DefaultPerPriorityLimit
	}
	return &EventQueue{perPriorityLimit: perPriorityLimit}
}

// Enqueue appends the event to the tail of its priority lane. When the lane
// is full the overflow policy picks a victim: a critical event displaces the
// oldest non-critical item; a non-critical event yields to queued critical
// items and is itself dropped; otherwise the oldest item goes. The dropped
// item and reason are returned for observability.
func (q *EventQueue) Enqueue(event models.WorldEvent, priority models.EventPriority, opts *EnqueueOptions) (*QueuedEvent, DropReason) {
	if !priority.Valid() {
		priority = models.NumPriorities - 1
	}
	now := time.Now().UnixMilli()
	item := &QueuedEvent{
		Event:         event,
		Priority:      priority,
		EnqueuedAt:    now,
		ExpiresAt:     event.ExpiresAt,
		Attempts:      0,
		NextAttemptAt: now,
	}
	if opts != nil {
		if opts.EnqueuedAt > 0 {
			item.EnqueuedAt = opts.EnqueuedAt
		}
		item.Attempts = opts.Attempts
		if opts.NextAttemptAt > 0 {
			item.NextAttemptAt = opts.NextAttemptAt
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	l := &q.lanes[priority]
	if l.len() < q.perPriorityLimit {
		l.pushBack(item)
		return nil, ""
	}

	if models.IsCriticalEventType(event.Type) {
		if victim := l.evictFirstNonCritical(); victim != nil {
			l.pushBack(item)
			return victim, DropOverflowReplacedNonCritical
		}
		// Lane is full of critical items; fall back to FIFO eviction.
		victim := l.evictOldest()
		l.pushBack(item)
		return victim, DropOverflowOldest
	}

	if l.hasCritical() {
		// The incoming non-critical event loses to queued critical ones.
		return item, DropOverflowIncoming
	}

	victim := l.evictOldest()
	l.pushBack(item)
	return victim, DropOverflowOldest
}

// PeekNextReady scans lanes 0→3. Expired heads are removed and reported one
// at a time; callers loop until they see a ready item or empty. A head that
// is waiting out its retry backoff blocks its own lane; scanning moves on to
// the next lane. If nothing is ready the result is empty even though items
// remain queued.
func (q *EventQueue) PeekNextReady(now int64) PeekResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p := 0; p < models.NumPriorities; p++ {
		l := &q.lanes[p]
		for l.len() > 0 {
			head := l.front()
			if head.ExpiresAt > 0 && now >= head.ExpiresAt {
				return PeekResult{Kind: PeekExpired, Item: l.popFront()}
			}
			if now < head.NextAttemptAt {
				break
			}
			return PeekResult{Kind: PeekReady, Item: head}
		}
	}
	return PeekResult{Kind: PeekEmpty}
}

// Dequeue removes and returns the head of the given lane. Callers pair it
// with a prior PeekNextReady so the head is the item they inspected.
func (q *EventQueue) Dequeue(priority models.EventPriority) *QueuedEvent {
	if !priority.Valid() {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lanes[priority].popFront()
}

// PurgeExpired removes every queued event whose deadline has passed and
// returns the count. The dispatcher expires lazily on peek; this exists for
// the sweeper, which walks queues of agents nobody is dispatching to.
func (q *EventQueue) PurgeExpired(now int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for p := 0; p < models.NumPriorities; p++ {
		removed += q.lanes[p].removeMatching(func(item *QueuedEvent) bool {
			return item.ExpiresAt > 0 && now >= item.ExpiresAt
		})
	}
	return removed
}

// RemoveByEventID removes every queued copy of the event. Used on ack.
func (q *EventQueue) RemoveByEventID(eventID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for p := 0; p < models.NumPriorities; p++ {
		removed += q.lanes[p].removeMatching(func(item *QueuedEvent) bool {
			return item.Event.ID == eventID
		})
	}
	return removed > 0
}

// RemoveByType removes every queued event of the given type and returns the
// count. Used for agent-level cleanup.
func (q *EventQueue) RemoveByType(eventType string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for p := 0; p < models.NumPriorities; p++ {
		removed += q.lanes[p].removeMatching(func(item *QueuedEvent) bool {
			return item.Event.Type == eventType
		})
	}
	return removed
}

// Depth returns the total number of queued events across all lanes.
func (q *EventQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := 0
	for p := 0; p < models.NumPriorities; p++ {
		total += q.lanes[p].len()
	}
	return total
}

// DepthAt returns the number of queued events in one lane.
func (q *EventQueue) DepthAt(priority models.EventPriority) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lanes[priority].len()
}
