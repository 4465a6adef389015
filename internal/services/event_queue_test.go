package services

import (
	"fmt"
	"testing"
	"time"

	"towngate/internal/models"
)

func makeEvent(id, eventType string, expiresAt int64) models.WorldEvent {
	return models.WorldEvent{
		Type:      eventType,
		ID:        id,
		Version:   models.ProtocolVersion,
		Timestamp: time.Now().UnixMilli(),
		ExpiresAt: expiresAt,
	}
}

func TestEventQueueFIFOWithinLane(t *testing.T) {
	q := NewEventQueue(10)
	now := time.Now().UnixMilli()

	for i := 0; i < 3; i++ {
		q.Enqueue(makeEvent(fmt.Sprintf("e%d", i), "agent.state_changed", now+60_000), 2, nil)
	}

	for i := 0; i < 3; i++ {
		res := q.PeekNextReady(now)
		if res.Kind != PeekReady {
			t.Fatalf("peek %d: kind = %v, want PeekReady", i, res.Kind)
		}
		want := fmt.Sprintf("e%d", i)
		if res.Item.Event.ID != want {
			t.Errorf("peek %d: event id = %s, want %s", i, res.Item.Event.ID, want)
		}
		q.Dequeue(res.Item.Priority)
	}

	if res := q.PeekNextReady(now); res.Kind != PeekEmpty {
		t.Errorf("drained queue: kind = %v, want PeekEmpty", res.Kind)
	}
}

func TestEventQueuePriorityOrder(t *testing.T) {
	q := NewEventQueue(10)
	now := time.Now().UnixMilli()

	// Enqueue in shuffled priority order.
	q.Enqueue(makeEvent("low", "misc.event", now+60_000), 3, nil)
	q.Enqueue(makeEvent("high", "conversation.message", now+60_000), 0, nil)
	q.Enqueue(makeEvent("mid", "agent.state_changed", now+60_000), 1, nil)

	wantOrder := []string{"high", "mid", "low"}
	for _, want := range wantOrder {
		res := q.PeekNextReady(now)
		if res.Kind != PeekReady || res.Item.Event.ID != want {
			t.Fatalf("got %v/%v, want ready %s", res.Kind, res.Item, want)
		}
		q.Dequeue(res.Item.Priority)
	}
}

func TestEventQueueOverflowDropsOldest(t *testing.T) {
	q := NewEventQueue(2)
	now := time.Now().UnixMilli()

	q.Enqueue(makeEvent("e0", "misc.event", now+60_000), 3, nil)
	q.Enqueue(makeEvent("e1", "misc.event", now+60_000), 3, nil)
	dropped, reason := q.Enqueue(makeEvent("e2", "misc.event", now+60_000), 3, nil)

	if dropped == nil || dropped.Event.ID != "e0" {
		t.Fatalf("dropped = %v, want e0", dropped)
	}
	if reason != DropOverflowOldest {
		t.Errorf("reason = %s, want %s", reason, DropOverflowOldest)
	}
	if q.DepthAt(3) != 2 {
		t.Errorf("lane depth = %d, want 2", q.DepthAt(3))
	}
}

func TestEventQueueOverflowCriticalDisplacesNonCritical(t *testing.T) {
	q := NewEventQueue(2)
	now := time.Now().UnixMilli()

	q.Enqueue(makeEvent("ended", models.EventConversationEnded, now+60_000), 0, nil)
	q.Enqueue(makeEvent("msg", models.EventConversationMessage, now+60_000), 0, nil)

	dropped, reason := q.Enqueue(makeEvent("timeout", models.EventConversationTimeout, now+60_000), 0, nil)
	if dropped == nil || dropped.Event.ID != "msg" {
		t.Fatalf("dropped = %v, want msg (the non-critical one)", dropped)
	}
	if reason != DropOverflowReplacedNonCritical {
		t.Errorf("reason = %s, want %s", reason, DropOverflowReplacedNonCritical)
	}

	// Lane now holds only critical events; an incoming non-critical loses.
	dropped, reason = q.Enqueue(makeEvent("msg2", models.EventConversationMessage, now+60_000), 0, nil)
	if dropped == nil || dropped.Event.ID != "msg2" {
		t.Fatalf("dropped = %v, want the incoming msg2", dropped)
	}
	if reason != DropOverflowIncoming {
		t.Errorf("reason = %s, want %s", reason, DropOverflowIncoming)
	}
}

func TestEventQueueExpiryOnPeek(t *testing.T) {
	q := NewEventQueue(10)
	now := time.Now().UnixMilli()

	q.Enqueue(makeEvent("stale", "misc.event", now-1), 3, nil)
	q.Enqueue(makeEvent("fresh", "misc.event", now+60_000), 3, nil)

	res := q.PeekNextReady(now)
	if res.Kind != PeekExpired || res.Item.Event.ID != "stale" {
		t.Fatalf("first peek = %v/%v, want expired stale", res.Kind, res.Item)
	}
	res = q.PeekNextReady(now)
	if res.Kind != PeekReady || res.Item.Event.ID != "fresh" {
		t.Fatalf("second peek = %v/%v, want ready fresh", res.Kind, res.Item)
	}
}

func TestEventQueueZeroExpiryNeverExpires(t *testing.T) {
	q := NewEventQueue(10)
	now := time.Now().UnixMilli()

	q.Enqueue(makeEvent("eternal", "misc.event", 0), 3, nil)
	res := q.PeekNextReady(now + 1_000_000)
	if res.Kind != PeekReady {
		t.Fatalf("kind = %v, want PeekReady for expiresAt=0", res.Kind)
	}
}

func TestEventQueueBackoffBlocksOwnLaneOnly(t *testing.T) {
	q := NewEventQueue(10)
	now := time.Now().UnixMilli()

	// A retrying head in lane 1 waits out its backoff; lane 3 should still
	// be served rather than starve behind it.
	q.Enqueue(makeEvent("retrying", "agent.state_changed", now+60_000), 1, &EnqueueOptions{
		Attempts:      1,
		NextAttemptAt: now + 5_000,
	})
	q.Enqueue(makeEvent("other", "misc.event", now+60_000), 3, nil)

	res := q.PeekNextReady(now)
	if res.Kind != PeekReady || res.Item.Event.ID != "other" {
		t.Fatalf("got %v, want ready other from lane 3", res)
	}

	// Once the backoff elapses the higher lane wins again.
	res = q.PeekNextReady(now + 5_000)
	if res.Kind != PeekReady || res.Item.Event.ID != "retrying" {
		t.Fatalf("got %v, want ready retrying from lane 1", res)
	}
}

func TestEventQueueInvalidPriorityClampsToLast(t *testing.T) {
	q := NewEventQueue(10)
	q.Enqueue(makeEvent("odd", "misc.event", 0), models.EventPriority(7), nil)
	if q.DepthAt(models.NumPriorities-1) != 1 {
		t.Errorf("depth at last lane = %d, want 1", q.DepthAt(models.NumPriorities-1))
	}
}

func TestEventQueueRemoveByEventIDAndType(t *testing.T) {
	q := NewEventQueue(10)
	now := time.Now().UnixMilli()

	q.Enqueue(makeEvent("a", "agent.queue_refill_requested", now+60_000), 2, nil)
	q.Enqueue(makeEvent("b", "agent.queue_refill_requested", now+60_000), 3, nil)
	q.Enqueue(makeEvent("c", "misc.event", now+60_000), 3, nil)

	if !q.RemoveByEventID("a") {
		t.Error("RemoveByEventID(a) = false, want true")
	}
	if q.RemoveByEventID("a") {
		t.Error("second RemoveByEventID(a) = true, want false")
	}
	if n := q.RemoveByType("agent.queue_refill_requested"); n != 1 {
		t.Errorf("RemoveByType = %d, want 1", n)
	}
	if q.Depth() != 1 {
		t.Errorf("depth = %d, want 1", q.Depth())
	}
}

func TestEventQueuePurgeExpired(t *testing.T) {
	q := NewEventQueue(10)
	now := time.Now().UnixMilli()

	q.Enqueue(makeEvent("dead1", "misc.event", now-10), 2, nil)
	q.Enqueue(makeEvent("dead2", "misc.event", now-10), 3, nil)
	q.Enqueue(makeEvent("alive", "misc.event", now+60_000), 3, nil)
	q.Enqueue(makeEvent("eternal", "misc.event", 0), 3, nil)

	if n := q.PurgeExpired(now); n != 2 {
		t.Errorf("PurgeExpired = %d, want 2", n)
	}
	if q.Depth() != 2 {
		t.Errorf("depth after purge = %d, want 2", q.Depth())
	}
}
