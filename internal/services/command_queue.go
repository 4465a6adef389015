package services

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// CompleteReason records why an in-flight command stopped occupying its
// agent's slot.
type CompleteReason string

const (
	CompleteAccepted       CompleteReason = "accepted"
	CompleteRejected       CompleteReason = "rejected"
	CompleteActionFinished CompleteReason = "action_finished"
	CompleteTimeout        CompleteReason = "timeout"
	CompleteDisconnect     CompleteReason = "disconnect"
)

// DefaultCommandTimeout bounds how long a command may hold its agent's slot.
const DefaultCommandTimeout = 30 * time.Second

// CommandItem is one bot command waiting for, or holding, an agent's
// execution slot.
type CommandItem struct {
	ID             string
	AgentID        string
	Type           string
	Payload        json.RawMessage
	IdempotencyKey string
	ReceivedAt     int64
}

type pendingCommand struct {
	item *CommandItem
	run  func(*CommandItem)
}

type commandInflight struct {
	item      *CommandItem
	timer     *time.Timer
	startedAt time.Time
}

// CommandQueue serializes command execution per agent: exactly one command
// in flight at a time, the rest queued FIFO. A command leaves the slot via
// Complete (by the world engine reporting the action finished, by an
// explicit completion, or by disconnect cleanup) or via the timeout timer,
// whichever happens first. The two paths race safely: only the caller that
// still finds the same in-flight entry performs the completion.
type CommandQueue struct {
	mu       sync.Mutex
	pending  map[string][]*pendingCommand
	inflight map[string]*commandInflight
	timeout  time.Duration
	metrics  *Metrics
}

func NewCommandQueue(timeout time.Duration, metrics *Metrics) *CommandQueue {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &CommandQueue{
		pending:  make(map[string][]*pendingCommand),
		inflight: make(map[string]*commandInflight),
		timeout:  timeout,
		metrics:  metrics,
	}
}

// Submit hands a command to the agent's slot. If the slot is free the run
// callback executes immediately (on the caller's goroutine); otherwise the
// command waits its turn. Returns true when the command ran right away.
func (q *CommandQueue) Submit(item *CommandItem, run func(*CommandItem)) bool {
	q.mu.Lock()
	if _, busy := q.inflight[item.AgentID]; busy {
		q.pending[item.AgentID] = append(q.pending[item.AgentID], &pendingCommand{item: item, run: run})
		depth := len(q.pending[item.AgentID])
		q.mu.Unlock()
		slog.Debug("command queued behind in-flight command",
			"agent_id", item.AgentID,
			"command_type", item.Type,
			"command_id", item.ID,
			"depth", depth)
		return false
	}
	q.startLocked(item)
	q.mu.Unlock()

	run(item)
	return true
}

// startLocked installs the in-flight entry and arms its timeout. Caller
// holds q.mu.
func (q *CommandQueue) startLocked(item *CommandItem) {
	entry := &commandInflight{item: item, startedAt: time.Now()}
	entry.timer = time.AfterFunc(q.timeout, func() { q.onTimeout(item.AgentID, entry) })
	q.inflight[item.AgentID] = entry
}

func (q *CommandQueue) onTimeout(agentID string, entry *commandInflight) {
	q.mu.Lock()
	if q.inflight[agentID] != entry {
		// Completed while the timer was firing.
		q.mu.Unlock()
		return
	}
	entry.timer.Stop()
	delete(q.inflight, agentID)
	next := q.takeNextLocked(agentID)
	q.mu.Unlock()

	q.metrics.RecordCommand(entry.item.Type, string(CompleteTimeout))
	slog.Warn("command timed out holding agent slot",
		"agent_id", agentID,
		"command_type", entry.item.Type,
		"command_id", entry.item.ID)

	if next != nil {
		next.run(next.item)
	}
}

// Complete releases the agent's slot. commandID narrows the completion to a
// specific command; the empty string completes whatever is in flight, which
// is how action-finished notifications correlate (the world engine does not
// echo command ids back). Returns false if nothing matched, making the
// timeout/completion race exactly-once.
func (q *CommandQueue) Complete(agentID, commandID string, reason CompleteReason) bool {
	q.mu.Lock()
	entry := q.inflight[agentID]
	if entry == nil || (commandID != "" && entry.item.ID != commandID) {
		q.mu.Unlock()
		return false
	}
	entry.timer.Stop()
	delete(q.inflight, agentID)
	next := q.takeNextLocked(agentID)
	q.mu.Unlock()

	q.metrics.RecordCommandLatency(entry.item.Type, time.Since(entry.startedAt).Seconds())
	slog.Debug("command slot released",
		"agent_id", agentID,
		"command_type", entry.item.Type,
		"command_id", entry.item.ID,
		"reason", reason)

	if next != nil {
		next.run(next.item)
	}
	return true
}

// takeNextLocked pops and re-arms the next pending command for the agent.
// Caller holds q.mu; the returned command's run fires after unlock.
func (q *CommandQueue) takeNextLocked(agentID string) *pendingCommand {
	queue := q.pending[agentID]
	if len(queue) == 0 {
		delete(q.pending, agentID)
		return nil
	}
	next := queue[0]
	rest := queue[1:]
	if len(rest) == 0 {
		delete(q.pending, agentID)
	} else {
		q.pending[agentID] = rest
	}
	q.startLocked(next.item)
	return next
}

// ClearAgent drops the agent's pending commands and releases its slot
// without running anything further. Used on disconnect.
func (q *CommandQueue) ClearAgent(agentID string, reason CompleteReason) {
	q.mu.Lock()
	entry := q.inflight[agentID]
	if entry != nil {
		entry.timer.Stop()
		delete(q.inflight, agentID)
	}
	dropped := len(q.pending[agentID])
	delete(q.pending, agentID)
	q.mu.Unlock()

	if entry != nil || dropped > 0 {
		slog.Info("cleared agent command slot",
			"agent_id", agentID,
			"had_inflight", entry != nil,
			"dropped_pending", dropped,
			"reason", reason)
	}
}

// Inflight returns the command currently holding the agent's slot, or nil.
func (q *CommandQueue) Inflight(agentID string) *CommandItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if entry := q.inflight[agentID]; entry != nil {
		return entry.item
	}
	return nil
}

// PendingLen reports how many commands wait behind the agent's slot.
func (q *CommandQueue) PendingLen(agentID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[agentID])
}
