package jobs

import (
	"context"
	"log/slog"
	"time"

	"towngate/internal/services"
)

// QueueSweeperJob reaps event queues that outlived their bot. The dispatcher
// expires events lazily when it peeks a queue, but nobody peeks a queue whose
// agent is offline, so without this job a disconnected agent's backlog would
// sit in memory until reconnect. The sweeper purges expired events everywhere
// and deletes queues that are both empty and ownerless.
type QueueSweeperJob struct {
	queues      *services.QueueRegistry
	connections *services.ConnectionManager
	metrics     *services.Metrics
	interval    time.Duration
	lastRun     time.Time
}

// NewQueueSweeperJob creates a new queue sweeper.
// interval: how often to run (e.g., 5 minutes)
func NewQueueSweeperJob(queues *services.QueueRegistry, connections *services.ConnectionManager, metrics *services.Metrics, interval time.Duration) *QueueSweeperJob {
	return &QueueSweeperJob{
		queues:      queues,
		connections: connections,
		metrics:     metrics,
		interval:    interval,
	}
}

// Run purges expired events and deletes drained queues of offline agents.
func (j *QueueSweeperJob) Run(ctx context.Context) error {
	j.lastRun = time.Now()
	now := time.Now().UnixMilli()

	purged := 0
	deleted := 0
	for _, agentID := range j.queues.AgentIDs() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		q := j.queues.Peek(agentID)
		if q == nil {
			continue
		}

		purged += q.PurgeExpired(now)

		if j.connections.GetByAgentID(agentID) != nil {
			continue
		}
		if q.Depth() == 0 {
			j.queues.Delete(agentID)
			j.metrics.ClearQueueDepth(agentID)
			deleted++
		}
	}

	if purged > 0 || deleted > 0 {
		slog.Info("queue sweep",
			"purged_events", purged,
			"deleted_queues", deleted,
			"live_queues", j.queues.Len())
	}

	return nil
}

// GetNextRunTime returns when this job should next execute.
func (j *QueueSweeperJob) GetNextRunTime() time.Time {
	if j.lastRun.IsZero() {
		return time.Now().Add(j.interval)
	}
	return j.lastRun.Add(j.interval)
}
