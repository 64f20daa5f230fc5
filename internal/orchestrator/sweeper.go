// ABOUTME: Heartbeat sweep: periodic health checks, unreachable detection,
// ABOUTME: and stale-lock recovery for tasks that stopped making progress.

package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/problab/lab-gateway/internal/store"
)

// sweep drives the liveness protocol on a fixed interval until ctx dies.
func (o *Orchestrator) sweep(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.hbInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweepOnce(ctx)
		}
	}
}

// sweepOnce health-checks every probeable agent in parallel, then reaps
// stale locks. One slow backend never delays the others past its own check.
func (o *Orchestrator) sweepOnce(ctx context.Context) {
	agents, err := o.dir.List(ctx)
	if err != nil {
		o.logger.Error("listing agents for sweep", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, agent := range agents {
		if agent.Status == store.StatusPending {
			// Registered but never connected; nothing to probe yet.
			continue
		}
		wg.Go(func() {
			o.checkAgent(ctx, agent)
		})
	}
	wg.Wait()

	o.reapStaleLocks()
}

// checkAgent runs one liveness probe. A success resets the missed counter;
// a failure that crosses the miss threshold fails all of the agent's tasks.
func (o *Orchestrator) checkAgent(ctx context.Context, agent *store.Agent) {
	ad, err := o.adapters.Get(ctx, agent.ID)
	if err != nil {
		o.logger.Error("resolving adapter for sweep", "agent_id", agent.ID, "error", err)
		return
	}

	if err := ad.HealthCheck(ctx); err != nil {
		o.metrics.IncHeartbeatMiss(agent.ID)
		_, crossed, merr := o.dir.MarkMissed(ctx, agent.ID, o.missThreshold())
		if merr != nil {
			o.logger.Error("recording missed heartbeat", "agent_id", agent.ID, "error", merr)
			return
		}
		if crossed {
			o.FailAgentTasks(agent.ID, ReasonAgentUnreachable)
		}
		return
	}

	if _, err := o.dir.RecordHeartbeat(ctx, agent.ID); err != nil {
		o.logger.Error("recording heartbeat", "agent_id", agent.ID, "error", err)
	}
}

// reapStaleLocks fails running tasks that made no observable progress inside
// the stale window. The run goroutine sees the cancel and releases the lane,
// so a wedged backend cannot starve its queue.
func (o *Orchestrator) reapStaleLocks() {
	cutoff := time.Now().Add(-o.staleAfter())

	o.mu.Lock()
	var stale []*taskHandle
	for _, h := range o.handles {
		if h.lastProgress().Before(cutoff) {
			stale = append(stale, h)
		}
	}
	o.mu.Unlock()

	for _, h := range stale {
		o.logger.Warn("releasing stale lock", "task_id", h.task.ID, "agent_id", h.task.AgentID)
		h.fail(ReasonStaleLock)
	}
}
