// ABOUTME: Execution path for one task: retries with backoff, stage deadline,
// ABOUTME: token streaming to the bus, and terminal-state classification.

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/problab/lab-gateway/internal/adapter"
	"github.com/problab/lab-gateway/internal/laberr"
	"github.com/problab/lab-gateway/internal/store"
)

// runTask drives one task from running to a terminal status, then releases
// the agent's lane. It owns the task struct exclusively until it returns.
func (o *Orchestrator) runTask(runCtx context.Context, h *taskHandle) {
	defer o.wg.Done()
	task := h.task

	o.metrics.IncActiveTasks()
	defer o.metrics.DecActiveTasks()

	now := time.Now().UTC()
	deadline := now.Add(o.stageTimeout())
	task.Status = store.TaskRunning
	task.StartedAt = &now
	task.Deadline = &deadline

	// Persistence failures never stall the lane; the ledger and the logs
	// still carry the transition.
	if err := o.store.UpdateTask(runCtx, task); err != nil {
		o.logger.Error("persisting running task", "task_id", task.ID, "error", err)
	}
	o.publishTaskUpdate(runCtx, task)
	o.logger.Info("task running", "task_id", task.ID, "agent_id", task.AgentID, "kind", task.Kind)

	stageCtx, cancelStage := context.WithDeadline(runCtx, deadline)
	output, err := o.attempt(stageCtx, h)
	cancelStage()

	status, reason := classify(h, stageCtx, runCtx, err)
	o.finalize(task, status, reason, output, err)
	o.releaseLane(task.AgentID, task.ID)
}

// attempt runs the task's backend work under the retry policy. Transient
// failures back off exponentially until the attempt budget or the stage
// deadline is spent. Once a token has reached the bus the stream cannot be
// replayed without duplicating output, so later failures are permanent.
func (o *Orchestrator) attempt(ctx context.Context, h *taskHandle) (string, error) {
	task := h.task

	agent, err := o.dir.Get(ctx, task.AgentID)
	if err != nil {
		return "", err
	}
	ad, err := o.adapters.Get(ctx, task.AgentID)
	if err != nil {
		return "", err
	}

	var output string
	op := func() error {
		task.Attempts++
		h.touch()
		if task.Attempts > 1 {
			o.metrics.IncTaskRetry(task.Kind)
			o.logger.Warn("retrying task", "task_id", task.ID, "attempt", task.Attempts)
		}

		text, emitted, err := o.runAttempt(ctx, h, ad, agent.Params)
		if err != nil {
			if emitted > 0 || !transient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		output = text
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.retryInitial()
	b.MaxInterval = o.retryMaxDelay()
	b.Multiplier = 2
	b.MaxElapsedTime = 0 // bounded by the attempt budget and the stage deadline

	retries := uint64(o.maxAttempts() - 1)
	err = backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx))
	return output, err
}

// runAttempt performs a single backend call. Generate tasks stream tokens to
// the bus as they arrive; probe and transform tasks are single blocking sends.
// The emitted count reports how many tokens already reached subscribers.
func (o *Orchestrator) runAttempt(ctx context.Context, h *taskHandle, ad adapter.Adapter, params store.GenerationParams) (string, int, error) {
	task := h.task

	if task.Kind != store.KindGenerate {
		text, err := ad.Send(ctx, task.Prompt, params)
		return text, 0, err
	}

	stream, err := ad.StreamGenerate(ctx, task.Prompt, params)
	if err != nil {
		return "", 0, err
	}

	o.publishTyping(ctx, task, true)
	defer o.publishTyping(ctx, task, false)

	var full strings.Builder
	emitted := 0
	for tok := range stream {
		if tok.Err != nil {
			return full.String(), emitted, tok.Err
		}
		if tok.Text != "" {
			full.WriteString(tok.Text)
			emitted++
			h.touch()
			o.publish(ctx, task, store.EventToken, tok.Text, "")
		}
		if tok.Done {
			break
		}
	}
	// The adapter closes the stream without a terminal token when the
	// context dies mid-read.
	if err := ctx.Err(); err != nil {
		return full.String(), emitted, err
	}
	return full.String(), emitted, nil
}

func (o *Orchestrator) publishTyping(ctx context.Context, task *store.Task, active bool) {
	payload, _ := json.Marshal(map[string]bool{"typing": active})
	o.publish(ctx, task, store.EventTyping, "", string(payload))
}

// classify maps the attempt outcome onto a terminal status. A completed
// attempt stays done even when a terminator raced it; otherwise reasons set
// through fail win over the error itself.
func classify(h *taskHandle, stageCtx, runCtx context.Context, err error) (store.TaskStatus, string) {
	if err == nil {
		return store.TaskDone, ""
	}
	if reason := h.takeReason(); reason != "" {
		return store.TaskFailed, reason
	}
	switch {
	case runCtx.Err() != nil:
		return store.TaskCancelled, ReasonCancelled
	case errors.Is(stageCtx.Err(), context.DeadlineExceeded):
		return store.TaskTimedOut, ReasonStageTimeout
	case errors.Is(err, laberr.ErrAgentUnreachable):
		// Canonical reason, shared with the sweeper path, so consumers can
		// match on it instead of parsing error text.
		return store.TaskFailed, ReasonAgentUnreachable
	default:
		return store.TaskFailed, err.Error()
	}
}

// transient reports whether an adapter error is worth another attempt.
func transient(err error) bool {
	return errors.Is(err, laberr.ErrAgentUnreachable) ||
		errors.Is(err, laberr.ErrSendTimeout) ||
		errors.Is(err, laberr.ErrBadBackendResponse)
}

// finalize persists the terminal state, publishes the terminal events, and
// wakes waiters. It runs detached from the task's own context so shutdown
// and cancellation still record outcomes.
func (o *Orchestrator) finalize(task *store.Task, status store.TaskStatus, reason, output string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.baseCtx), finalizeTimeout)
	defer cancel()

	now := time.Now().UTC()
	task.Status = status
	task.Reason = reason
	task.FinishedAt = &now
	if status == store.TaskDone {
		task.Output = output
	}

	if err := o.store.UpdateTask(ctx, task); err != nil {
		o.logger.Error("persisting terminal task", "task_id", task.ID, "status", status, "error", err)
	}

	o.publishTaskUpdate(ctx, task)
	if status == store.TaskDone {
		o.publish(ctx, task, store.EventDone, output, "")
	} else {
		text := reason
		if cause != nil {
			text = cause.Error()
		}
		o.publish(ctx, task, store.EventError, text, "")
	}

	started := task.EnqueuedAt
	if task.StartedAt != nil {
		started = *task.StartedAt
	}
	o.metrics.ObserveTaskDuration(task.Kind, string(status), now.Sub(started))

	o.mu.Lock()
	chans := o.waiters[task.ID]
	delete(o.waiters, task.ID)
	o.mu.Unlock()
	for _, ch := range chans {
		ch <- cloneTask(task)
	}

	o.logger.Info("task finished",
		"task_id", task.ID,
		"agent_id", task.AgentID,
		"status", status,
		"reason", reason,
		"attempts", task.Attempts,
	)
}
