// Package orchestrator owns the task lifecycle for every registered agent.
//
// # Scheduling
//
// Each agent has one lane: an exclusive execution slot plus a bounded FIFO
// queue. At most one task runs per agent at any instant; submissions while
// the slot is held wait in order, and a full queue rejects with ErrQueueFull.
// Agents never block one another. When a task settles, the lane kicks the
// next queued task immediately.
//
// # Lifecycle
//
// Tasks move queued -> running -> done | failed | timed_out | cancelled, and
// terminal statuses are final. Every transition is persisted to the store
// and published on the bus as a task_update event. Generate tasks stream
// token events between typing true and typing false markers; the terminal
// done or error event carries the full output or the failure text.
//
// # Retries and deadlines
//
// Transient backend failures (unreachable, timeout, malformed response)
// retry with exponential backoff up to orchestrator.max_attempts. A failure
// after tokens already reached subscribers is permanent, because replaying
// the stream would duplicate output. Each run carries a stage deadline
// (orchestrator.stage_timeout); exceeding it ends the task as timed_out,
// which is never auto-retried.
//
// # Liveness
//
// A sweeper goroutine health-checks every non-pending agent each
// heartbeat.interval. Reaching heartbeat.miss_threshold consecutive misses
// marks the agent unreachable and fails its running and queued tasks with
// reason agent_unreachable. The sweeper also reaps locks whose task shows no
// progress within heartbeat.stale_after, failing it with reason stale_lock
// so a wedged backend cannot starve its queue.
package orchestrator
