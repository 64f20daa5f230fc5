// ABOUTME: Task lifecycle owner: per-agent exclusive lanes, FIFO queues, cancellation.
// ABOUTME: Every status change is persisted and published as a task_update event.

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/problab/lab-gateway/internal/adapter"
	"github.com/problab/lab-gateway/internal/config"
	"github.com/problab/lab-gateway/internal/laberr"
	"github.com/problab/lab-gateway/internal/metrics"
	"github.com/problab/lab-gateway/internal/store"
)

// Fallbacks for zero-valued config, matching config.Default().
const (
	defaultQueueDepth    = 32
	defaultMaxAttempts   = 3
	defaultStageTimeout  = 2 * time.Minute
	defaultRetryInitial  = 500 * time.Millisecond
	defaultRetryMaxDelay = 10 * time.Second
	defaultHBInterval    = 10 * time.Second
	defaultMissThreshold = 3
	defaultStaleAfter    = 90 * time.Second

	// finalizeTimeout bounds terminal persistence once the task's own
	// context is gone.
	finalizeTimeout = 5 * time.Second
)

// Failure reasons the orchestrator records when it terminates work itself.
const (
	ReasonAgentUnreachable = "agent_unreachable"
	ReasonAgentRemoved     = "agent_removed"
	ReasonStaleLock        = "stale_lock"
	ReasonStageTimeout     = "stage_timeout"
	ReasonCancelled        = "cancelled"
)

// TaskStore is what the orchestrator needs from persistence.
type TaskStore interface {
	CreateTask(ctx context.Context, task *store.Task) error
	GetTask(ctx context.Context, id string) (*store.Task, error)
	UpdateTask(ctx context.Context, task *store.Task) error
	ListTasksByAgent(ctx context.Context, agentID string, limit int) ([]*store.Task, error)
}

// Directory is the registry surface the orchestrator consults.
type Directory interface {
	Get(ctx context.Context, id string) (*store.Agent, error)
	List(ctx context.Context) ([]*store.Agent, error)
	RecordHeartbeat(ctx context.Context, id string) (bool, error)
	MarkMissed(ctx context.Context, id string, threshold int) (int, bool, error)
	SetStatus(ctx context.Context, id string, status store.AgentStatus) error
}

// Adapters hands out a backend adapter per agent.
type Adapters interface {
	Get(ctx context.Context, agentID string) (adapter.Adapter, error)
}

// Publisher is the bus surface used for event emission.
type Publisher interface {
	Publish(ctx context.Context, ev *store.Event) error
}

// TaskSpec describes one unit of work for an agent.
type TaskSpec struct {
	AgentID        string `json:"agent_id"`
	Kind           string `json:"kind,omitempty"`
	Stage          string `json:"stage,omitempty"`
	Prompt         string `json:"prompt,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	CorrelationID  string `json:"correlation_id,omitempty"`
}

// TaskUpdate is the JSON payload carried by task_update events.
type TaskUpdate struct {
	Status   store.TaskStatus `json:"status"`
	Kind     string           `json:"kind"`
	Stage    string           `json:"stage,omitempty"`
	Attempts int              `json:"attempts"`
	Reason   string           `json:"reason,omitempty"`
}

// lane is one agent's exclusive execution slot plus its FIFO overflow queue.
type lane struct {
	runningID string
	queue     []*store.Task
}

// tryAcquire claims the agent's slot for a task.
// Returns ErrLockBusy while another task holds it. Caller holds o.mu.
func (ln *lane) tryAcquire(taskID string) error {
	if ln.runningID != "" {
		return laberr.ErrLockBusy
	}
	ln.runningID = taskID
	return nil
}

// taskHandle tracks one running task: its cancel hook, the reason a
// terminator recorded, and the last observed progress for stale-lock sweeps.
type taskHandle struct {
	task   *store.Task
	cancel context.CancelFunc

	progress atomic.Int64 // unix nanos of the last observed progress

	mu     sync.Mutex
	reason string
}

func (h *taskHandle) touch() {
	h.progress.Store(time.Now().UnixNano())
}

func (h *taskHandle) lastProgress() time.Time {
	return time.Unix(0, h.progress.Load())
}

// fail records a reason and cancels the running attempt. The first reason wins.
func (h *taskHandle) fail(reason string) {
	h.mu.Lock()
	if h.reason == "" {
		h.reason = reason
	}
	h.mu.Unlock()
	h.cancel()
}

func (h *taskHandle) takeReason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Orchestrator owns the task lifecycle for every agent: one exclusive lane
// per agent, bounded FIFO queues, retry and deadline policy, and the
// heartbeat sweep. One instance per gateway; construct with New, then Start.
type Orchestrator struct {
	store    TaskStore
	dir      Directory
	adapters Adapters
	bus      Publisher
	cfg      config.OrchestratorConfig
	hb       config.HeartbeatConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	lanes   map[string]*lane
	handles map[string]*taskHandle       // keyed by task ID, running tasks only
	waiters map[string][]chan *store.Task
}

// New creates an Orchestrator. Call Start to launch the heartbeat sweeper
// and Close to stop all work.
func New(st TaskStore, dir Directory, adapters Adapters, bus Publisher,
	cfg config.OrchestratorConfig, hb config.HeartbeatConfig,
	m *metrics.Metrics, logger *slog.Logger) *Orchestrator {

	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:      st,
		dir:        dir,
		adapters:   adapters,
		bus:        bus,
		cfg:        cfg,
		hb:         hb,
		metrics:    m,
		logger:     logger.With("component", "orchestrator"),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		lanes:      make(map[string]*lane),
		handles:    make(map[string]*taskHandle),
		waiters:    make(map[string][]chan *store.Task),
	}
}

// Start launches the heartbeat sweeper. Close stops it.
func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go o.sweep(o.baseCtx)
	o.logger.Info("orchestrator started",
		"heartbeat_interval", o.hbInterval(),
		"miss_threshold", o.missThreshold(),
		"stale_after", o.staleAfter(),
	)
}

// Close cancels all running work and waits for goroutines to settle.
// In-flight tasks finish as cancelled. Safe to call more than once.
func (o *Orchestrator) Close() {
	o.baseCancel()
	o.wg.Wait()
}

// Submit validates the spec, persists a queued task, and schedules it.
// The task starts immediately when the agent's lane is free, otherwise it
// waits in FIFO order. A full queue fails with ErrQueueFull.
func (o *Orchestrator) Submit(ctx context.Context, spec TaskSpec) (*store.Task, error) {
	kind, err := validateSpec(spec)
	if err != nil {
		return nil, err
	}
	if _, err := o.dir.Get(ctx, spec.AgentID); err != nil {
		return nil, err
	}

	task := &store.Task{
		ID:             uuid.New().String(),
		AgentID:        spec.AgentID,
		ConversationID: spec.ConversationID,
		CorrelationID:  spec.CorrelationID,
		Kind:           kind,
		Stage:          spec.Stage,
		Prompt:         spec.Prompt,
		Status:         store.TaskQueued,
		EnqueuedAt:     time.Now().UTC(),
	}
	if task.CorrelationID == "" {
		task.CorrelationID = uuid.New().String()
	}
	if task.ConversationID == "" {
		task.ConversationID = task.CorrelationID
	}

	o.mu.Lock()
	ln := o.laneFor(task.AgentID)
	if len(ln.queue) >= o.queueDepth() {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: agent %s already has %d tasks queued",
			laberr.ErrQueueFull, task.AgentID, o.queueDepth())
	}
	// Persist before the task becomes schedulable so a kicked task is
	// always in the store.
	if err := o.store.CreateTask(ctx, task); err != nil {
		o.mu.Unlock()
		return nil, fmt.Errorf("persisting task: %w", err)
	}
	ln.queue = append(ln.queue, task)
	// Published under the lock so the queued update always precedes running.
	o.publishTaskUpdate(ctx, task)
	o.kickLocked(task.AgentID, ln)
	o.mu.Unlock()

	o.logger.Info("task submitted",
		"task_id", task.ID,
		"agent_id", task.AgentID,
		"kind", kind,
		"stage", task.Stage,
	)
	return cloneTask(task), nil
}

// Execute submits a task and blocks until it reaches a terminal status.
func (o *Orchestrator) Execute(ctx context.Context, spec TaskSpec) (*store.Task, error) {
	task, err := o.Submit(ctx, spec)
	if err != nil {
		return nil, err
	}
	return o.Await(ctx, task.ID)
}

// Await blocks until the task settles and returns its terminal record.
// Abandoning the wait (ctx expiry) does not cancel the task.
func (o *Orchestrator) Await(ctx context.Context, taskID string) (*store.Task, error) {
	ch := make(chan *store.Task, 1)
	o.mu.Lock()
	o.waiters[taskID] = append(o.waiters[taskID], ch)
	o.mu.Unlock()
	defer o.dropWaiter(taskID, ch)

	// Registered before the read, so a task that settled in between is
	// caught here and one that settles later is caught on the channel.
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return task, nil
	}

	select {
	case t := <-ch:
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the persisted task record.
func (o *Orchestrator) Get(ctx context.Context, taskID string) (*store.Task, error) {
	return o.store.GetTask(ctx, taskID)
}

// ListTasks returns an agent's tasks, oldest first.
func (o *Orchestrator) ListTasks(ctx context.Context, agentID string, limit int) ([]*store.Task, error) {
	return o.store.ListTasksByAgent(ctx, agentID, limit)
}

// Cancel stops a task. Queued tasks settle immediately; running tasks get a
// best-effort cancel through the adapter context and settle asynchronously.
// Cancelling an already-terminal task is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	o.mu.Lock()
	if h, ok := o.handles[taskID]; ok {
		o.mu.Unlock()
		h.cancel()
		o.logger.Info("cancelling running task", "task_id", taskID)
		return nil
	}
	for agentID, ln := range o.lanes {
		for i, t := range ln.queue {
			if t.ID != taskID {
				continue
			}
			ln.queue = append(ln.queue[:i], ln.queue[i+1:]...)
			if ln.runningID == "" && len(ln.queue) == 0 {
				delete(o.lanes, agentID)
			}
			o.mu.Unlock()
			o.finalize(t, store.TaskCancelled, ReasonCancelled, "", nil)
			o.logger.Info("queued task cancelled", "task_id", taskID)
			return nil
		}
	}
	o.mu.Unlock()

	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}
	// In the store as queued or running but not tracked in memory: left over
	// from a previous process. Settle it so callers are not stuck polling.
	o.finalize(task, store.TaskCancelled, ReasonCancelled, "", nil)
	o.logger.Warn("cancelled untracked task", "task_id", taskID, "status", task.Status)
	return nil
}

// FailAgentTasks terminates every queued and running task for an agent with
// the given reason. Used when an agent goes unreachable or is removed.
func (o *Orchestrator) FailAgentTasks(agentID, reason string) {
	o.mu.Lock()
	ln, ok := o.lanes[agentID]
	if !ok {
		o.mu.Unlock()
		return
	}
	var running *taskHandle
	if ln.runningID != "" {
		running = o.handles[ln.runningID]
	}
	queued := ln.queue
	ln.queue = nil
	if ln.runningID == "" {
		delete(o.lanes, agentID)
	}
	o.mu.Unlock()

	if running == nil && len(queued) == 0 {
		return
	}
	o.logger.Warn("failing agent tasks",
		"agent_id", agentID,
		"reason", reason,
		"running", running != nil,
		"queued", len(queued),
	)
	if running != nil {
		running.fail(reason)
	}
	for _, t := range queued {
		o.finalize(t, store.TaskFailed, reason, "", nil)
	}
}

// ConnectAgent performs the connect handshake for an agent. Success records
// a heartbeat, which resets the missed counter and marks the agent
// connected; failure marks it unreachable and returns the handshake error.
func (o *Orchestrator) ConnectAgent(ctx context.Context, agentID string) error {
	ad, err := o.adapters.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if err := ad.Connect(ctx); err != nil {
		if serr := o.dir.SetStatus(ctx, agentID, store.StatusUnreachable); serr != nil {
			o.logger.Error("marking agent unreachable", "agent_id", agentID, "error", serr)
		}
		return err
	}
	if _, err := o.dir.RecordHeartbeat(ctx, agentID); err != nil {
		return err
	}
	o.logger.Info("agent connected", "agent_id", agentID)
	return nil
}

// validateSpec normalizes the kind and rejects malformed specs.
func validateSpec(spec TaskSpec) (string, error) {
	if spec.AgentID == "" {
		return "", fmt.Errorf("%w: agent_id is required", laberr.ErrInvalidParams)
	}
	kind := spec.Kind
	if kind == "" {
		kind = store.KindGenerate
	}
	switch kind {
	case store.KindGenerate, store.KindProbe, store.KindTransform:
	default:
		return "", fmt.Errorf("%w: unknown task kind %q", laberr.ErrInvalidParams, spec.Kind)
	}
	switch spec.Stage {
	case "", store.StageBaseline, store.StageTransform, store.StageValidate,
		store.StageCompare, store.StageAdhoc:
	default:
		return "", fmt.Errorf("%w: unknown stage %q", laberr.ErrInvalidParams, spec.Stage)
	}
	if spec.Prompt == "" && kind != store.KindTransform {
		return "", fmt.Errorf("%w: prompt is required for %s tasks", laberr.ErrInvalidParams, kind)
	}
	return kind, nil
}

// laneFor returns the agent's lane, creating it on first use. Caller holds o.mu.
func (o *Orchestrator) laneFor(agentID string) *lane {
	ln, ok := o.lanes[agentID]
	if !ok {
		ln = &lane{}
		o.lanes[agentID] = ln
	}
	return ln
}

// kickLocked starts the next queued task when the lane's lock is free.
// Caller holds o.mu.
func (o *Orchestrator) kickLocked(agentID string, ln *lane) {
	if len(ln.queue) == 0 {
		return
	}
	task := ln.queue[0]
	if err := ln.tryAcquire(task.ID); err != nil {
		// ErrLockBusy: the holder releases the lane and kicks again.
		return
	}
	ln.queue = ln.queue[1:]

	runCtx, cancel := context.WithCancel(o.baseCtx)
	h := &taskHandle{task: task, cancel: cancel}
	h.touch()
	o.handles[task.ID] = h

	o.wg.Add(1)
	go o.runTask(runCtx, h)
}

// releaseLane frees the agent's slot and starts the next queued task.
func (o *Orchestrator) releaseLane(agentID, taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.handles, taskID)
	ln, ok := o.lanes[agentID]
	if !ok {
		return
	}
	if ln.runningID == taskID {
		ln.runningID = ""
	}
	if ln.runningID == "" && len(ln.queue) == 0 {
		delete(o.lanes, agentID)
		return
	}
	o.kickLocked(agentID, ln)
}

func (o *Orchestrator) dropWaiter(taskID string, ch chan *store.Task) {
	o.mu.Lock()
	defer o.mu.Unlock()
	chans := o.waiters[taskID]
	for i, c := range chans {
		if c == ch {
			o.waiters[taskID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(o.waiters[taskID]) == 0 {
		delete(o.waiters, taskID)
	}
}

// publishTaskUpdate emits a task_update event carrying the task's current state.
func (o *Orchestrator) publishTaskUpdate(ctx context.Context, task *store.Task) {
	payload, _ := json.Marshal(TaskUpdate{
		Status:   task.Status,
		Kind:     task.Kind,
		Stage:    task.Stage,
		Attempts: task.Attempts,
		Reason:   task.Reason,
	})
	o.publish(ctx, task, store.EventTaskUpdate, "", string(payload))
}

func (o *Orchestrator) publish(ctx context.Context, task *store.Task, typ store.EventType, text, payload string) {
	ev := &store.Event{
		ConversationID: task.ConversationID,
		CorrelationID:  task.CorrelationID,
		AgentID:        task.AgentID,
		TaskID:         task.ID,
		Type:           typ,
		Text:           text,
		Payload:        payload,
	}
	if err := o.bus.Publish(ctx, ev); err != nil {
		o.logger.Warn("publishing event", "task_id", task.ID, "type", typ, "error", err)
	}
}

func (o *Orchestrator) queueDepth() int {
	if o.cfg.QueueDepth > 0 {
		return o.cfg.QueueDepth
	}
	return defaultQueueDepth
}

func (o *Orchestrator) maxAttempts() int {
	if o.cfg.MaxAttempts > 0 {
		return o.cfg.MaxAttempts
	}
	return defaultMaxAttempts
}

func (o *Orchestrator) stageTimeout() time.Duration {
	if o.cfg.StageTimeout > 0 {
		return o.cfg.StageTimeout
	}
	return defaultStageTimeout
}

func (o *Orchestrator) retryInitial() time.Duration {
	if o.cfg.RetryInitial > 0 {
		return o.cfg.RetryInitial
	}
	return defaultRetryInitial
}

func (o *Orchestrator) retryMaxDelay() time.Duration {
	if o.cfg.RetryMaxDelay > 0 {
		return o.cfg.RetryMaxDelay
	}
	return defaultRetryMaxDelay
}

func (o *Orchestrator) hbInterval() time.Duration {
	if o.hb.Interval > 0 {
		return o.hb.Interval
	}
	return defaultHBInterval
}

func (o *Orchestrator) missThreshold() int {
	if o.hb.MissThreshold > 0 {
		return o.hb.MissThreshold
	}
	return defaultMissThreshold
}

func (o *Orchestrator) staleAfter() time.Duration {
	if o.hb.StaleAfter > 0 {
		return o.hb.StaleAfter
	}
	return defaultStaleAfter
}

func cloneTask(t *store.Task) *store.Task {
	c := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.FinishedAt != nil {
		v := *t.FinishedAt
		c.FinishedAt = &v
	}
	if t.Deadline != nil {
		v := *t.Deadline
		c.Deadline = &v
	}
	return &c
}
