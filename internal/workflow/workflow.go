// ABOUTME: Batch workflow engine: baseline, transform, validate, compare per agent.
// ABOUTME: Agents run concurrently under a bounded pool; one agent's failure never stops siblings.

package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/problab/lab-gateway/internal/config"
	"github.com/problab/lab-gateway/internal/laberr"
	"github.com/problab/lab-gateway/internal/metrics"
	"github.com/problab/lab-gateway/internal/orchestrator"
	"github.com/problab/lab-gateway/internal/probe"
	"github.com/problab/lab-gateway/internal/score"
	"github.com/problab/lab-gateway/internal/store"
)

const defaultMaxWorkers = 10

// Publisher is the bus surface used for progress events.
type Publisher interface {
	Publish(ctx context.Context, ev *store.Event) error
}

// Progress is the JSON payload of workflow_progress events, emitted on the
// experiment's topic each time an agent reaches a terminal status.
type Progress struct {
	ExperimentID string `json:"experiment_id"`
	Done         int    `json:"done"`
	Total        int    `json:"total"`
}

// TopicFor returns the bus topic carrying an experiment's progress events and
// the token streams of its stage tasks.
func TopicFor(experimentID string) string {
	return "workflow:" + experimentID
}

// Options override the engine's default strategies and battery.
type Options struct {
	Scorer      Scorer
	Transformer Transformer
	Battery     *probe.Battery
}

// Engine runs the four-stage experiment pipeline over a set of agents.
// Construct with New; Close cancels in-flight experiments started with Start.
type Engine struct {
	tasks       TaskRunner
	bus         Publisher
	results     *ResultStore
	scorer      Scorer
	transformer Transformer
	battery     *probe.Battery
	cfg         config.WorkflowConfig
	metrics     *metrics.Metrics
	logger      *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	active map[string]struct{}
}

// New creates an Engine. Zero-valued Options select the keyword scorer, the
// orchestrator-backed transformer, and the built-in probe battery.
func New(tasks TaskRunner, bus Publisher, results *ResultStore,
	cfg config.WorkflowConfig, opts Options,
	m *metrics.Metrics, logger *slog.Logger) (*Engine, error) {

	if logger == nil {
		logger = slog.Default()
	}
	if opts.Scorer == nil {
		opts.Scorer = score.NewKeywordScorer()
	}
	if opts.Transformer == nil {
		opts.Transformer = NewTaskTransformer(tasks)
	}
	if opts.Battery == nil {
		b, err := probe.Default()
		if err != nil {
			return nil, fmt.Errorf("loading default battery: %w", err)
		}
		opts.Battery = b
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Engine{
		tasks:       tasks,
		bus:         bus,
		results:     results,
		scorer:      opts.Scorer,
		transformer: opts.Transformer,
		battery:     opts.Battery,
		cfg:         cfg,
		metrics:     m,
		logger:      logger.With("component", "workflow"),
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		active:      make(map[string]struct{}),
	}, nil
}

// Close cancels experiments started with Start and waits for them to write
// their results. Safe to call more than once.
func (e *Engine) Close() {
	e.baseCancel()
	e.wg.Wait()
}

// Run executes an experiment over the given agents and blocks until the
// result is written. A nil battery selects the engine's default. Per-agent
// failures are recorded in the result, never returned as an error.
func (e *Engine) Run(ctx context.Context, agentIDs []string, battery *probe.Battery) (*ExperimentResult, error) {
	if err := validateRun(agentIDs); err != nil {
		return nil, err
	}
	if battery == nil {
		battery = e.battery
	}
	return e.run(ctx, uuid.New().String(), agentIDs, battery)
}

// Start launches an experiment in the background and returns its ID
// immediately. Progress is observable on TopicFor(id); the result file
// appears when the run settles. Close cancels it.
func (e *Engine) Start(agentIDs []string, battery *probe.Battery) (string, error) {
	if err := validateRun(agentIDs); err != nil {
		return "", err
	}
	if battery == nil {
		battery = e.battery
	}
	experimentID := uuid.New().String()

	e.mu.Lock()
	e.active[experimentID] = struct{}{}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.active, experimentID)
			e.mu.Unlock()
		}()
		if _, err := e.run(e.baseCtx, experimentID, agentIDs, battery); err != nil {
			e.logger.Error("experiment failed", "experiment_id", experimentID, "error", err)
		}
	}()
	return experimentID, nil
}

// Active reports whether an experiment started with Start is still running.
func (e *Engine) Active(experimentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[experimentID]
	return ok
}

// Result loads a finished experiment's record.
func (e *Engine) Result(experimentID string) (*ExperimentResult, error) {
	return e.results.Load(experimentID)
}

// Results loads every finished experiment, newest first.
func (e *Engine) Results() ([]*ExperimentResult, error) {
	return e.results.List()
}

func (e *Engine) run(ctx context.Context, experimentID string, agentIDs []string, battery *probe.Battery) (*ExperimentResult, error) {
	e.logger.Info("experiment started",
		"experiment_id", experimentID,
		"agents", len(agentIDs),
		"probes", battery.Len(),
	)

	agents := make([]AgentResult, len(agentIDs))
	var (
		progressMu sync.Mutex
		done       int
	)
	var g errgroup.Group
	g.SetLimit(e.maxWorkers())
	for i, agentID := range agentIDs {
		g.Go(func() error {
			res := e.runAgent(ctx, experimentID, agentID, battery)
			agents[i] = res
			e.metrics.IncWorkflowAgent(res.Status)

			// Held across the publish so done counts arrive in order.
			progressMu.Lock()
			done++
			e.publishProgress(experimentID, res.AgentID, done, len(agentIDs))
			progressMu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // workers record outcomes instead of returning errors

	res := &ExperimentResult{
		ExperimentID: experimentID,
		GeneratedAt:  time.Now().UTC(),
		Agents:       agents,
		Summary:      summarize(agents),
	}
	if err := e.results.Write(res); err != nil {
		return nil, fmt.Errorf("experiment %s: %w", experimentID, err)
	}
	e.logger.Info("experiment complete",
		"experiment_id", experimentID,
		"completed", res.Summary.Completed,
		"failed", res.Summary.Failed,
	)
	return res, nil
}

// runAgent walks one agent through baseline, transform, validate, compare.
// Stages are strictly sequential; the first failure settles the agent.
func (e *Engine) runAgent(ctx context.Context, experimentID, agentID string, battery *probe.Battery) AgentResult {
	res := AgentResult{AgentID: agentID}
	if ctx.Err() != nil {
		res.Status = AgentSkipped
		return res
	}
	topic := TopicFor(experimentID)

	start := time.Now()
	baseline, err := e.runBattery(ctx, topic, agentID, store.StageBaseline, battery)
	e.metrics.ObserveStageDuration(store.StageBaseline, time.Since(start))
	if err != nil {
		return e.settle(res, store.StageBaseline, err)
	}
	res.Baseline = &baseline

	start = time.Now()
	err = e.transformer.Apply(ctx, agentID)
	e.metrics.ObserveStageDuration(store.StageTransform, time.Since(start))
	if err != nil {
		return e.settle(res, store.StageTransform, err)
	}

	start = time.Now()
	post, err := e.runBattery(ctx, topic, agentID, store.StageValidate, battery)
	e.metrics.ObserveStageDuration(store.StageValidate, time.Since(start))
	if err != nil {
		return e.settle(res, store.StageValidate, err)
	}
	res.Post = &post

	start = time.Now()
	res.Delta, res.Impact = compare(baseline, post)
	e.metrics.ObserveStageDuration(store.StageCompare, time.Since(start))
	res.Status = AgentCompleted

	e.logger.Info("agent pipeline complete",
		"agent_id", agentID,
		"experiment_id", experimentID,
		"impact", res.Impact,
	)
	return res
}

// runBattery executes every probe as an orchestrator task and aggregates the
// scores. Probes run in battery order so baseline and validate see the same
// sequence.
func (e *Engine) runBattery(ctx context.Context, topic, agentID, stage string, battery *probe.Battery) (score.StageScore, error) {
	results := make(map[string]score.Result, battery.Len())
	for _, p := range battery.Probes {
		task, err := e.tasks.Submit(ctx, orchestrator.TaskSpec{
			AgentID:        agentID,
			Kind:           store.KindProbe,
			Stage:          stage,
			Prompt:         p.Prompt,
			ConversationID: topic,
		})
		if err != nil {
			return score.StageScore{}, fmt.Errorf("probe %s: %w", p.ID, err)
		}
		settled, err := e.tasks.Await(ctx, task.ID)
		if err != nil {
			// The task outlives the abandoned wait; stop it explicitly.
			_ = e.tasks.Cancel(context.WithoutCancel(ctx), task.ID)
			return score.StageScore{}, fmt.Errorf("probe %s: %w", p.ID, err)
		}
		if terr := taskError(settled); terr != nil {
			return score.StageScore{}, fmt.Errorf("probe %s: %w", p.ID, terr)
		}

		r, err := e.scorer.Score(ctx, p, settled.Output)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return score.StageScore{}, cerr
			}
			return score.StageScore{}, fmt.Errorf("%w: probe %s: %v", laberr.ErrScoringError, p.ID, err)
		}
		results[p.ID] = r
	}
	return score.Aggregate(battery, results), nil
}

// settle records a stage failure on the agent result.
func (e *Engine) settle(res AgentResult, stage string, err error) AgentResult {
	res.Status = classifyStage(stage, err)
	res.Error = err.Error()
	e.logger.Warn("agent pipeline aborted",
		"agent_id", res.AgentID,
		"stage", stage,
		"status", res.Status,
		"error", err,
	)
	return res
}

// classifyStage maps a stage failure onto the agent's terminal status.
// Cancellation wins everywhere. A transform failure is always
// failed-at-transform, whatever broke it; for the probe stages an unreachable
// backend settles as unreachable rather than a stage failure.
func classifyStage(stage string, err error) string {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return AgentCancelled
	case stage != store.StageTransform && errors.Is(err, laberr.ErrAgentUnreachable):
		return AgentUnreachable
	default:
		return failedAt(stage)
	}
}

// compare computes post minus baseline per metric and the combined impact:
// refusal reduction scaled by capability retention.
func compare(baseline, post score.StageScore) (*Delta, float64) {
	d := &Delta{
		RefusalRate:     post.RefusalRate - baseline.RefusalRate,
		CapabilityScore: post.CapabilityScore - baseline.CapabilityScore,
	}
	impact := (baseline.RefusalRate - post.RefusalRate) * (1 + d.CapabilityScore)
	return d, impact
}

// summarize aggregates agent outcomes. Averages cover completed agents only.
func summarize(agents []AgentResult) Summary {
	var s Summary
	var refusalSum, capSum float64
	for _, a := range agents {
		if a.Status != AgentCompleted {
			s.Failed++
			continue
		}
		s.Completed++
		refusalSum += a.Baseline.RefusalRate - a.Post.RefusalRate
		capSum += a.Delta.CapabilityScore
	}
	if s.Completed > 0 {
		s.AvgRefusalReduction = refusalSum / float64(s.Completed)
		s.AvgCapabilityDelta = capSum / float64(s.Completed)
	}
	return s
}

func (e *Engine) publishProgress(experimentID, agentID string, done, total int) {
	payload, _ := json.Marshal(Progress{
		ExperimentID: experimentID,
		Done:         done,
		Total:        total,
	})
	ev := &store.Event{
		ConversationID: TopicFor(experimentID),
		AgentID:        agentID,
		Type:           store.EventWorkflowProgress,
		Payload:        string(payload),
	}
	// Detached from the run context so the final progress event still goes
	// out when the experiment was cancelled.
	if err := e.bus.Publish(e.detachedCtx(), ev); err != nil {
		e.logger.Warn("publishing progress", "experiment_id", experimentID, "error", err)
	}
}

func (e *Engine) detachedCtx() context.Context {
	return context.WithoutCancel(e.baseCtx)
}

func validateRun(agentIDs []string) error {
	if len(agentIDs) == 0 {
		return fmt.Errorf("%w: at least one agent id is required", laberr.ErrInvalidParams)
	}
	seen := make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		if id == "" {
			return fmt.Errorf("%w: empty agent id", laberr.ErrInvalidParams)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate agent id %s", laberr.ErrInvalidParams, id)
		}
		seen[id] = true
	}
	return nil
}

func (e *Engine) maxWorkers() int {
	if e.cfg.MaxWorkers > 0 {
		return e.cfg.MaxWorkers
	}
	return defaultMaxWorkers
}
