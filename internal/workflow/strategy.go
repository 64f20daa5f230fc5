// ABOUTME: Injectable scoring and transform strategies for the workflow engine.
// ABOUTME: Defaults: keyword refusal scorer and a transform task routed through the orchestrator.

package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/problab/lab-gateway/internal/laberr"
	"github.com/problab/lab-gateway/internal/orchestrator"
	"github.com/problab/lab-gateway/internal/probe"
	"github.com/problab/lab-gateway/internal/score"
	"github.com/problab/lab-gateway/internal/store"
)

// Scorer turns one probe response into a score. Baseline and validate stages
// use the same scorer so their metrics stay comparable.
type Scorer interface {
	Score(ctx context.Context, p probe.Probe, response string) (score.Result, error)
}

// Transformer mutates an agent's effective runtime behavior between the
// baseline and validate stages. Apply must be idempotent: re-applying to an
// already-transformed agent must not error.
type Transformer interface {
	Apply(ctx context.Context, agentID string) error
}

// TaskRunner is the orchestrator surface the engine drives stages through.
type TaskRunner interface {
	Submit(ctx context.Context, spec orchestrator.TaskSpec) (*store.Task, error)
	Await(ctx context.Context, taskID string) (*store.Task, error)
	Cancel(ctx context.Context, taskID string) error
}

// TaskTransformer is the default Transformer: it submits a transform task and
// lets the backend interpret it. The backend owns idempotency; the engine only
// reads the terminal status.
type TaskTransformer struct {
	tasks TaskRunner
}

// NewTaskTransformer returns a Transformer that routes through tasks.
func NewTaskTransformer(tasks TaskRunner) *TaskTransformer {
	return &TaskTransformer{tasks: tasks}
}

// Apply submits the transform task and waits for it to settle. Terminal
// failure is reported as ErrTransformFailed; a cancelled run propagates the
// cancellation itself.
func (t *TaskTransformer) Apply(ctx context.Context, agentID string) error {
	task, err := t.tasks.Submit(ctx, orchestrator.TaskSpec{
		AgentID: agentID,
		Kind:    store.KindTransform,
		Stage:   store.StageTransform,
	})
	if err != nil {
		return err
	}
	settled, err := t.tasks.Await(ctx, task.ID)
	if err != nil {
		// The task outlives the abandoned wait; stop it explicitly.
		_ = t.tasks.Cancel(context.WithoutCancel(ctx), task.ID)
		return err
	}
	if terr := taskError(settled); terr != nil {
		if errors.Is(terr, context.Canceled) {
			return terr
		}
		return fmt.Errorf("%w: %v", laberr.ErrTransformFailed, terr)
	}
	return nil
}

// taskError maps a settled task onto the error class its failure represents.
// Done tasks map to nil.
func taskError(task *store.Task) error {
	switch task.Status {
	case store.TaskDone:
		return nil
	case store.TaskCancelled:
		return context.Canceled
	case store.TaskTimedOut:
		return fmt.Errorf("%w: %s", laberr.ErrSendTimeout, task.Reason)
	}
	switch task.Reason {
	case orchestrator.ReasonAgentUnreachable, orchestrator.ReasonAgentRemoved:
		return fmt.Errorf("%w: task %s", laberr.ErrAgentUnreachable, task.ID)
	}
	return fmt.Errorf("task %s failed: %s", task.ID, task.Reason)
}
