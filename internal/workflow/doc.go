// Package workflow runs batch experiments over registered agents.
//
// # Stages
//
// Per agent the pipeline is strictly sequential: baseline measures refusal
// and capability with a fixed probe battery, transform applies the behavior
// change, validate re-runs the identical battery, and compare derives deltas
// and a combined impact score. Across agents the pipeline runs concurrently
// under a bounded worker pool. One agent failing, or being unreachable,
// never stops its siblings; the run itself errors only when its inputs are
// invalid or the result cannot be written.
//
// # Strategies
//
// Scoring and transformation are injectable. The default scorer flags
// refusal phrases and checks expected answers (internal/score); the default
// transformer submits a transform task through the orchestrator and lets the
// backend interpret it. Transformers must be idempotent so a retried or
// re-applied transform cannot corrupt an agent.
//
// # Results
//
// Each run writes one immutable JSON file, results/<experiment_id>.json,
// atomically via temp file and rename. The record carries per-agent baseline
// and post scores, deltas, impact, and a terminal status: completed,
// failed-at-<stage>, unreachable, cancelled, or skipped. Summary averages
// cover completed agents only.
//
// # Progress
//
// After each agent settles, a workflow_progress event with a monotonic done
// count is published on the topic returned by TopicFor. Stage task token
// streams share the same topic, so one subscription observes the whole
// experiment.
package workflow
