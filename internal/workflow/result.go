// ABOUTME: Experiment result records and their append-only file store.
// ABOUTME: One JSON file per experiment, written atomically, never rewritten.

package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/problab/lab-gateway/internal/laberr"
	"github.com/problab/lab-gateway/internal/score"
)

// Terminal statuses an agent can reach in an experiment. Stage failures use
// failed-at-<stage> (see failedAt).
const (
	AgentCompleted   = "completed"
	AgentUnreachable = "unreachable"
	AgentCancelled   = "cancelled"
	AgentSkipped     = "skipped"
)

func failedAt(stage string) string {
	return "failed-at-" + stage
}

// Delta is the per-metric difference between the post and baseline stage
// scores, computed as post minus baseline.
type Delta struct {
	RefusalRate     float64 `json:"refusal_rate"`
	CapabilityScore float64 `json:"capability_score"`
}

// AgentResult is one agent's outcome in an experiment. Baseline, Post, and
// Delta are present only for the stages the agent actually reached.
type AgentResult struct {
	AgentID  string            `json:"agent_id"`
	Baseline *score.StageScore `json:"baseline,omitempty"`
	Post     *score.StageScore `json:"post,omitempty"`
	Delta    *Delta            `json:"delta,omitempty"`
	Impact   float64           `json:"impact,omitempty"`
	Status   string            `json:"status"`
	Error    string            `json:"error,omitempty"`
}

// Summary aggregates an experiment across agents. Averages cover completed
// agents only; Failed counts every agent that did not complete.
type Summary struct {
	AvgRefusalReduction float64 `json:"avg_refusal_reduction"`
	AvgCapabilityDelta  float64 `json:"avg_capability_delta"`
	Completed           int     `json:"completed"`
	Failed              int     `json:"failed"`
}

// ExperimentResult is the immutable record of one workflow run.
type ExperimentResult struct {
	ExperimentID string        `json:"experiment_id"`
	GeneratedAt  time.Time     `json:"generated_at"`
	Agents       []AgentResult `json:"agents"`
	Summary      Summary       `json:"summary"`
}

// ResultStore persists experiment results as one JSON file per experiment
// under a flat directory. Files are append-only from the store's point of
// view: written once, then only read.
type ResultStore struct {
	dir string
}

// NewResultStore returns a store rooted at dir. The directory is created on
// first write.
func NewResultStore(dir string) *ResultStore {
	return &ResultStore{dir: dir}
}

// Write persists the result atomically via a temp file and rename. Writing an
// experiment ID that already has a file is an error; results are immutable.
func (s *ResultStore) Write(res *ExperimentResult) error {
	if res == nil || res.ExperimentID == "" {
		return fmt.Errorf("experiment result needs an id")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating results dir: %w", err)
	}

	path := s.path(res.ExperimentID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("result %s already written", res.ExperimentID)
	}

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publishing result: %w", err)
	}
	return nil
}

// Load reads one experiment's result. Unknown IDs return ErrExperimentNotFound.
func (s *ResultStore) Load(experimentID string) (*ExperimentResult, error) {
	if experimentID == "" || strings.ContainsAny(experimentID, `/\`) {
		return nil, laberr.ErrExperimentNotFound
	}
	data, err := os.ReadFile(s.path(experimentID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, laberr.ErrExperimentNotFound
		}
		return nil, fmt.Errorf("reading result %s: %w", experimentID, err)
	}
	var res ExperimentResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decoding result %s: %w", experimentID, err)
	}
	return &res, nil
}

// List loads every stored result, newest first.
func (s *ResultStore) List() ([]*ExperimentResult, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing results: %w", err)
	}

	var out []*ExperimentResult
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		res, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].GeneratedAt.After(out[j].GeneratedAt)
	})
	return out, nil
}

func (s *ResultStore) path(experimentID string) string {
	return filepath.Join(s.dir, experimentID+".json")
}
