// ABOUTME: Store interface and data types for lab-gateway persistence
// ABOUTME: Defines Agent, Task, Event records and the Store interface for database operations

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/problab/lab-gateway/internal/laberr"
)

// AgentSource indicates where an agent's backend runs
type AgentSource string

const (
	SourceLocal     AgentSource = "local"
	SourceRemoteAPI AgentSource = "remote_api"
	SourceCloud     AgentSource = "cloud"
)

// AgentType selects the adapter implementation for an agent
type AgentType string

const (
	TypeExo        AgentType = "exo"
	TypeLlamaCpp   AgentType = "llamacpp"
	TypeOpenRouter AgentType = "openrouter"
	TypeOpenAI     AgentType = "openai"
)

// AgentStatus is the registry's view of an agent's liveness
type AgentStatus string

const (
	StatusPending     AgentStatus = "pending"
	StatusConnected   AgentStatus = "connected"
	StatusDegraded    AgentStatus = "degraded"
	StatusUnreachable AgentStatus = "unreachable"
)

// GenerationParams are the sampling parameters sent with every backend request
type GenerationParams struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	MaxTokens   int     `json:"max_tokens"`
}

// DefaultGenerationParams returns the params used when a registration omits them
func DefaultGenerationParams() GenerationParams {
	return GenerationParams{Temperature: 0.7, TopP: 0.9, MaxTokens: 1024}
}

// Validate checks the params against their allowed ranges
func (p GenerationParams) Validate() error {
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("%w: temperature %v outside [0, 2]", laberr.ErrInvalidParams, p.Temperature)
	}
	if p.TopP < 0 || p.TopP > 1 {
		return fmt.Errorf("%w: top_p %v outside [0, 1]", laberr.ErrInvalidParams, p.TopP)
	}
	if p.MaxTokens < 1 || p.MaxTokens > 8192 {
		return fmt.Errorf("%w: max_tokens %d outside [1, 8192]", laberr.ErrInvalidParams, p.MaxTokens)
	}
	return nil
}

// Agent is the durable descriptor for a registered model agent
type Agent struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Model        string           `json:"model,omitempty"` // backend model identifier, e.g. "mistral-7b" or "anthropic/claude-3.5-sonnet"
	Source       AgentSource      `json:"source"`
	Type         AgentType        `json:"type"`
	Endpoint     string           `json:"endpoint"`
	Credential   string           `json:"-"` // never serialized or logged
	Capabilities []string         `json:"capabilities"`
	Params       GenerationParams `json:"params"`
	Status       AgentStatus      `json:"status"`
	MissedCount  int              `json:"missed_count"`
	LastSeen     *time.Time       `json:"last_seen,omitempty"`
	RegisteredAt time.Time        `json:"registered_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Validate checks the descriptor's closed enums and required fields
func (a *Agent) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: agent id is required", laberr.ErrInvalidParams)
	}
	switch a.Source {
	case SourceLocal, SourceRemoteAPI, SourceCloud:
	default:
		return fmt.Errorf("%w: unknown source %q", laberr.ErrInvalidParams, a.Source)
	}
	switch a.Type {
	case TypeExo, TypeLlamaCpp, TypeOpenRouter, TypeOpenAI:
	default:
		return fmt.Errorf("%w: %q", laberr.ErrUnknownAgentType, a.Type)
	}
	if a.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", laberr.ErrInvalidParams)
	}
	return a.Params.Validate()
}

// TaskStatus tracks a task through its lifecycle. The terminal statuses
// (done, failed, timed_out, cancelled) are final.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskDone      TaskStatus = "done"
	TaskFailed    TaskStatus = "failed"
	TaskTimedOut  TaskStatus = "timed_out"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskDone, TaskFailed, TaskTimedOut, TaskCancelled:
		return true
	}
	return false
}

// Task kinds. Generate streams tokens to the conversation; probe and
// transform are single-shot sends used by the workflow engine.
const (
	KindGenerate  = "generate"
	KindProbe     = "probe"
	KindTransform = "transform"
)

// Workflow stages a task can belong to. Ad-hoc API tasks leave Stage empty.
const (
	StageBaseline  = "baseline"
	StageTransform = "transform"
	StageValidate  = "validate"
	StageCompare   = "compare"
	StageAdhoc     = "adhoc"
)

// Task is a unit of agent work tracked by the orchestrator
type Task struct {
	ID             string     `json:"id"`
	AgentID        string     `json:"agent_id"`
	ConversationID string     `json:"conversation_id,omitempty"`
	CorrelationID  string     `json:"correlation_id"`
	Kind           string     `json:"kind"`  // generate, transform, probe
	Stage          string     `json:"stage"` // workflow stage, empty for ad-hoc tasks
	Prompt         string     `json:"prompt,omitempty"`
	Status         TaskStatus `json:"status"`
	Attempts       int        `json:"attempts"`
	Reason         string     `json:"reason,omitempty"` // failure reason for terminal states
	Output         string     `json:"output,omitempty"`
	EnqueuedAt     time.Time  `json:"enqueued_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Deadline       *time.Time `json:"deadline,omitempty"` // stage deadline, set when the task starts running
}

// EventType categorizes bus events
type EventType string

const (
	EventMessage          EventType = "message"
	EventToken            EventType = "token"
	EventTyping           EventType = "typing"
	EventTaskUpdate       EventType = "task_update"
	EventStreamTruncated  EventType = "stream_truncated"
	EventWorkflowProgress EventType = "workflow_progress"
	EventDone             EventType = "done"
	EventError            EventType = "error"
)

// Event is a single entry on a conversation topic. Every published event is
// also appended to the ledger for history replay.
type Event struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	AgentID        string    `json:"agent_id,omitempty"`
	Type           EventType `json:"type"`
	Seq            int64     `json:"seq"`
	Text           string    `json:"text,omitempty"`
	TaskID         string    `json:"task_id,omitempty"`
	Payload        string    `json:"payload,omitempty"` // JSON blob for typed payloads
	Timestamp      time.Time `json:"timestamp"`
}

// Store defines the interface for gateway persistence
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	UpdateAgent(ctx context.Context, agent *Agent) error
	DeleteAgent(ctx context.Context, id string) error
	CountAgents(ctx context.Context) (int, error)

	// Agent health bookkeeping (sweeper writes)
	UpdateAgentHealth(ctx context.Context, id string, status AgentStatus, lastSeen *time.Time, missed int) error

	// Tasks
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	GetTaskByCorrelation(ctx context.Context, correlationID string) (*Task, error)
	UpdateTask(ctx context.Context, task *Task) error
	ListTasksByAgent(ctx context.Context, agentID string, limit int) ([]*Task, error)
	ListTasksByStatus(ctx context.Context, status TaskStatus, limit int) ([]*Task, error)

	// Ledger events
	SaveEvent(ctx context.Context, event *Event) error
	ListEventsByConversation(ctx context.Context, conversationID string, limit int) ([]*Event, error)
	ListEventsByCorrelation(ctx context.Context, correlationID string, limit int) ([]*Event, error)

	// Close releases any resources held by the store
	Close() error
}
