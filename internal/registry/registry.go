// ABOUTME: Durable registry of model agents, backed by the store with an in-process cache
// ABOUTME: Owns descriptor validation, capacity limits, and heartbeat bookkeeping

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/problab/lab-gateway/internal/laberr"
	"github.com/problab/lab-gateway/internal/store"
)

// AgentStore defines what the registry needs from storage
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *store.Agent) error
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	ListAgents(ctx context.Context) ([]*store.Agent, error)
	UpdateAgent(ctx context.Context, agent *store.Agent) error
	DeleteAgent(ctx context.Context, id string) error
	UpdateAgentHealth(ctx context.Context, id string, status store.AgentStatus, lastSeen *time.Time, missed int) error
}

// Health is the registry's answer to a health query
type Health struct {
	Status      store.AgentStatus `json:"status"`
	LastSeen    *time.Time        `json:"last_seen,omitempty"`
	MissedCount int               `json:"missed_count"`
}

// Registry coordinates all registered agents. Descriptors are durable in the
// store; a cache map serves reads and keeps capacity checks cheap.
type Registry struct {
	store     AgentStore
	logger    *slog.Logger
	maxAgents int

	mu     sync.RWMutex
	agents map[string]*store.Agent
}

// New creates a Registry. Call Hydrate before serving requests.
func New(s AgentStore, maxAgents int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:     s,
		logger:    logger.With("component", "registry"),
		maxAgents: maxAgents,
		agents:    make(map[string]*store.Agent),
	}
}

// Hydrate loads all persisted agents into the cache. Meant to run once at startup.
func (r *Registry) Hydrate(ctx context.Context) error {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("hydrating registry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range agents {
		r.agents[a.ID] = a
	}

	r.logger.Info("registry hydrated", "agents", len(r.agents))
	return nil
}

// Register adds a new agent descriptor.
// Returns ErrDuplicateAgent if the ID is taken; the stored entry is not modified.
// Returns ErrRegistryFull at capacity.
func (r *Registry) Register(ctx context.Context, agent *store.Agent) error {
	if agent.Params == (store.GenerationParams{}) {
		agent.Params = store.DefaultGenerationParams()
	}
	if err := agent.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	agent.Status = store.StatusPending
	agent.MissedCount = 0
	agent.LastSeen = nil
	agent.RegisteredAt = now
	agent.UpdatedAt = now

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agent.ID]; exists {
		return laberr.ErrDuplicateAgent
	}
	if r.maxAgents > 0 && len(r.agents) >= r.maxAgents {
		return fmt.Errorf("%w: limit %d", laberr.ErrRegistryFull, r.maxAgents)
	}

	// The store's UNIQUE constraint is the authority; the cache check above
	// only short-circuits the common case.
	if err := r.store.CreateAgent(ctx, agent); err != nil {
		return err
	}

	r.agents[agent.ID] = agent
	r.logger.Info("agent registered",
		"agent_id", agent.ID,
		"name", agent.Name,
		"type", agent.Type,
		"source", agent.Source,
		"total_agents", len(r.agents),
	)
	return nil
}

// Get returns a copy of the descriptor for the given ID.
// Returns ErrAgentNotFound if the agent doesn't exist.
func (r *Registry) Get(ctx context.Context, id string) (*store.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, laberr.ErrAgentNotFound
	}
	return cloneAgent(agent), nil
}

// List returns copies of all descriptors ordered by registration time
func (r *Registry) List(ctx context.Context) ([]*store.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]*store.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, cloneAgent(a))
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].RegisteredAt.Equal(agents[j].RegisteredAt) {
			return agents[i].ID < agents[j].ID
		}
		return agents[i].RegisteredAt.Before(agents[j].RegisteredAt)
	})
	return agents, nil
}

// Update replaces the mutable fields of a descriptor. The ID, registration
// time, and health bookkeeping are preserved.
func (r *Registry) Update(ctx context.Context, agent *store.Agent) error {
	if err := agent.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.agents[agent.ID]
	if !ok {
		return laberr.ErrAgentNotFound
	}

	updated := cloneAgent(current)
	updated.Name = agent.Name
	updated.Model = agent.Model
	updated.Source = agent.Source
	updated.Type = agent.Type
	updated.Endpoint = agent.Endpoint
	updated.Credential = agent.Credential
	updated.Capabilities = agent.Capabilities
	updated.Params = agent.Params
	updated.UpdatedAt = time.Now().UTC()

	if err := r.store.UpdateAgent(ctx, updated); err != nil {
		return err
	}

	r.agents[agent.ID] = updated
	r.logger.Info("agent updated", "agent_id", agent.ID)
	return nil
}

// Unregister removes an agent descriptor.
// Returns ErrAgentNotFound if the agent doesn't exist.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return laberr.ErrAgentNotFound
	}
	if err := r.store.DeleteAgent(ctx, id); err != nil {
		return err
	}

	delete(r.agents, id)
	r.logger.Info("agent unregistered", "agent_id", id, "total_agents", len(r.agents))
	return nil
}

// Health reports the liveness view for an agent
func (r *Registry) Health(ctx context.Context, id string) (*Health, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, laberr.ErrAgentNotFound
	}

	h := &Health{
		Status:      agent.Status,
		MissedCount: agent.MissedCount,
	}
	if agent.LastSeen != nil {
		t := *agent.LastSeen
		h.LastSeen = &t
	}
	return h, nil
}

// RecordHeartbeat marks a successful health check: last_seen is refreshed,
// the missed counter resets, and the agent becomes connected.
// Returns true when the agent was unreachable and has now recovered.
func (r *Registry) RecordHeartbeat(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return false, laberr.ErrAgentNotFound
	}

	recovered := agent.Status == store.StatusUnreachable
	now := time.Now().UTC()
	agent.Status = store.StatusConnected
	agent.MissedCount = 0
	agent.LastSeen = &now
	agent.UpdatedAt = now

	if err := r.store.UpdateAgentHealth(ctx, id, agent.Status, agent.LastSeen, 0); err != nil {
		return recovered, err
	}
	if recovered {
		r.logger.Info("agent recovered", "agent_id", id)
	}
	return recovered, nil
}

// MarkMissed records a failed health check. Agents under the threshold turn
// degraded; at the threshold they become unreachable.
// Returns the new missed count and whether this call crossed the threshold.
func (r *Registry) MarkMissed(ctx context.Context, id string, threshold int) (int, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return 0, false, laberr.ErrAgentNotFound
	}

	agent.MissedCount++
	agent.UpdatedAt = time.Now().UTC()

	crossed := false
	switch {
	case agent.MissedCount >= threshold:
		crossed = agent.Status != store.StatusUnreachable
		agent.Status = store.StatusUnreachable
	default:
		agent.Status = store.StatusDegraded
	}

	if err := r.store.UpdateAgentHealth(ctx, id, agent.Status, agent.LastSeen, agent.MissedCount); err != nil {
		return agent.MissedCount, crossed, err
	}

	if crossed {
		r.logger.Warn("agent unreachable",
			"agent_id", id,
			"missed", agent.MissedCount,
			"threshold", threshold,
		)
	} else {
		r.logger.Debug("agent missed heartbeat", "agent_id", id, "missed", agent.MissedCount)
	}
	return agent.MissedCount, crossed, nil
}

// SetStatus forces an agent's status without touching the heartbeat counters.
// Used when a connect attempt fails before any heartbeat cycle has run.
func (r *Registry) SetStatus(ctx context.Context, id string, status store.AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return laberr.ErrAgentNotFound
	}
	if agent.Status == status {
		return nil
	}

	agent.Status = status
	agent.UpdatedAt = time.Now().UTC()

	if err := r.store.UpdateAgentHealth(ctx, id, status, agent.LastSeen, agent.MissedCount); err != nil {
		return err
	}

	r.logger.Info("agent status set", "agent_id", id, "status", status)
	return nil
}

// Count returns the number of registered agents
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

func cloneAgent(a *store.Agent) *store.Agent {
	c := *a
	if a.LastSeen != nil {
		t := *a.LastSeen
		c.LastSeen = &t
	}
	if a.Capabilities != nil {
		c.Capabilities = append([]string(nil), a.Capabilities...)
	}
	return &c
}
