// ABOUTME: Caches one live adapter per agent so callers share backend clients.
// ABOUTME: Adapters are built lazily from registry descriptors and dropped on change.

package adapter

import (
	"context"
	"log/slog"
	"sync"

	"github.com/problab/lab-gateway/internal/store"
)

// DescriptorSource supplies agent descriptors for adapter construction.
// The registry satisfies this.
type DescriptorSource interface {
	Get(ctx context.Context, id string) (*store.Agent, error)
}

// Pool hands out one adapter per agent ID, constructing on first use.
// A cached adapter keeps the descriptor it was built from; call Drop after
// a descriptor update or unregistration so the next Get rebuilds.
type Pool struct {
	source DescriptorSource
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	adapters map[string]Adapter
}

// NewPool creates a Pool over the given descriptor source.
func NewPool(source DescriptorSource, opts Options) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		source:   source,
		opts:     opts,
		logger:   logger.With("component", "adapter_pool"),
		adapters: make(map[string]Adapter),
	}
}

// Get returns the adapter for the agent, building one if none is cached.
// Construction does not touch the backend; Connect is the caller's call.
func (p *Pool) Get(ctx context.Context, agentID string) (Adapter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ad, ok := p.adapters[agentID]; ok {
		return ad, nil
	}

	agent, err := p.source.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	ad, err := New(agent, p.opts)
	if err != nil {
		return nil, err
	}

	p.adapters[agentID] = ad
	p.logger.Debug("adapter built", "agent_id", agentID, "type", agent.Type)
	return ad, nil
}

// Drop disconnects and evicts the cached adapter for an agent.
// Unknown IDs are a no-op.
func (p *Pool) Drop(agentID string) {
	p.mu.Lock()
	ad, ok := p.adapters[agentID]
	if ok {
		delete(p.adapters, agentID)
	}
	p.mu.Unlock()

	if !ok {
		return
	}
	if err := ad.Disconnect(); err != nil {
		p.logger.Warn("adapter disconnect failed", "agent_id", agentID, "error", err)
	}
	p.logger.Debug("adapter dropped", "agent_id", agentID)
}

// Close disconnects every cached adapter. The pool stays usable; Get
// rebuilds on demand.
func (p *Pool) Close() {
	p.mu.Lock()
	adapters := p.adapters
	p.adapters = make(map[string]Adapter)
	p.mu.Unlock()

	for id, ad := range adapters {
		if err := ad.Disconnect(); err != nil {
			p.logger.Warn("adapter disconnect failed", "agent_id", id, "error", err)
		}
	}
}
