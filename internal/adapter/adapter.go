// ABOUTME: Uniform adapter interface over heterogeneous inference backends.
// ABOUTME: A constructor table maps agent types to concrete implementations.

package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/problab/lab-gateway/internal/laberr"
	"github.com/problab/lab-gateway/internal/store"
)

// Token is one element of a streamed generation. The terminal element carries
// Done; Err is set when the stream ended abnormally.
type Token struct {
	Text  string
	Index int
	Done  bool
	Err   error
}

// Adapter normalizes connect/send/stream/health operations across backend
// protocols. Implementations return typed errors (ErrAgentUnreachable,
// ErrSendTimeout, ErrBadBackendResponse) and never panic on backend faults.
type Adapter interface {
	// Connect verifies the backend is reachable and marks the adapter live.
	Connect(ctx context.Context) error

	// Send runs one blocking generation and returns the full response text.
	Send(ctx context.Context, prompt string, params store.GenerationParams) (string, error)

	// StreamGenerate starts a streaming generation. Tokens arrive on the
	// returned channel in generation order; the channel is closed after the
	// terminal Done token. Cancelling ctx aborts the stream.
	StreamGenerate(ctx context.Context, prompt string, params store.GenerationParams) (<-chan Token, error)

	// HealthCheck pings the backend with a short deadline.
	HealthCheck(ctx context.Context) error

	// Disconnect releases backend resources. Safe to call repeatedly.
	Disconnect() error
}

// Options carries shared adapter configuration from the gateway config.
type Options struct {
	RequestTimeout time.Duration
	HealthTimeout  time.Duration
	Logger         *slog.Logger
}

// Constructor builds an adapter for one backend type.
type Constructor func(agent *store.Agent, opts Options) (Adapter, error)

// constructors maps each supported agent type to its backend constructor.
// Adding a backend is one constructor plus one entry here.
var constructors = map[store.AgentType]Constructor{
	store.TypeExo:        newExoAdapter,
	store.TypeLlamaCpp:   newLlamaCppAdapter,
	store.TypeOpenRouter: newOpenRouterAdapter,
	store.TypeOpenAI:     newOpenAIAdapter,
}

// New builds the adapter for the agent's declared type.
// Types outside the supported set fail with ErrUnknownAgentType.
func New(agent *store.Agent, opts Options) (Adapter, error) {
	ctor, ok := constructors[agent.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", laberr.ErrUnknownAgentType, agent.Type)
	}
	return ctor(agent, opts)
}
