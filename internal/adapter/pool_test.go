// ABOUTME: Tests for the adapter pool.
// ABOUTME: Covers lazy construction, caching, eviction, and source errors.

package adapter

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/problab/lab-gateway/internal/laberr"
	"github.com/problab/lab-gateway/internal/store"
)

type fakeSource struct {
	mu    sync.Mutex
	gets  int
	agent *store.Agent
}

func (f *fakeSource) Get(ctx context.Context, id string) (*store.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.agent == nil || f.agent.ID != id {
		return nil, laberr.ErrAgentNotFound
	}
	clone := *f.agent
	return &clone, nil
}

func (f *fakeSource) lookups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func TestPool_GetCachesAdapter(t *testing.T) {
	src := &fakeSource{agent: testDescriptor(store.TypeExo, "http://127.0.0.1:9", "")}
	pool := NewPool(src, Options{})
	ctx := t.Context()

	first, err := pool.Get(ctx, "agent-1")
	require.NoError(t, err)

	second, err := pool.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, src.lookups(), "cached hits skip the descriptor source")
}

func TestPool_GetUnknownAgent(t *testing.T) {
	pool := NewPool(&fakeSource{}, Options{})

	_, err := pool.Get(t.Context(), "ghost")
	assert.ErrorIs(t, err, laberr.ErrAgentNotFound)
}

func TestPool_GetUnknownType(t *testing.T) {
	bad := testDescriptor("vllm", "http://127.0.0.1:9", "")
	src := &fakeSource{agent: bad}
	pool := NewPool(src, Options{})
	ctx := t.Context()

	_, err := pool.Get(ctx, "agent-1")
	assert.ErrorIs(t, err, laberr.ErrUnknownAgentType)

	// Failed construction caches nothing; the next Get tries again
	_, err = pool.Get(ctx, "agent-1")
	assert.ErrorIs(t, err, laberr.ErrUnknownAgentType)
	assert.Equal(t, 2, src.lookups())
}

func TestPool_DropRebuilds(t *testing.T) {
	src := &fakeSource{agent: testDescriptor(store.TypeExo, "http://127.0.0.1:9", "")}
	pool := NewPool(src, Options{})
	ctx := t.Context()

	first, err := pool.Get(ctx, "agent-1")
	require.NoError(t, err)

	pool.Drop("agent-1")
	pool.Drop("agent-1") // repeated drop is a no-op

	second, err := pool.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, src.lookups())
}

func TestPool_CloseThenReuse(t *testing.T) {
	src := &fakeSource{agent: testDescriptor(store.TypeExo, "http://127.0.0.1:9", "")}
	pool := NewPool(src, Options{})
	ctx := t.Context()

	_, err := pool.Get(ctx, "agent-1")
	require.NoError(t, err)

	pool.Close()

	_, err = pool.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 2, src.lookups(), "Close evicts, Get rebuilds")
}
