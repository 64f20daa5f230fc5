// ABOUTME: HTTP API tests for the gateway, run against a fully wired instance
// ABOUTME: Exercises registration, task submission, and error-to-status mapping

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/problab/lab-gateway/internal/config"
	"github.com/problab/lab-gateway/internal/store"
)

// newTestGateway wires a gateway on an in-memory store. The server is never
// started; requests go straight through the echo handler.
func newTestGateway(t *testing.T) *Gateway {
	t.Helper()

	cfg := config.Default()
	cfg.Database.Path = ":memory:"
	cfg.Workflow.ResultsDir = t.TempDir()
	cfg.Metrics.Enabled = false

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := New(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, gw.Shutdown(context.Background()))
	})
	return gw
}

// doRequest runs one request through the gateway's router.
func doRequest(t *testing.T, gw *Gateway, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	gw.echo.ServeHTTP(rec, req)
	return rec
}

func registerBody(id string) RegisterAgentRequest {
	return RegisterAgentRequest{
		ID:       id,
		Name:     "Test Agent",
		Source:   store.SourceLocal,
		Type:     store.TypeLlamaCpp,
		Endpoint: "http://127.0.0.1:1",
	}
}

func TestRegisterAgent(t *testing.T) {
	gw := newTestGateway(t)

	body := registerBody("agent-1")
	body.Credential = "secret-key"

	rec := doRequest(t, gw, http.MethodPost, "/api/agents", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	var agent store.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agent))
	assert.Equal(t, "agent-1", agent.ID)
	assert.Equal(t, store.StatusPending, agent.Status)

	// The credential is write-only
	assert.NotContains(t, rec.Body.String(), "secret-key")
}

func TestRegisterAgentDuplicate(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodPost, "/api/agents", registerBody("agent-1"))
	require.Equal(t, http.StatusCreated, rec.Code)

	dup := registerBody("agent-1")
	dup.Name = "Impostor"
	rec = doRequest(t, gw, http.MethodPost, "/api/agents", dup)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// The stored entry is untouched
	rec = doRequest(t, gw, http.MethodGet, "/api/agents/agent-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var agent store.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agent))
	assert.Equal(t, "Test Agent", agent.Name)
}

func TestRegisterAgentValidation(t *testing.T) {
	gw := newTestGateway(t)

	body := registerBody("agent-1")
	body.Type = "gguf" // not a known adapter type
	rec := doRequest(t, gw, http.MethodPost, "/api/agents", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body = registerBody("agent-2")
	body.Params = &store.GenerationParams{Temperature: 9, TopP: 0.9, MaxTokens: 100}
	rec = doRequest(t, gw, http.MethodPost, "/api/agents", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAgentNotFound(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodGet, "/api/agents/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAgents(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	doRequest(t, gw, http.MethodPost, "/api/agents", registerBody("agent-a"))
	doRequest(t, gw, http.MethodPost, "/api/agents", registerBody("agent-b"))

	rec = doRequest(t, gw, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var agents []*store.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agents))
	assert.Len(t, agents, 2)
}

func TestUnregisterAgent(t *testing.T) {
	gw := newTestGateway(t)

	doRequest(t, gw, http.MethodPost, "/api/agents", registerBody("agent-1"))

	rec := doRequest(t, gw, http.MethodDelete, "/api/agents/agent-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, gw, http.MethodGet, "/api/agents/agent-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, gw, http.MethodDelete, "/api/agents/agent-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentHealth(t *testing.T) {
	gw := newTestGateway(t)

	doRequest(t, gw, http.MethodPost, "/api/agents", registerBody("agent-1"))

	rec := doRequest(t, gw, http.MethodGet, "/api/agents/agent-1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health AgentHealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "agent-1", health.AgentID)
	assert.Equal(t, store.StatusPending, health.Status)
	assert.Zero(t, health.MissedCount)
	assert.Empty(t, health.LastSeen)

	rec = doRequest(t, gw, http.MethodGet, "/api/agents/nope/health", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitTaskErrors(t *testing.T) {
	gw := newTestGateway(t)

	// Unknown agent
	rec := doRequest(t, gw, http.MethodPost, "/api/tasks", map[string]string{
		"agent_id": "nope",
		"prompt":   "hello",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Unknown kind fails before the agent lookup
	rec = doRequest(t, gw, http.MethodPost, "/api/tasks", map[string]string{
		"agent_id": "nope",
		"kind":     "dance",
		"prompt":   "hello",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTaskNotFound(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodGet, "/api/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunExperimentUnknownAgent(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodPost, "/api/experiments", RunExperimentRequest{
		AgentIDs: []string{"nope"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetExperimentNotFound(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodGet, "/api/experiments/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndReady(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, gw, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
