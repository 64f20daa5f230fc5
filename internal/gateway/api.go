// ABOUTME: HTTP API handlers for agent registry, task, and experiment operations
// ABOUTME: Maps the service error taxonomy onto HTTP status codes

package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/problab/lab-gateway/internal/laberr"
	"github.com/problab/lab-gateway/internal/orchestrator"
	"github.com/problab/lab-gateway/internal/registry"
	"github.com/problab/lab-gateway/internal/store"
	"github.com/problab/lab-gateway/internal/workflow"
)

// defaultTaskListLimit caps GET /api/agents/:id/tasks when no limit is given.
const defaultTaskListLimit = 50

// RegisterAgentRequest is the JSON body for POST /api/agents and
// PUT /api/agents/:id. The credential is write-only: responses never echo it.
type RegisterAgentRequest struct {
	ID           string                  `json:"id"`
	Name         string                  `json:"name"`
	Model        string                  `json:"model,omitempty"`
	Source       store.AgentSource       `json:"source"`
	Type         store.AgentType         `json:"type"`
	Endpoint     string                  `json:"endpoint"`
	Credential   string                  `json:"credential,omitempty"`
	Capabilities []string                `json:"capabilities,omitempty"`
	Params       *store.GenerationParams `json:"params,omitempty"`
}

// toAgent builds the descriptor. Omitted params stay zero so the registry
// applies its defaults.
func (r *RegisterAgentRequest) toAgent() *store.Agent {
	agent := &store.Agent{
		ID:           r.ID,
		Name:         r.Name,
		Model:        r.Model,
		Source:       r.Source,
		Type:         r.Type,
		Endpoint:     r.Endpoint,
		Credential:   r.Credential,
		Capabilities: r.Capabilities,
	}
	if r.Params != nil {
		agent.Params = *r.Params
	}
	return agent
}

// AgentHealthResponse is the JSON body for GET /api/agents/:id/health.
type AgentHealthResponse struct {
	AgentID     string            `json:"agent_id"`
	Status      store.AgentStatus `json:"status"`
	LastSeen    string            `json:"last_seen,omitempty"`
	MissedCount int               `json:"missed_count"`
}

// TaskListResponse is the JSON body for GET /api/agents/:id/tasks.
type TaskListResponse struct {
	AgentID string        `json:"agent_id"`
	Tasks   []*store.Task `json:"tasks"`
}

// RunExperimentRequest is the JSON body for POST /api/experiments.
type RunExperimentRequest struct {
	AgentIDs []string `json:"agent_ids"`
}

// RunExperimentResponse is the JSON body for POST /api/experiments. Progress
// events for the run are published on the returned topic.
type RunExperimentResponse struct {
	ExperimentID string `json:"experiment_id"`
	Topic        string `json:"topic"`
}

// ExperimentListResponse is the JSON body for GET /api/experiments.
type ExperimentListResponse struct {
	Experiments []*workflow.ExperimentResult `json:"experiments"`
}

// registerRoutes wires all HTTP and WebSocket routes onto the echo instance.
func (g *Gateway) registerRoutes(e *echo.Echo) {
	e.GET("/health", g.handleHealth)
	e.GET("/ready", g.handleReady)
	if g.config.Metrics.Enabled && g.promReg != nil {
		path := g.config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		e.GET(path, echo.WrapHandler(promhttp.HandlerFor(g.promReg, promhttp.HandlerOpts{})))
	}

	api := e.Group("/api")
	api.POST("/agents", g.handleRegisterAgent)
	api.GET("/agents", g.handleListAgents)
	api.GET("/agents/:id", g.handleGetAgent)
	api.PUT("/agents/:id", g.handleUpdateAgent)
	api.DELETE("/agents/:id", g.handleUnregisterAgent)
	api.GET("/agents/:id/health", g.handleAgentHealth)
	api.POST("/agents/:id/connect", g.handleConnectAgent)
	api.GET("/agents/:id/tasks", g.handleListAgentTasks)

	api.POST("/tasks", g.handleSubmitTask)
	api.GET("/tasks/:id", g.handleGetTask)
	api.POST("/tasks/:id/cancel", g.handleCancelTask)

	api.POST("/experiments", g.handleRunExperiment)
	api.GET("/experiments", g.handleListExperiments)
	api.GET("/experiments/:id", g.handleGetExperiment)

	e.GET("/ws", g.handleWS)
}

// httpStatus maps service errors onto HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, laberr.ErrInvalidParams),
		errors.Is(err, laberr.ErrUnknownAgentType):
		return http.StatusBadRequest
	case errors.Is(err, laberr.ErrAgentNotFound),
		errors.Is(err, laberr.ErrTaskNotFound),
		errors.Is(err, laberr.ErrExperimentNotFound):
		return http.StatusNotFound
	case errors.Is(err, laberr.ErrDuplicateAgent),
		errors.Is(err, laberr.ErrLockBusy):
		return http.StatusConflict
	case errors.Is(err, laberr.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, laberr.ErrRegistryFull):
		return http.StatusInsufficientStorage
	case errors.Is(err, laberr.ErrAgentUnreachable):
		return http.StatusBadGateway
	case errors.Is(err, laberr.ErrSendTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// jsonError writes the error as a JSON body with the mapped status code.
func jsonError(c echo.Context, err error) error {
	return c.JSON(httpStatus(err), map[string]string{"error": err.Error()})
}

// handleRegisterAgent handles POST /api/agents.
func (g *Gateway) handleRegisterAgent(c echo.Context) error {
	var req RegisterAgentRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	agent := req.toAgent()
	if err := g.registry.Register(c.Request().Context(), agent); err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusCreated, agent)
}

// handleListAgents handles GET /api/agents.
func (g *Gateway) handleListAgents(c echo.Context) error {
	agents, err := g.registry.List(c.Request().Context())
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, agents)
}

// handleGetAgent handles GET /api/agents/:id.
func (g *Gateway) handleGetAgent(c echo.Context) error {
	agent, err := g.registry.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, agent)
}

// handleUpdateAgent handles PUT /api/agents/:id. The cached adapter is
// dropped so the next task sees the updated descriptor.
func (g *Gateway) handleUpdateAgent(c echo.Context) error {
	id := c.Param("id")

	var req RegisterAgentRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.ID != "" && req.ID != id {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "body id does not match path id"})
	}
	req.ID = id

	ctx := c.Request().Context()
	if err := g.registry.Update(ctx, req.toAgent()); err != nil {
		return jsonError(c, err)
	}
	g.pool.Drop(id)

	agent, err := g.registry.Get(ctx, id)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, agent)
}

// handleUnregisterAgent handles DELETE /api/agents/:id. Running and queued
// tasks fail with agent_removed before the descriptor goes away.
func (g *Gateway) handleUnregisterAgent(c echo.Context) error {
	id := c.Param("id")

	g.orc.FailAgentTasks(id, orchestrator.ReasonAgentRemoved)
	if err := g.registry.Unregister(c.Request().Context(), id); err != nil {
		return jsonError(c, err)
	}
	g.pool.Drop(id)

	return c.NoContent(http.StatusNoContent)
}

// handleAgentHealth handles GET /api/agents/:id/health.
func (g *Gateway) handleAgentHealth(c echo.Context) error {
	id := c.Param("id")
	health, err := g.registry.Health(c.Request().Context(), id)
	if err != nil {
		return jsonError(c, err)
	}

	return c.JSON(http.StatusOK, healthResponse(id, health))
}

// healthResponse converts the registry's health view into the API shape.
func healthResponse(id string, h *registry.Health) AgentHealthResponse {
	resp := AgentHealthResponse{
		AgentID:     id,
		Status:      h.Status,
		MissedCount: h.MissedCount,
	}
	if h.LastSeen != nil {
		resp.LastSeen = h.LastSeen.Format(time.RFC3339)
	}
	return resp
}

// handleConnectAgent handles POST /api/agents/:id/connect. It performs the
// backend handshake and returns the resulting health view.
func (g *Gateway) handleConnectAgent(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()

	if err := g.orc.ConnectAgent(ctx, id); err != nil {
		return jsonError(c, err)
	}

	health, err := g.registry.Health(ctx, id)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, healthResponse(id, health))
}

// handleListAgentTasks handles GET /api/agents/:id/tasks?limit=N.
func (g *Gateway) handleListAgentTasks(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()

	if _, err := g.registry.Get(ctx, id); err != nil {
		return jsonError(c, err)
	}

	limit := defaultTaskListLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		}
		limit = n
	}

	tasks, err := g.orc.ListTasks(ctx, id, limit)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, TaskListResponse{AgentID: id, Tasks: tasks})
}

// handleSubmitTask handles POST /api/tasks. The task is accepted into the
// agent's lane; progress streams on the conversation topic.
func (g *Gateway) handleSubmitTask(c echo.Context) error {
	var spec orchestrator.TaskSpec
	if err := c.Bind(&spec); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	task, err := g.orc.Submit(c.Request().Context(), spec)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusAccepted, task)
}

// handleGetTask handles GET /api/tasks/:id.
func (g *Gateway) handleGetTask(c echo.Context) error {
	task, err := g.orc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

// handleCancelTask handles POST /api/tasks/:id/cancel. Running tasks settle
// asynchronously, so the response is an acknowledgement, not a final state.
func (g *Gateway) handleCancelTask(c echo.Context) error {
	if err := g.orc.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// handleRunExperiment handles POST /api/experiments. The batch runs in the
// background; progress is published on the returned topic and the result is
// fetched from GET /api/experiments/:id once the run settles.
func (g *Gateway) handleRunExperiment(c echo.Context) error {
	var req RunExperimentRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	// Resolve agents up front so a typo fails the request, not the run.
	ctx := c.Request().Context()
	for _, id := range req.AgentIDs {
		if _, err := g.registry.Get(ctx, id); err != nil {
			return jsonError(c, fmt.Errorf("agent %q: %w", id, err))
		}
	}

	experimentID, err := g.engine.Start(req.AgentIDs, nil)
	if err != nil {
		return jsonError(c, err)
	}

	return c.JSON(http.StatusAccepted, RunExperimentResponse{
		ExperimentID: experimentID,
		Topic:        workflow.TopicFor(experimentID),
	})
}

// handleListExperiments handles GET /api/experiments.
func (g *Gateway) handleListExperiments(c echo.Context) error {
	results, err := g.engine.Results()
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, ExperimentListResponse{Experiments: results})
}

// handleGetExperiment handles GET /api/experiments/:id. A run that is still
// in flight answers 202 so clients can poll or follow the progress topic.
func (g *Gateway) handleGetExperiment(c echo.Context) error {
	id := c.Param("id")

	result, err := g.engine.Result(id)
	if err != nil {
		if g.engine.Active(id) {
			return c.JSON(http.StatusAccepted, map[string]string{
				"experiment_id": id,
				"status":        "running",
			})
		}
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}
