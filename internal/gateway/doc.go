// Package gateway assembles and serves the lab-gateway server.
//
// # Overview
//
// The gateway package is the composition root. It builds the durable store,
// agent registry, adapter pool, message bus, task orchestrator, and workflow
// engine, and exposes them through a single HTTP/WebSocket server.
//
// # HTTP API
//
// REST endpoints live in api.go:
//
//   - POST   /api/agents               - register an agent
//   - GET    /api/agents               - list agents
//   - GET    /api/agents/:id           - fetch one descriptor
//   - PUT    /api/agents/:id           - update a descriptor
//   - DELETE /api/agents/:id           - unregister (fails open tasks first)
//   - GET    /api/agents/:id/health    - liveness view
//   - POST   /api/agents/:id/connect   - backend handshake
//   - GET    /api/agents/:id/tasks     - task history
//   - POST   /api/tasks                - submit a task
//   - GET    /api/tasks/:id            - task record
//   - POST   /api/tasks/:id/cancel     - cancel a task
//   - POST   /api/experiments          - start a batch experiment
//   - GET    /api/experiments          - list finished experiments
//   - GET    /api/experiments/:id      - experiment result (202 while running)
//   - GET    /health, /ready, /metrics - operational endpoints
//
// Service errors map onto HTTP statuses in httpStatus: not-found errors
// become 404, duplicate registration and busy locks 409, a full queue 429,
// a full registry 507, unreachable backends 502, and send timeouts 504.
//
// # WebSocket streaming
//
// GET /ws upgrades to a WebSocket and streams bus events as JSON frames.
// Clients follow a conversation (?conversation_id=) or an experiment's
// progress topic (?experiment_id=). Passing correlation_id replays the
// correlated task before live delivery: the retained outcome as a
// {"type":"resume"} frame when the bus still holds it, otherwise the ledger.
//
// Each connection runs the usual pump pair: readPump watches for closure and
// pongs, writePump owns all writes under a deadline, and a forwarder moves
// bus events onto the send queue, tearing down clients that fall too far
// behind.
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx)
//
// Run hydrates the registry, starts the orchestrator's heartbeat sweeper,
// binds the listener (TCP, or tsnet when tailscale.enabled), and blocks until
// ctx is canceled or the server fails. Shutdown stops the HTTP server, closes
// hijacked WebSocket connections through the hub, and releases components in
// dependency order.
package gateway
