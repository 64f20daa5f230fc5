// Package store provides persistent storage for the gateway using SQLite.
//
// # Data Models
//
//   - Agent: durable descriptor for a registered model agent, including
//     backend type, generation parameters, and liveness bookkeeping
//   - Task: orchestrator work unit with lifecycle status and attempts
//   - Event: append-only ledger of bus events for history replay
//
// The enum-shaped fields (AgentSource, AgentType, AgentStatus, TaskStatus,
// EventType) are typed strings with CHECK constraints mirrored in the schema,
// so an out-of-range value is rejected at both layers.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Database file locations:
//
//   - Production: /var/lib/lab-gateway/gateway.db
//   - Development: ~/.local/share/lab-gateway/gateway.db
//   - Testing: :memory: (in-memory database)
//
// # Error Handling
//
// Lookups return the shared sentinels from internal/laberr
// (ErrAgentNotFound, ErrTaskNotFound); duplicate agent registration returns
// ErrDuplicateAgent and leaves the stored row untouched. All methods accept
// context.Context for cancellation support.
//
// # Migrations
//
// The schema is created on open; idempotent column migrations run after,
// so older database files upgrade in place.
package store
