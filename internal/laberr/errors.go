// ABOUTME: Sentinel errors shared across the gateway packages
// ABOUTME: Callers wrap these with %w and branch with errors.Is

package laberr

import "errors"

var (
	// ErrDuplicateAgent is returned when registering an agent ID that already exists.
	// The stored descriptor is left untouched.
	ErrDuplicateAgent = errors.New("agent already registered")

	// ErrAgentNotFound is returned when an agent ID is not in the registry
	ErrAgentNotFound = errors.New("agent not found")

	// ErrRegistryFull is returned when the registry is at capacity
	ErrRegistryFull = errors.New("registry at capacity")

	// ErrInvalidParams is returned when a request or its generation parameters
	// are malformed or out of range
	ErrInvalidParams = errors.New("invalid parameters")

	// ErrUnknownAgentType is returned for agent types outside the supported set
	ErrUnknownAgentType = errors.New("unknown agent type")

	// ErrAgentUnreachable is returned when a backend cannot be reached or has
	// missed enough consecutive heartbeats to be marked down
	ErrAgentUnreachable = errors.New("agent unreachable")

	// ErrLockBusy is returned when an agent is already running a task
	ErrLockBusy = errors.New("agent lock busy")

	// ErrQueueFull is returned when an agent's pending queue is at capacity
	ErrQueueFull = errors.New("task queue full")

	// ErrSendTimeout is returned when an adapter call exceeds its deadline
	ErrSendTimeout = errors.New("send timed out")

	// ErrBadBackendResponse is returned when a backend replies with something
	// the adapter cannot use (non-2xx status, empty choices, malformed JSON)
	ErrBadBackendResponse = errors.New("bad backend response")

	// ErrTransformFailed is returned when the transform stage fails terminally
	ErrTransformFailed = errors.New("transform failed")

	// ErrScoringError is returned when a scorer cannot produce a result
	ErrScoringError = errors.New("scoring error")

	// ErrTaskNotFound is returned for unknown task or correlation IDs
	ErrTaskNotFound = errors.New("task not found")

	// ErrStreamTruncated marks a subscriber stream that dropped events under
	// backpressure. Consumers see it as a synthetic bus event, not a return value.
	ErrStreamTruncated = errors.New("stream truncated")

	// ErrExperimentNotFound is returned for unknown experiment IDs
	ErrExperimentNotFound = errors.New("experiment not found")
)
