// ABOUTME: Backend profiles for the four supported agent types.
// ABOUTME: Each constructor parameterizes the shared OpenAI-compatible adapter.

package adapter

import "github.com/problab/lab-gateway/internal/store"

// newExoAdapter targets an exo cluster's OpenAI-compatible endpoint,
// typically http://host:52415.
func newExoAdapter(agent *store.Agent, opts Options) (Adapter, error) {
	return newChatAdapter(agent, opts, backendProfile{
		name:       "exo",
		chatPath:   "/v1/chat/completions",
		healthPath: "/v1/models",
	}), nil
}

// newLlamaCppAdapter targets a llama.cpp server. The server exposes a native
// /health endpoint, so health checks use it instead of /v1/models.
func newLlamaCppAdapter(agent *store.Agent, opts Options) (Adapter, error) {
	return newChatAdapter(agent, opts, backendProfile{
		name:       "llamacpp",
		chatPath:   "/v1/chat/completions",
		healthPath: "/health",
	}), nil
}

// newOpenRouterAdapter targets OpenRouter. Endpoints follow the provider's
// convention of including /api/v1 in the base URL.
func newOpenRouterAdapter(agent *store.Agent, opts Options) (Adapter, error) {
	return newChatAdapter(agent, opts, backendProfile{
		name:       "openrouter",
		chatPath:   "/chat/completions",
		healthPath: "/models",
		headers: map[string]string{
			"HTTP-Referer": "https://github.com/problab/lab-gateway",
			"X-Title":      "lab-gateway",
		},
	}), nil
}

// newOpenAIAdapter targets OpenAI or any service mirroring its API surface.
func newOpenAIAdapter(agent *store.Agent, opts Options) (Adapter, error) {
	return newChatAdapter(agent, opts, backendProfile{
		name:       "openai",
		chatPath:   "/v1/chat/completions",
		healthPath: "/v1/models",
	}), nil
}
