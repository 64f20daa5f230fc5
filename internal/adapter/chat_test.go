// ABOUTME: Tests for the OpenAI-compatible chat adapters.
// ABOUTME: Uses httptest backends to cover completions, SSE streaming, and error mapping.

package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/problab/lab-gateway/internal/laberr"
	"github.com/problab/lab-gateway/internal/store"
)

func testDescriptor(agentType store.AgentType, endpoint, credential string) *store.Agent {
	return &store.Agent{
		ID:         "agent-1",
		Name:       "Test Agent",
		Model:      "test-model",
		Source:     store.SourceLocal,
		Type:       agentType,
		Endpoint:   endpoint,
		Credential: credential,
		Params:     store.DefaultGenerationParams(),
	}
}

func completionBody(text string) string {
	return fmt.Sprintf(`{"choices":[{"message":{"role":"assistant","content":%q}}]}`, text)
}

func collectTokens(t *testing.T, ch <-chan Token) []Token {
	t.Helper()
	var out []Token
	timeout := time.After(2 * time.Second)
	for {
		select {
		case tok, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, tok)
		case <-timeout:
			t.Fatal("timed out waiting for stream to close")
		}
	}
}

func TestNew_AllTypes(t *testing.T) {
	for _, typ := range []store.AgentType{store.TypeExo, store.TypeLlamaCpp, store.TypeOpenRouter, store.TypeOpenAI} {
		t.Run(string(typ), func(t *testing.T) {
			a, err := New(testDescriptor(typ, "http://127.0.0.1:9", ""), Options{})
			require.NoError(t, err)
			require.NotNil(t, a)
		})
	}
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New(testDescriptor("vllm", "http://127.0.0.1:9", ""), Options{})
	require.ErrorIs(t, err, laberr.ErrUnknownAgentType)
}

func TestSend(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		fmt.Fprint(w, completionBody("  Paris is the capital of France.  "))
	}))
	defer srv.Close()

	a, err := New(testDescriptor(store.TypeExo, srv.URL, ""), Options{})
	require.NoError(t, err)

	text, err := a.Send(context.Background(), "What is the capital of France?", store.GenerationParams{
		Temperature: 0.5, TopP: 0.8, MaxTokens: 256,
	})
	require.NoError(t, err)
	assert.Equal(t, "Paris is the capital of France.", text)

	assert.Equal(t, "test-model", gotReq.Model)
	assert.Equal(t, 0.5, gotReq.Temperature)
	assert.Equal(t, 0.8, gotReq.TopP)
	assert.Equal(t, 256, gotReq.MaxTokens)
	assert.False(t, gotReq.Stream)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "user", gotReq.Messages[0].Role)
	assert.Equal(t, "What is the capital of France?", gotReq.Messages[0].Content)
}

func TestSend_BearerAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "lab-gateway", r.Header.Get("X-Title"))
		fmt.Fprint(w, completionBody("ok"))
	}))
	defer srv.Close()

	a, err := New(testDescriptor(store.TypeOpenRouter, srv.URL, "sk-test"), Options{})
	require.NoError(t, err)

	_, err = a.Send(context.Background(), "hi", store.DefaultGenerationParams())
	require.NoError(t, err)
}

func TestSend_BackendFailure(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "http 500",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "backend exploded", http.StatusInternalServerError)
			},
		},
		{
			name: "error payload",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"error":{"message":"model not loaded"}}`)
			},
		},
		{
			name: "empty choices",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"choices":[]}`)
			},
		},
		{
			name: "malformed json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{not json`)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			a, err := New(testDescriptor(store.TypeOpenAI, srv.URL, "k"), Options{})
			require.NoError(t, err)

			_, err = a.Send(context.Background(), "hi", store.DefaultGenerationParams())
			require.ErrorIs(t, err, laberr.ErrBadBackendResponse)
		})
	}
}

func TestSend_DeadlineMapsToTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	a, err := New(testDescriptor(store.TypeExo, srv.URL, ""), Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = a.Send(ctx, "hi", store.DefaultGenerationParams())
	require.ErrorIs(t, err, laberr.ErrSendTimeout)
}

func TestSend_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	a, err := New(testDescriptor(store.TypeExo, srv.URL, ""), Options{})
	require.NoError(t, err)

	_, err = a.Send(context.Background(), "hi", store.DefaultGenerationParams())
	require.ErrorIs(t, err, laberr.ErrAgentUnreachable)
}

func TestStreamGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, word := range []string{"The", " capital", " is", " Paris."} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", word)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	a, err := New(testDescriptor(store.TypeLlamaCpp, srv.URL, ""), Options{})
	require.NoError(t, err)

	ch, err := a.StreamGenerate(context.Background(), "capital?", store.DefaultGenerationParams())
	require.NoError(t, err)

	tokens := collectTokens(t, ch)
	require.Len(t, tokens, 5)

	var text strings.Builder
	for i, tok := range tokens[:4] {
		assert.Equal(t, i, tok.Index)
		assert.False(t, tok.Done)
		require.NoError(t, tok.Err)
		text.WriteString(tok.Text)
	}
	assert.Equal(t, "The capital is Paris.", text.String())

	final := tokens[4]
	assert.True(t, final.Done)
	assert.NoError(t, final.Err)
}

func TestStreamGenerate_ErrorChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"error\":{\"message\":\"backend overloaded\"}}\n\n")
	}))
	defer srv.Close()

	a, err := New(testDescriptor(store.TypeExo, srv.URL, ""), Options{})
	require.NoError(t, err)

	ch, err := a.StreamGenerate(context.Background(), "hi", store.DefaultGenerationParams())
	require.NoError(t, err)

	tokens := collectTokens(t, ch)
	require.Len(t, tokens, 2)
	final := tokens[1]
	assert.True(t, final.Done)
	require.ErrorIs(t, final.Err, laberr.ErrBadBackendResponse)
}

func TestStreamGenerate_MissingDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hello\"}}]}\n\n")
	}))
	defer srv.Close()

	a, err := New(testDescriptor(store.TypeExo, srv.URL, ""), Options{})
	require.NoError(t, err)

	ch, err := a.StreamGenerate(context.Background(), "hi", store.DefaultGenerationParams())
	require.NoError(t, err)

	tokens := collectTokens(t, ch)
	require.Len(t, tokens, 2)
	assert.True(t, tokens[1].Done, "terminal token expected even without [DONE]")
}

func TestStreamGenerate_CancelAborts(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"first\"}}]}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(testDescriptor(store.TypeExo, srv.URL, ""), Options{})
	require.NoError(t, err)

	ch, err := a.StreamGenerate(ctx, "hi", store.DefaultGenerationParams())
	require.NoError(t, err)

	select {
	case tok := <-ch:
		assert.Equal(t, "first", tok.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("first token never arrived")
	}

	cancel()

	// Channel must close promptly once the context is gone
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("stream channel did not close after cancel")
		}
	}
}

func TestHealthCheck(t *testing.T) {
	t.Run("llamacpp uses native health endpoint", func(t *testing.T) {
		var gotPath string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		a, err := New(testDescriptor(store.TypeLlamaCpp, srv.URL, ""), Options{})
		require.NoError(t, err)
		require.NoError(t, a.HealthCheck(context.Background()))
		assert.Equal(t, "/health", gotPath)
	})

	t.Run("exo lists models", func(t *testing.T) {
		var gotPath string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			fmt.Fprint(w, `{"data":[]}`)
		}))
		defer srv.Close()

		a, err := New(testDescriptor(store.TypeExo, srv.URL, ""), Options{})
		require.NoError(t, err)
		require.NoError(t, a.HealthCheck(context.Background()))
		assert.Equal(t, "/v1/models", gotPath)
	})

	t.Run("unhealthy status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		a, err := New(testDescriptor(store.TypeExo, srv.URL, ""), Options{})
		require.NoError(t, err)
		require.ErrorIs(t, a.HealthCheck(context.Background()), laberr.ErrAgentUnreachable)
	})

	t.Run("server down", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()

		a, err := New(testDescriptor(store.TypeExo, srv.URL, ""), Options{})
		require.NoError(t, err)
		require.ErrorIs(t, a.HealthCheck(context.Background()), laberr.ErrAgentUnreachable)
	})
}

func TestConnectDisconnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer srv.Close()

	a, err := New(testDescriptor(store.TypeExo, srv.URL, ""), Options{})
	require.NoError(t, err)

	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, a.Disconnect())
	require.NoError(t, a.Disconnect(), "Disconnect must be idempotent")
}

func TestConnect_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	a, err := New(testDescriptor(store.TypeExo, srv.URL, ""), Options{})
	require.NoError(t, err)
	require.ErrorIs(t, a.Connect(context.Background()), laberr.ErrAgentUnreachable)
}

func TestModelFallsBackToAgentID(t *testing.T) {
	desc := testDescriptor(store.TypeExo, "http://127.0.0.1:9", "")
	desc.Model = ""

	a, err := New(desc, Options{})
	require.NoError(t, err)

	ca, ok := a.(*chatAdapter)
	require.True(t, ok)
	assert.Equal(t, "agent-1", ca.model)
}
