// ABOUTME: OpenAI-compatible chat backend shared by all concrete adapters.
// ABOUTME: Speaks JSON chat completions and SSE token streams over net/http.

package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/problab/lab-gateway/internal/laberr"
	"github.com/problab/lab-gateway/internal/store"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultHealthTimeout  = 5 * time.Second

	// maxErrorBody caps how much of an error response body is read back.
	maxErrorBody = 64 * 1024

	// streamBuffer is the token channel depth for StreamGenerate.
	streamBuffer = 16
)

// backendProfile captures how one backend type deviates from the shared
// OpenAI-compatible protocol.
type backendProfile struct {
	name       string
	chatPath   string
	healthPath string
	headers    map[string]string
}

// chatAdapter implements Adapter for OpenAI-compatible HTTP backends.
// The four backend types share it and differ only by profile.
type chatAdapter struct {
	profile    backendProfile
	agentID    string
	model      string
	baseURL    string
	credential string
	client     *http.Client
	healthTO   time.Duration
	logger     *slog.Logger

	mu        sync.Mutex
	connected bool
}

func newChatAdapter(agent *store.Agent, opts Options, profile backendProfile) *chatAdapter {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = defaultHealthTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	model := agent.Model
	if model == "" {
		// Local backends serve a single model and ignore the field
		model = agent.ID
	}

	return &chatAdapter{
		profile:    profile,
		agentID:    agent.ID,
		model:      model,
		baseURL:    strings.TrimRight(agent.Endpoint, "/"),
		credential: agent.Credential,
		client:     &http.Client{Timeout: opts.RequestTimeout},
		healthTO:   opts.HealthTimeout,
		logger:     logger.With("component", "adapter", "backend", profile.name, "agent_id", agent.ID),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message *chatMessage `json:"message,omitempty"`
		Delta   *chatMessage `json:"delta,omitempty"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Connect verifies the backend answers its health endpoint.
func (a *chatAdapter) Connect(ctx context.Context) error {
	if err := a.HealthCheck(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()

	a.logger.Info("backend connected", "endpoint", a.baseURL)
	return nil
}

// Disconnect drops idle connections. Safe to call repeatedly.
func (a *chatAdapter) Disconnect() error {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()

	a.client.CloseIdleConnections()
	a.logger.Debug("backend disconnected")
	return nil
}

// Send runs one blocking chat completion and returns the assistant text.
func (a *chatAdapter) Send(ctx context.Context, prompt string, params store.GenerationParams) (string, error) {
	resp, err := a.doChat(ctx, prompt, params, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", a.wrapTransport(ctx, err)
	}

	var cr chatResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return "", fmt.Errorf("%w: decoding completion: %v", laberr.ErrBadBackendResponse, err)
	}
	if cr.Error != nil {
		return "", fmt.Errorf("%w: %s", laberr.ErrBadBackendResponse, cr.Error.Message)
	}
	if len(cr.Choices) == 0 || cr.Choices[0].Message == nil {
		return "", fmt.Errorf("%w: no completion returned", laberr.ErrBadBackendResponse)
	}

	return strings.TrimSpace(cr.Choices[0].Message.Content), nil
}

// StreamGenerate starts a streaming completion and parses the SSE response.
// Tokens are delivered in arrival order; the channel closes after the
// terminal Done token. Cancelling ctx aborts the body read.
func (a *chatAdapter) StreamGenerate(ctx context.Context, prompt string, params store.GenerationParams) (<-chan Token, error) {
	resp, err := a.doChat(ctx, prompt, params, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan Token, streamBuffer)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		index := 0
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}
			if data == "[DONE]" {
				a.emit(ctx, ch, Token{Index: index, Done: true})
				return
			}

			var chunk chatResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				// Keep-alive comments and non-JSON lines are skipped
				continue
			}
			if chunk.Error != nil {
				a.emit(ctx, ch, Token{
					Index: index,
					Done:  true,
					Err:   fmt.Errorf("%w: %s", laberr.ErrBadBackendResponse, chunk.Error.Message),
				})
				return
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil {
				continue
			}
			text := chunk.Choices[0].Delta.Content
			if text == "" {
				continue
			}
			if !a.emit(ctx, ch, Token{Text: text, Index: index}) {
				return
			}
			index++
		}

		if err := scanner.Err(); err != nil {
			a.emit(ctx, ch, Token{Index: index, Done: true, Err: a.wrapTransport(ctx, err)})
			return
		}
		// Stream ended without [DONE]; still deliver the terminal token
		a.emit(ctx, ch, Token{Index: index, Done: true})
	}()

	return ch, nil
}

// HealthCheck pings the backend's health path with a short deadline.
func (a *chatAdapter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.healthTO)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+a.profile.healthPath, nil)
	if err != nil {
		return fmt.Errorf("building health request: %w", err)
	}
	a.setHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", laberr.ErrAgentUnreachable, err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", laberr.ErrAgentUnreachable, resp.StatusCode)
	}
	return nil
}

// doChat issues the chat completion request and validates the status line.
// The caller owns resp.Body on success.
func (a *chatAdapter) doChat(ctx context.Context, prompt string, params store.GenerationParams, stream bool) (*http.Response, error) {
	reqBody := chatRequest{
		Model:       a.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: params.Temperature,
		TopP:        params.TopP,
		MaxTokens:   params.MaxTokens,
		Stream:      stream,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("encoding chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+a.profile.chatPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	a.setHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, a.wrapTransport(ctx, err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", laberr.ErrBadBackendResponse,
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return resp, nil
}

// setHeaders applies bearer auth and profile-specific headers.
func (a *chatAdapter) setHeaders(req *http.Request) {
	if a.credential != "" {
		req.Header.Set("Authorization", "Bearer "+a.credential)
	}
	for k, v := range a.profile.headers {
		req.Header.Set(k, v)
	}
}

// emit delivers a token unless the consumer's context is gone.
func (a *chatAdapter) emit(ctx context.Context, ch chan<- Token, t Token) bool {
	select {
	case ch <- t:
		return true
	case <-ctx.Done():
		return false
	}
}

// wrapTransport maps a transport failure onto the error taxonomy: deadline
// and cancellation become ErrSendTimeout, everything else ErrAgentUnreachable.
func (a *chatAdapter) wrapTransport(ctx context.Context, err error) error {
	var ue *url.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		ctx.Err() != nil,
		errors.As(err, &ue) && ue.Timeout():
		return fmt.Errorf("%w: %v", laberr.ErrSendTimeout, err)
	default:
		return fmt.Errorf("%w: %v", laberr.ErrAgentUnreachable, err)
	}
}
