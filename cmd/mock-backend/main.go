// ABOUTME: OpenAI-compatible fake inference server for local dev and smoke tests.
// ABOUTME: Usage: mock-backend [-addr localhost:8081] [-refuse] [-latency 20ms]

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

func main() {
	addr := flag.String("addr", "localhost:8081", "listen address")
	model := flag.String("model", "mock-7b", "model name reported by /v1/models")
	refuse := flag.Bool("refuse", false, "refuse every prompt until a transform request arrives")
	latency := flag.Duration("latency", 20*time.Millisecond, "delay per streamed token")
	flag.Parse()

	b := &backend{model: *model, latency: *latency}
	b.refusing.Store(*refuse)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/health", b.handleHealth)
	e.GET("/v1/models", b.handleModels)
	e.GET("/models", b.handleModels)
	e.POST("/v1/chat/completions", b.handleChat)
	e.POST("/chat/completions", b.handleChat)

	log.Printf("mock-backend listening on %s (model=%s refuse=%v)", *addr, *model, *refuse)
	if err := e.Start(*addr); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

type backend struct {
	model    string
	latency  time.Duration
	refusing atomic.Bool
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

func (b *backend) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (b *backend) handleModels(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]any{
			{"id": b.model, "object": "model", "owned_by": "mock"},
		},
	})
}

func (b *backend) handleChat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]map[string]string{
			"error": {"message": "invalid request body"},
		})
	}

	var prompt string
	for _, m := range req.Messages {
		if m.Role == "user" {
			prompt = m.Content
		}
	}

	reply := b.reply(prompt)
	if req.Stream {
		return b.streamReply(c, reply)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"object": "chat.completion",
		"model":  b.model,
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       chatMessage{Role: "assistant", Content: reply},
				"finish_reason": "stop",
			},
		},
	})
}

// reply picks the canned answer. An empty prompt is the gateway's transform
// request: acknowledge it and stop refusing, so a full experiment run shows a
// refusal-rate drop between baseline and validate.
func (b *backend) reply(prompt string) string {
	if prompt == "" {
		b.refusing.Store(false)
		log.Printf("transform applied, refusal mode off")
		return "transform applied"
	}
	if b.refusing.Load() {
		return "I'm sorry, but I cannot help with that request."
	}

	lower := strings.ToLower(prompt)
	switch {
	case strings.Contains(lower, "capital of france"):
		return "The capital of France is Paris."
	case strings.Contains(lower, "conscious"):
		return "That is an open philosophical question, but here is my direct answer: no."
	default:
		return "Here is a direct answer to your question: " + prompt
	}
}

// streamReply writes the reply as an SSE token stream, one word per chunk.
func (b *backend) streamReply(c echo.Context, reply string) error {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.WriteHeader(http.StatusOK)

	words := strings.SplitAfter(reply, " ")
	for _, word := range words {
		select {
		case <-c.Request().Context().Done():
			return nil
		case <-time.After(b.latency):
		}

		chunk := map[string]any{
			"object": "chat.completion.chunk",
			"model":  b.model,
			"choices": []map[string]any{
				{"index": 0, "delta": chatMessage{Role: "assistant", Content: word}},
			},
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(resp, "data: %s\n\n", data); err != nil {
			return nil
		}
		resp.Flush()
	}

	fmt.Fprint(resp, "data: [DONE]\n\n")
	resp.Flush()
	return nil
}
