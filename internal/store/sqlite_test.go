// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers agent CRUD, duplicate detection, and health bookkeeping

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/problab/lab-gateway/internal/laberr"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}

	return store
}

func testAgent(id string) *Agent {
	now := time.Now().UTC().Truncate(time.Second)
	return &Agent{
		ID:           id,
		Name:         "Llama 3 8B",
		Model:        "llama-3-8b-instruct",
		Source:       SourceLocal,
		Type:         TypeLlamaCpp,
		Endpoint:     "http://127.0.0.1:8081",
		Credential:   "",
		Capabilities: []string{"chat", "stream"},
		Params:       DefaultGenerationParams(),
		Status:       StatusPending,
		RegisteredAt: now,
		UpdatedAt:    now,
	}
}

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_InMemory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()
}

func TestCreateAndGetAgent(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	agent := testAgent("agent-001")

	if err := store.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	got, err := store.GetAgent(ctx, "agent-001")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}

	if got.ID != agent.ID {
		t.Errorf("ID mismatch: got %q, want %q", got.ID, agent.ID)
	}
	if got.Name != agent.Name {
		t.Errorf("Name mismatch: got %q, want %q", got.Name, agent.Name)
	}
	if got.Model != agent.Model {
		t.Errorf("Model mismatch: got %q, want %q", got.Model, agent.Model)
	}
	if got.Source != SourceLocal {
		t.Errorf("Source mismatch: got %q, want %q", got.Source, SourceLocal)
	}
	if got.Type != TypeLlamaCpp {
		t.Errorf("Type mismatch: got %q, want %q", got.Type, TypeLlamaCpp)
	}
	if got.Status != StatusPending {
		t.Errorf("Status mismatch: got %q, want %q", got.Status, StatusPending)
	}
	if len(got.Capabilities) != 2 || got.Capabilities[0] != "chat" {
		t.Errorf("Capabilities mismatch: got %v", got.Capabilities)
	}
	if got.Params != agent.Params {
		t.Errorf("Params mismatch: got %+v, want %+v", got.Params, agent.Params)
	}
	if !got.RegisteredAt.Equal(agent.RegisteredAt) {
		t.Errorf("RegisteredAt mismatch: got %v, want %v", got.RegisteredAt, agent.RegisteredAt)
	}
	if got.LastSeen != nil {
		t.Errorf("LastSeen should be nil for a fresh agent, got %v", got.LastSeen)
	}
}

func TestCreateAgent_Duplicate(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	agent := testAgent("agent-dup")

	if err := store.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	// Second insert with the same ID but different fields must fail
	// and must not modify the stored record
	second := testAgent("agent-dup")
	second.Name = "Different Name"
	second.Endpoint = "http://evil:9999"

	err := store.CreateAgent(ctx, second)
	if !errors.Is(err, laberr.ErrDuplicateAgent) {
		t.Fatalf("expected ErrDuplicateAgent, got %v", err)
	}

	got, err := store.GetAgent(ctx, "agent-dup")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.Name != "Llama 3 8B" {
		t.Errorf("stored agent was modified by failed duplicate insert: %q", got.Name)
	}
	if got.Endpoint != "http://127.0.0.1:8081" {
		t.Errorf("stored endpoint was modified by failed duplicate insert: %q", got.Endpoint)
	}
}

func TestGetAgent_NotFound(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	_, err := store.GetAgent(context.Background(), "nonexistent")
	if !errors.Is(err, laberr.ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestListAgents_OrderedByRegistration(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"agent-a", "agent-b", "agent-c"} {
		a := testAgent(id)
		a.RegisteredAt = base.Add(time.Duration(i) * time.Minute)
		a.UpdatedAt = a.RegisteredAt
		if err := store.CreateAgent(ctx, a); err != nil {
			t.Fatalf("CreateAgent(%s) failed: %v", id, err)
		}
	}

	agents, err := store.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents failed: %v", err)
	}
	if len(agents) != 3 {
		t.Fatalf("expected 3 agents, got %d", len(agents))
	}
	for i, want := range []string{"agent-a", "agent-b", "agent-c"} {
		if agents[i].ID != want {
			t.Errorf("agents[%d].ID = %q, want %q", i, agents[i].ID, want)
		}
	}
}

func TestUpdateAgent(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	agent := testAgent("agent-upd")
	if err := store.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	agent.Name = "Renamed"
	agent.Params.Temperature = 1.2
	agent.Status = StatusConnected
	agent.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	if err := store.UpdateAgent(ctx, agent); err != nil {
		t.Fatalf("UpdateAgent failed: %v", err)
	}

	got, err := store.GetAgent(ctx, "agent-upd")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.Name != "Renamed" {
		t.Errorf("Name = %q, want Renamed", got.Name)
	}
	if got.Params.Temperature != 1.2 {
		t.Errorf("Temperature = %v, want 1.2", got.Params.Temperature)
	}
	if got.Status != StatusConnected {
		t.Errorf("Status = %q, want connected", got.Status)
	}
}

func TestUpdateAgent_NotFound(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	agent := testAgent("ghost")
	err := store.UpdateAgent(context.Background(), agent)
	if !errors.Is(err, laberr.ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestDeleteAgent(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.CreateAgent(ctx, testAgent("agent-del")); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	if err := store.DeleteAgent(ctx, "agent-del"); err != nil {
		t.Fatalf("DeleteAgent failed: %v", err)
	}

	_, err := store.GetAgent(ctx, "agent-del")
	if !errors.Is(err, laberr.ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound after delete, got %v", err)
	}

	if err := store.DeleteAgent(ctx, "agent-del"); !errors.Is(err, laberr.ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound for second delete, got %v", err)
	}
}

func TestCountAgents(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	count, err := store.CountAgents(ctx)
	if err != nil {
		t.Fatalf("CountAgents failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 agents, got %d", count)
	}

	for _, id := range []string{"a", "b"} {
		if err := store.CreateAgent(ctx, testAgent(id)); err != nil {
			t.Fatalf("CreateAgent failed: %v", err)
		}
	}

	count, err = store.CountAgents(ctx)
	if err != nil {
		t.Fatalf("CountAgents failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 agents, got %d", count)
	}
}

func TestUpdateAgentHealth(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.CreateAgent(ctx, testAgent("agent-hb")); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	seen := time.Now().UTC().Truncate(time.Second)
	if err := store.UpdateAgentHealth(ctx, "agent-hb", StatusConnected, &seen, 0); err != nil {
		t.Fatalf("UpdateAgentHealth failed: %v", err)
	}

	got, err := store.GetAgent(ctx, "agent-hb")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.Status != StatusConnected {
		t.Errorf("Status = %q, want connected", got.Status)
	}
	if got.LastSeen == nil || !got.LastSeen.Equal(seen) {
		t.Errorf("LastSeen = %v, want %v", got.LastSeen, seen)
	}
	if got.MissedCount != 0 {
		t.Errorf("MissedCount = %d, want 0", got.MissedCount)
	}

	// Missed checks keep last_seen and bump the counter
	if err := store.UpdateAgentHealth(ctx, "agent-hb", StatusUnreachable, &seen, 3); err != nil {
		t.Fatalf("UpdateAgentHealth failed: %v", err)
	}
	got, err = store.GetAgent(ctx, "agent-hb")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.Status != StatusUnreachable {
		t.Errorf("Status = %q, want unreachable", got.Status)
	}
	if got.MissedCount != 3 {
		t.Errorf("MissedCount = %d, want 3", got.MissedCount)
	}
}

func TestGenerationParams_Validate(t *testing.T) {
	tests := []struct {
		name    string
		params  GenerationParams
		wantErr bool
	}{
		{"defaults", DefaultGenerationParams(), false},
		{"temperature low edge", GenerationParams{Temperature: 0, TopP: 0.5, MaxTokens: 1}, false},
		{"temperature high edge", GenerationParams{Temperature: 2, TopP: 0.5, MaxTokens: 8192}, false},
		{"temperature too high", GenerationParams{Temperature: 2.1, TopP: 0.5, MaxTokens: 100}, true},
		{"temperature negative", GenerationParams{Temperature: -0.1, TopP: 0.5, MaxTokens: 100}, true},
		{"top_p too high", GenerationParams{Temperature: 1, TopP: 1.5, MaxTokens: 100}, true},
		{"max_tokens zero", GenerationParams{Temperature: 1, TopP: 0.5, MaxTokens: 0}, true},
		{"max_tokens too high", GenerationParams{Temperature: 1, TopP: 0.5, MaxTokens: 8193}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, laberr.ErrInvalidParams) {
				t.Errorf("error should wrap ErrInvalidParams, got %v", err)
			}
		})
	}
}

func TestAgentValidate_ClosedEnums(t *testing.T) {
	agent := testAgent("enum-check")
	agent.Type = "anthropic"
	if err := agent.Validate(); !errors.Is(err, laberr.ErrUnknownAgentType) {
		t.Errorf("expected ErrUnknownAgentType, got %v", err)
	}

	agent = testAgent("enum-check")
	agent.Source = "orbital"
	if err := agent.Validate(); !errors.Is(err, laberr.ErrInvalidParams) {
		t.Errorf("expected ErrInvalidParams for unknown source, got %v", err)
	}
}
