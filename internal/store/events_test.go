// ABOUTME: Tests for the bus event ledger
// ABOUTME: Covers append, conversation ordering, and correlation lookup

package store

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestSaveAndListEvents(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		event := &Event{
			ID:             fmt.Sprintf("evt-%d", i),
			ConversationID: "conv-1",
			CorrelationID:  "corr-1",
			AgentID:        "agent-001",
			Type:           EventToken,
			Seq:            int64(i),
			Text:           fmt.Sprintf("token-%d", i),
			Timestamp:      base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.SaveEvent(ctx, event); err != nil {
			t.Fatalf("SaveEvent(%d) failed: %v", i, err)
		}
	}

	events, err := store.ListEventsByConversation(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("ListEventsByConversation failed: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for i, e := range events {
		if e.Seq != int64(i) {
			t.Errorf("events[%d].Seq = %d, want %d", i, e.Seq, i)
		}
		if e.Text != fmt.Sprintf("token-%d", i) {
			t.Errorf("events[%d].Text = %q out of order", i, e.Text)
		}
	}
}

func TestListEventsByConversation_IsolatesTopics(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	for _, conv := range []string{"conv-a", "conv-b"} {
		event := &Event{
			ID:             "evt-" + conv,
			ConversationID: conv,
			Type:           EventMessage,
			Text:           "hello " + conv,
			Timestamp:      time.Now().UTC(),
		}
		if err := store.SaveEvent(ctx, event); err != nil {
			t.Fatalf("SaveEvent failed: %v", err)
		}
	}

	events, err := store.ListEventsByConversation(ctx, "conv-a", 0)
	if err != nil {
		t.Fatalf("ListEventsByConversation failed: %v", err)
	}
	if len(events) != 1 || events[0].ConversationID != "conv-a" {
		t.Errorf("expected only conv-a events, got %v", events)
	}
}

func TestListEventsByCorrelation(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	for i, corr := range []string{"corr-x", "corr-x", "corr-y"} {
		event := &Event{
			ID:             fmt.Sprintf("evt-corr-%d", i),
			ConversationID: "conv-1",
			CorrelationID:  corr,
			Type:           EventToken,
			Seq:            int64(i),
			Timestamp:      time.Now().UTC(),
		}
		if err := store.SaveEvent(ctx, event); err != nil {
			t.Fatalf("SaveEvent failed: %v", err)
		}
	}

	events, err := store.ListEventsByCorrelation(ctx, "corr-x", 0)
	if err != nil {
		t.Fatalf("ListEventsByCorrelation failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("expected 2 events for corr-x, got %d", len(events))
	}
}

func TestListEvents_LimitClamped(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		event := &Event{
			ID:             fmt.Sprintf("evt-lim-%d", i),
			ConversationID: "conv-lim",
			Type:           EventToken,
			Seq:            int64(i),
			Timestamp:      time.Now().UTC(),
		}
		if err := store.SaveEvent(ctx, event); err != nil {
			t.Fatalf("SaveEvent failed: %v", err)
		}
	}

	events, err := store.ListEventsByConversation(ctx, "conv-lim", 3)
	if err != nil {
		t.Fatalf("ListEventsByConversation failed: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("expected limit of 3 events, got %d", len(events))
	}
}
