// ABOUTME: Ledger event store for conversation history and replay
// ABOUTME: Every bus event is appended here so reconnecting clients can catch up

package store

import (
	"context"
	"fmt"
	"time"
)

// SaveEvent appends a bus event to the ledger
func (s *SQLiteStore) SaveEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO bus_events (
			event_id, conversation_id, correlation_id, agent_id, type, seq,
			text, task_id, payload, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.ConversationID,
		event.CorrelationID,
		event.AgentID,
		string(event.Type),
		event.Seq,
		event.Text,
		event.TaskID,
		event.Payload,
		event.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	s.logger.Debug("saved event",
		"event_id", event.ID,
		"conversation_id", event.ConversationID,
		"type", event.Type,
	)
	return nil
}

// ListEventsByConversation retrieves events for a conversation, ordered by sequence
func (s *SQLiteStore) ListEventsByConversation(ctx context.Context, conversationID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	query := `
		SELECT event_id, conversation_id, correlation_id, agent_id, type, seq,
		       text, task_id, payload, timestamp
		FROM bus_events
		WHERE conversation_id = ?
		ORDER BY seq ASC, timestamp ASC
		LIMIT ?
	`

	return s.queryEvents(ctx, query, conversationID, limit)
}

// ListEventsByCorrelation retrieves events for a correlation ID, ordered by sequence
func (s *SQLiteStore) ListEventsByCorrelation(ctx context.Context, correlationID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	query := `
		SELECT event_id, conversation_id, correlation_id, agent_id, type, seq,
		       text, task_id, payload, timestamp
		FROM bus_events
		WHERE correlation_id = ?
		ORDER BY seq ASC, timestamp ASC
		LIMIT ?
	`

	return s.queryEvents(ctx, query, correlationID, limit)
}

func (s *SQLiteStore) queryEvents(ctx context.Context, query string, args ...any) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var event Event
		var eventType, timestampStr string

		err := rows.Scan(
			&event.ID,
			&event.ConversationID,
			&event.CorrelationID,
			&event.AgentID,
			&eventType,
			&event.Seq,
			&event.Text,
			&event.TaskID,
			&event.Payload,
			&timestampStr,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}

		event.Type = EventType(eventType)
		if event.Timestamp, err = time.Parse(time.RFC3339Nano, timestampStr); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}
