// ABOUTME: Tests for the persisted pub/sub bus
// ABOUTME: Covers fan-out, sequencing, drop-oldest truncation, resume, and lifecycle

package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/problab/lab-gateway/internal/config"
	"github.com/problab/lab-gateway/internal/laberr"
	"github.com/problab/lab-gateway/internal/metrics"
	"github.com/problab/lab-gateway/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeLedger records saved events in memory so tests can assert on the
// persisted stream without a database.
type fakeLedger struct {
	mu     sync.Mutex
	events []*store.Event
	err    error
}

func (f *fakeLedger) SaveEvent(_ context.Context, ev *store.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	cp := *ev
	f.events = append(f.events, &cp)
	return nil
}

func (f *fakeLedger) ListEventsByConversation(_ context.Context, conversationID string, limit int) ([]*store.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Event
	for _, ev := range f.events {
		if ev.ConversationID != conversationID {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeLedger) ListEventsByCorrelation(_ context.Context, correlationID string, limit int) ([]*store.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Event
	for _, ev := range f.events {
		if ev.CorrelationID != correlationID {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeLedger) saved() []*store.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*store.Event, len(f.events))
	copy(out, f.events)
	return out
}

func newTestBus(t *testing.T, cfg config.BusConfig) (*Bus, *fakeLedger) {
	t.Helper()
	ledger := &fakeLedger{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := New(ledger, cfg, nil, logger)
	t.Cleanup(b.Close)
	return b, ledger
}

func tokenEvent(id, conv, corr string) *store.Event {
	return &store.Event{
		ID:             id,
		ConversationID: conv,
		CorrelationID:  corr,
		AgentID:        "agent-001",
		Type:           store.EventToken,
		Text:           "chunk from " + id,
	}
}

func recvEvent(t *testing.T, ch <-chan *store.Event) *store.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed while expecting an event")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func requireClosed(t *testing.T, ch <-chan *store.Event) {
	t.Helper()
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
			// Drain buffered events ahead of the close.
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for channel close")
		}
	}
}

func TestBus_SingleSubscriberReceivesEvent(t *testing.T) {
	b, _ := newTestBus(t, config.BusConfig{})

	ch, _ := b.Subscribe(t.Context(), "conv-1")

	require.NoError(t, b.Publish(t.Context(), tokenEvent("evt-1", "conv-1", "")))

	received := recvEvent(t, ch)
	assert.Equal(t, "evt-1", received.ID)
}

func TestBus_FanOutPreservesOrderAcrossSubscribers(t *testing.T) {
	b, ledger := newTestBus(t, config.BusConfig{})

	ctx := t.Context()
	ch1, _ := b.Subscribe(ctx, "conv-1")
	ch2, _ := b.Subscribe(ctx, "conv-1")
	other, _ := b.Subscribe(ctx, "conv-2")

	for i := range 5 {
		ev := tokenEvent(fmt.Sprintf("evt-%d", i), "conv-1", "corr-1")
		require.NoError(t, b.Publish(ctx, ev))
	}

	for i := range 5 {
		want := fmt.Sprintf("evt-%d", i)
		assert.Equal(t, want, recvEvent(t, ch1).ID, "subscriber 1 event %d", i)
		assert.Equal(t, want, recvEvent(t, ch2).ID, "subscriber 2 event %d", i)
	}

	// The other conversation's subscriber sees nothing.
	select {
	case ev := <-other:
		t.Fatalf("conv-2 subscriber received %s", ev.ID)
	case <-time.After(100 * time.Millisecond):
	}

	assert.Len(t, ledger.saved(), 5)
}

func TestBus_PublishAssignsIdentity(t *testing.T) {
	b, _ := newTestBus(t, config.BusConfig{})

	ev := &store.Event{ConversationID: "conv-1", Type: store.EventMessage, Text: "hi"}
	require.NoError(t, b.Publish(t.Context(), ev))

	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, int64(1), ev.Seq)

	// Caller-supplied IDs survive.
	ev2 := tokenEvent("my-id", "conv-1", "")
	require.NoError(t, b.Publish(t.Context(), ev2))
	assert.Equal(t, "my-id", ev2.ID)
}

func TestBus_PublishRejectsMalformedEvents(t *testing.T) {
	b, ledger := newTestBus(t, config.BusConfig{})

	assert.Error(t, b.Publish(t.Context(), nil))
	assert.Error(t, b.Publish(t.Context(), &store.Event{Type: store.EventToken}))
	assert.Error(t, b.Publish(t.Context(), &store.Event{ConversationID: "conv-1"}))
	assert.Empty(t, ledger.saved())
}

func TestBus_SequencePerCorrelation(t *testing.T) {
	b, _ := newTestBus(t, config.BusConfig{})
	ctx := t.Context()

	// Two interleaved correlations on the same conversation each count
	// independently; uncorrelated events use the conversation counter.
	seqs := make(map[string][]int64)
	publish := func(corr string) {
		ev := tokenEvent("", "conv-1", corr)
		require.NoError(t, b.Publish(ctx, ev))
		seqs[corr] = append(seqs[corr], ev.Seq)
	}

	publish("corr-a")
	publish("corr-b")
	publish("corr-a")
	publish("")
	publish("corr-b")
	publish("corr-a")
	publish("")

	assert.Equal(t, []int64{1, 2, 3}, seqs["corr-a"])
	assert.Equal(t, []int64{1, 2}, seqs["corr-b"])
	assert.Equal(t, []int64{1, 2}, seqs[""])
}

func TestBus_TerminalEventRetiresSequenceCounter(t *testing.T) {
	b, _ := newTestBus(t, config.BusConfig{})
	ctx := t.Context()

	require.NoError(t, b.Publish(ctx, tokenEvent("evt-1", "conv-1", "corr-1")))

	done := &store.Event{
		ConversationID: "conv-1",
		CorrelationID:  "corr-1",
		Type:           store.EventDone,
		Text:           "final answer",
	}
	require.NoError(t, b.Publish(ctx, done))
	assert.Equal(t, int64(2), done.Seq)

	b.mu.RLock()
	_, exists := b.seq["corr-1"]
	b.mu.RUnlock()
	assert.False(t, exists, "terminal event should retire the correlation counter")
}

func TestBus_LedgerFailureStillFansOut(t *testing.T) {
	b, ledger := newTestBus(t, config.BusConfig{})
	ledger.err = errors.New("disk full")

	ch, _ := b.Subscribe(t.Context(), "conv-1")

	require.NoError(t, b.Publish(t.Context(), tokenEvent("evt-1", "conv-1", "")))

	received := recvEvent(t, ch)
	assert.Equal(t, "evt-1", received.ID)
	assert.Empty(t, ledger.saved())
}

func TestBus_SlowSubscriberDropsOldestAndReportsTruncation(t *testing.T) {
	ledger := &fakeLedger{}
	reg := prometheus.NewRegistry()
	m := metrics.MustNewMetrics(reg)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := New(ledger, config.BusConfig{QueueDepth: 2}, m, logger)
	t.Cleanup(b.Close)

	ch, _ := b.Subscribe(t.Context(), "conv-1")

	// Queue depth 2 with no reader: evt-3 through evt-5 each evict the
	// oldest buffered event, leaving evt-4 and evt-5 queued.
	for i := 1; i <= 5; i++ {
		require.NoError(t, b.Publish(t.Context(), tokenEvent(fmt.Sprintf("evt-%d", i), "conv-1", "")))
	}

	assert.Equal(t, "evt-4", recvEvent(t, ch).ID)
	assert.Equal(t, "evt-5", recvEvent(t, ch).ID)

	// The next publish flushes the truncation marker ahead of its event.
	require.NoError(t, b.Publish(t.Context(), tokenEvent("evt-6", "conv-1", "")))

	marker := recvEvent(t, ch)
	require.Equal(t, store.EventStreamTruncated, marker.Type)
	assert.Equal(t, int64(0), marker.Seq, "markers are unsequenced")
	assert.Equal(t, int64(3), truncatedCount(marker))
	assert.Equal(t, "evt-6", recvEvent(t, ch).ID)

	// Markers are per subscriber and never ledgered.
	for _, ev := range ledger.saved() {
		assert.NotEqual(t, store.EventStreamTruncated, ev.Type)
	}
	assert.Len(t, ledger.saved(), 6)

	families, err := reg.Gather()
	require.NoError(t, err)
	var dropped float64
	for _, mf := range families {
		if mf.GetName() == "lab_gateway_bus_dropped_events_total" {
			dropped = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(3), dropped)
}

func TestTruncatedCount(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    int64
	}{
		{"valid count", `{"dropped":17}`, 17},
		{"zero count", `{"dropped":0}`, 1},
		{"malformed payload", `{dropped`, 1},
		{"empty payload", ``, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &store.Event{Type: store.EventStreamTruncated, Payload: tt.payload}
			assert.Equal(t, tt.want, truncatedCount(ev))
		})
	}
}

func TestBus_ResumeReturnsRetainedOutcome(t *testing.T) {
	b, _ := newTestBus(t, config.BusConfig{})
	ctx := t.Context()

	done := &store.Event{
		ConversationID: "conv-1",
		CorrelationID:  "corr-done",
		AgentID:        "agent-001",
		TaskID:         "task-1",
		Type:           store.EventDone,
		Text:           "the full response",
	}
	require.NoError(t, b.Publish(ctx, done))

	failed := &store.Event{
		ConversationID: "conv-1",
		CorrelationID:  "corr-failed",
		AgentID:        "agent-002",
		Type:           store.EventError,
		Text:           "backend exploded",
	}
	require.NoError(t, b.Publish(ctx, failed))

	out, err := b.Resume("corr-done")
	require.NoError(t, err)
	assert.Equal(t, "done", out.Status)
	assert.Equal(t, "the full response", out.Text)
	assert.Empty(t, out.Error)
	assert.Equal(t, "task-1", out.TaskID)

	out, err = b.Resume("corr-failed")
	require.NoError(t, err)
	assert.Equal(t, "error", out.Status)
	assert.Equal(t, "backend exploded", out.Error)
	assert.Empty(t, out.Text)

	_, err = b.Resume("corr-nonexistent")
	assert.ErrorIs(t, err, laberr.ErrTaskNotFound)
}

func TestBus_ResumeExpiresAfterTTL(t *testing.T) {
	b, _ := newTestBus(t, config.BusConfig{ResumeTTL: time.Millisecond})

	done := &store.Event{
		ConversationID: "conv-1",
		CorrelationID:  "corr-1",
		Type:           store.EventDone,
		Text:           "gone soon",
	}
	require.NoError(t, b.Publish(t.Context(), done))

	time.Sleep(20 * time.Millisecond)

	_, err := b.Resume("corr-1")
	assert.ErrorIs(t, err, laberr.ErrTaskNotFound)
}

func TestBus_HistoryReplaysLedger(t *testing.T) {
	b, _ := newTestBus(t, config.BusConfig{})
	ctx := t.Context()

	for i := range 3 {
		require.NoError(t, b.Publish(ctx, tokenEvent(fmt.Sprintf("evt-%d", i), "conv-1", "corr-1")))
	}
	require.NoError(t, b.Publish(ctx, tokenEvent("other", "conv-2", "")))

	events, err := b.History(ctx, "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "evt-0", events[0].ID)
	assert.Equal(t, "evt-2", events[2].ID)

	correlated, err := b.CorrelationHistory(ctx, "corr-1", 0)
	require.NoError(t, err)
	assert.Len(t, correlated, 3)
}

func TestBus_ContextCancellationCleansUp(t *testing.T) {
	b, _ := newTestBus(t, config.BusConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	ch, subID := b.Subscribe(ctx, "conv-1")

	b.mu.RLock()
	_, exists := b.subscribers["conv-1"][subID]
	b.mu.RUnlock()
	assert.True(t, exists, "subscription should exist before cancel")

	cancel()

	requireClosed(t, ch)

	b.mu.RLock()
	_, topicExists := b.subscribers["conv-1"]
	b.mu.RUnlock()
	assert.False(t, topicExists, "topic entry should be removed after last unsubscribe")
}

func TestBus_ManualUnsubscribe(t *testing.T) {
	b, _ := newTestBus(t, config.BusConfig{})

	ch, subID := b.Subscribe(t.Context(), "conv-1")

	b.Unsubscribe("conv-1", subID)
	requireClosed(t, ch)

	// Repeat unsubscribes and publishes to a gone subscriber are no-ops.
	b.Unsubscribe("conv-1", subID)
	require.NoError(t, b.Publish(t.Context(), tokenEvent("evt-after", "conv-1", "")))
}

func TestBus_CloseClosesAllSubscriptions(t *testing.T) {
	b, ledger := newTestBus(t, config.BusConfig{})

	ch1, _ := b.Subscribe(t.Context(), "conv-1")
	ch2, _ := b.Subscribe(t.Context(), "conv-2")

	b.Close()

	requireClosed(t, ch1)
	requireClosed(t, ch2)

	// Publishing after Close still ledgers the event.
	require.NoError(t, b.Publish(t.Context(), tokenEvent("evt-late", "conv-1", "")))
	assert.Len(t, ledger.saved(), 1)
}

func TestBus_ConcurrentPublishSubscribe(t *testing.T) {
	b, ledger := newTestBus(t, config.BusConfig{QueueDepth: 8})
	ctx := t.Context()

	var wg sync.WaitGroup

	for range 5 {
		wg.Go(func() {
			ch, _ := b.Subscribe(ctx, "conv-busy")
			for range 20 {
				select {
				case <-ch:
				case <-time.After(500 * time.Millisecond):
					return
				}
			}
		})
	}

	for p := range 5 {
		wg.Go(func() {
			corr := fmt.Sprintf("corr-%d", p)
			for range 20 {
				_ = b.Publish(ctx, tokenEvent("", "conv-busy", corr))
			}
		})
	}

	wg.Wait()

	// Every publish reached the ledger regardless of subscriber churn.
	assert.Len(t, ledger.saved(), 100)
}
