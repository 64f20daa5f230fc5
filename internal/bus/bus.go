// ABOUTME: In-memory pub/sub bus that appends every event to the ledger before fan-out
// ABOUTME: Bounded subscriber queues drop oldest events and surface stream_truncated markers

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/problab/lab-gateway/internal/config"
	"github.com/problab/lab-gateway/internal/laberr"
	"github.com/problab/lab-gateway/internal/metrics"
	"github.com/problab/lab-gateway/internal/store"
)

const (
	// defaultQueueDepth is the per-subscriber queue size used when the
	// config leaves bus.queue_depth unset.
	defaultQueueDepth = 64

	// defaultResumeCacheSize bounds how many terminal outcomes are retained
	// for reconnecting clients.
	defaultResumeCacheSize = 512

	// defaultResumeTTL is how long a retained outcome stays resumable.
	defaultResumeTTL = 10 * time.Minute
)

// EventStore is the slice of the persistence layer the bus uses for the
// event ledger.
type EventStore interface {
	SaveEvent(ctx context.Context, event *store.Event) error
	ListEventsByConversation(ctx context.Context, conversationID string, limit int) ([]*store.Event, error)
	ListEventsByCorrelation(ctx context.Context, correlationID string, limit int) ([]*store.Event, error)
}

// TruncationPayload is the JSON payload carried by stream_truncated events.
type TruncationPayload struct {
	Dropped int64 `json:"dropped"`
}

// Outcome is the terminal result of a correlated task, retained after the
// live stream ends so reconnecting clients can pick it up without replaying
// the full ledger.
type Outcome struct {
	CorrelationID  string    `json:"correlation_id"`
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id,omitempty"`
	TaskID         string    `json:"task_id,omitempty"`
	Status         string    `json:"status"`
	Text           string    `json:"text,omitempty"`
	Error          string    `json:"error,omitempty"`
	FinishedAt     time.Time `json:"finished_at"`
}

// subscriber is one bounded event queue. mu serializes deliveries against
// close so a send never hits a closed channel.
type subscriber struct {
	id    string
	topic string
	ch    chan *store.Event

	mu      sync.Mutex
	closed  bool
	pending int64 // dropped events not yet reported via a stream_truncated marker
}

// shut closes the channel once, synchronized with in-flight deliveries.
func (s *subscriber) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Bus fans events out to topic subscribers after appending them to the
// ledger. Topics are conversation IDs; workflow progress rides the synthetic
// "workflow:<experiment_id>" topic, which is just another conversation key.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*subscriber // topic -> subID -> subscriber
	seq         map[string]int64                  // correlation (or conversation) -> last assigned seq

	store      EventStore
	resume     *lru.Cache[string, *Outcome]
	resumeTTL  time.Duration
	queueDepth int
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New creates a bus backed by st for ledger writes and history replay.
// Zero config values fall back to defaults. Pass nil metrics to disable
// instrumentation and nil logger for slog.Default().
func New(st EventStore, cfg config.BusConfig, m *metrics.Metrics, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	size := cfg.ResumeCacheSize
	if size <= 0 {
		size = defaultResumeCacheSize
	}
	ttl := cfg.ResumeTTL
	if ttl <= 0 {
		ttl = defaultResumeTTL
	}
	// lru.New only errors on a non-positive size, which is guarded above.
	cache, _ := lru.New[string, *Outcome](size)

	return &Bus{
		subscribers: make(map[string]map[string]*subscriber),
		seq:         make(map[string]int64),
		store:       st,
		resume:      cache,
		resumeTTL:   ttl,
		queueDepth:  depth,
		metrics:     m,
		logger:      logger.With("component", "bus"),
	}
}

// Subscribe registers a subscriber for events on the given topic. Returns a
// channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *store.Event, string) {
	sub := &subscriber{
		id:    uuid.New().String(),
		topic: topic,
		ch:    make(chan *store.Event, b.queueDepth),
	}

	b.mu.Lock()
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]*subscriber)
	}
	b.subscribers[topic][sub.id] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "topic", topic, "sub_id", sub.id)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(topic, sub.id)
	}()

	return sub.ch, sub.id
}

// Publish assigns identity and sequence to ev, appends it to the ledger, and
// fans it out to every subscriber of ev.ConversationID. Ledger failures are
// logged and do not interrupt fan-out; Publish returns an error only when the
// event is malformed.
//
// Sequence numbers count up per correlation ID, falling back to the
// conversation ID for uncorrelated events. Terminal done and error events
// retire their correlation's counter and retain an Outcome for Resume.
func (b *Bus) Publish(ctx context.Context, ev *store.Event) error {
	if ev == nil {
		return fmt.Errorf("event is required")
	}
	if ev.ConversationID == "" {
		return fmt.Errorf("event conversation_id is required")
	}
	if ev.Type == "" {
		return fmt.Errorf("event type is required")
	}

	b.mu.Lock()
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	seqKey := ev.CorrelationID
	if seqKey == "" {
		seqKey = ev.ConversationID
	}
	b.seq[seqKey]++
	ev.Seq = b.seq[seqKey]
	terminal := ev.Type == store.EventDone || ev.Type == store.EventError
	if terminal && ev.CorrelationID != "" {
		delete(b.seq, seqKey)
	}
	b.mu.Unlock()

	// Ledger first so history replay never misses a delivered event.
	if err := b.store.SaveEvent(ctx, ev); err != nil {
		b.logger.Error("ledger append failed",
			"event_id", ev.ID,
			"conversation_id", ev.ConversationID,
			"type", ev.Type,
			"error", err)
	}

	if terminal && ev.CorrelationID != "" {
		b.retain(ev)
	}

	b.mu.RLock()
	subs := b.subscribers[ev.ConversationID]
	targets := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		b.deliver(sub, ev)
	}
	return nil
}

// retain stores the terminal outcome for later Resume lookups.
func (b *Bus) retain(ev *store.Event) {
	if b.resume == nil {
		return
	}
	out := &Outcome{
		CorrelationID:  ev.CorrelationID,
		ConversationID: ev.ConversationID,
		AgentID:        ev.AgentID,
		TaskID:         ev.TaskID,
		Status:         string(ev.Type),
		FinishedAt:     ev.Timestamp,
	}
	if ev.Type == store.EventError {
		out.Error = ev.Text
	} else {
		out.Text = ev.Text
	}
	b.resume.Add(ev.CorrelationID, out)
}

// deliver enqueues ev for one subscriber, evicting the oldest buffered
// events when the queue is full. Evictions accumulate per subscriber and are
// reported in-band as a stream_truncated event once the queue has room. The
// reported count stays exact even when a buffered marker is itself evicted.
func (b *Bus) deliver(sub *subscriber, ev *store.Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}

	if sub.pending > 0 {
		select {
		case sub.ch <- b.truncationEvent(ev.ConversationID, sub.pending):
			sub.pending = 0
		default:
			// No room yet; the count keeps accumulating below.
		}
	}

	for {
		select {
		case sub.ch <- ev:
			return
		default:
		}

		select {
		case old := <-sub.ch:
			if old.Type == store.EventStreamTruncated {
				// Fold the evicted marker's count back into pending.
				sub.pending += truncatedCount(old)
				continue
			}
			sub.pending++
			b.metrics.IncDroppedEvent()
			b.logger.Debug("dropped event for slow subscriber",
				"topic", sub.topic,
				"sub_id", sub.id,
				"event_id", old.ID)
		default:
			// Consumer drained the queue between selects; retry the send.
		}
	}
}

// truncationEvent builds the synthetic marker for dropped events. Markers
// are per subscriber and never ledgered, so they carry no sequence number.
func (b *Bus) truncationEvent(conversationID string, dropped int64) *store.Event {
	payload, _ := json.Marshal(TruncationPayload{Dropped: dropped})
	return &store.Event{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Type:           store.EventStreamTruncated,
		Payload:        string(payload),
		Timestamp:      time.Now().UTC(),
	}
}

// truncatedCount reads the dropped count out of a marker event. Markers
// always carry a count; a missing one still represents at least one drop.
func truncatedCount(ev *store.Event) int64 {
	var p TruncationPayload
	if err := json.Unmarshal([]byte(ev.Payload), &p); err != nil || p.Dropped < 1 {
		return 1
	}
	return p.Dropped
}

// Resume returns the retained outcome for a correlation ID. Outcomes are
// kept for the configured TTL after the terminal event; expired or unknown
// IDs return ErrTaskNotFound and the caller falls back to ledger replay.
func (b *Bus) Resume(correlationID string) (*Outcome, error) {
	if b.resume != nil {
		if out, ok := b.resume.Get(correlationID); ok {
			if time.Since(out.FinishedAt) < b.resumeTTL {
				return out, nil
			}
			// Expired. Evict so the LRU bookkeeping stays clean.
			b.resume.Remove(correlationID)
		}
	}
	return nil, fmt.Errorf("%w: correlation %q", laberr.ErrTaskNotFound, correlationID)
}

// History returns the ledger for a conversation, oldest first, up to limit.
func (b *Bus) History(ctx context.Context, conversationID string, limit int) ([]*store.Event, error) {
	return b.store.ListEventsByConversation(ctx, conversationID, limit)
}

// CorrelationHistory returns the ledger for a single correlated task, oldest
// first, up to limit. Used for catch-up replay when a client reconnects.
func (b *Bus) CorrelationHistory(ctx context.Context, correlationID string, limit int) ([]*store.Event, error) {
	return b.store.ListEventsByCorrelation(ctx, correlationID, limit)
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(topic, subID string) {
	b.mu.Lock()
	subs, ok := b.subscribers[topic]
	if !ok {
		b.mu.Unlock()
		return
	}
	sub, exists := subs[subID]
	if !exists {
		b.mu.Unlock()
		return
	}
	delete(subs, subID)

	// Clean up empty topic entries
	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}
	b.mu.Unlock()

	sub.shut()

	b.logger.Debug("subscriber removed", "topic", topic, "sub_id", subID)
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	var all []*subscriber
	for topic, subs := range b.subscribers {
		for subID, sub := range subs {
			all = append(all, sub)
			delete(subs, subID)
		}
		delete(b.subscribers, topic)
	}
	b.mu.Unlock()

	for _, sub := range all {
		sub.shut()
	}

	b.logger.Debug("bus closed")
}
