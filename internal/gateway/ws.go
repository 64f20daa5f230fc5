// ABOUTME: WebSocket endpoint that bridges bus subscriptions to client sockets
// ABOUTME: Hub tracks live connections; per-client pumps enforce write deadlines and pings

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/problab/lab-gateway/internal/bus"
	"github.com/problab/lab-gateway/internal/store"
	"github.com/problab/lab-gateway/internal/workflow"
)

const (
	// wsWriteWait is the deadline for a single socket write.
	wsWriteWait = 10 * time.Second

	// wsPongWait is how long a connection may stay silent before the read
	// side gives up on it.
	wsPongWait = 60 * time.Second

	// wsPingPeriod must be shorter than wsPongWait so pings keep the
	// connection alive.
	wsPingPeriod = (wsPongWait * 9) / 10

	// wsSendBuffer is the per-connection outbound queue depth.
	wsSendBuffer = 256

	// wsMaxMessageSize bounds inbound frames; the stream is one-way and
	// clients have nothing large to say.
	wsMaxMessageSize = 512

	// resumeHistoryLimit caps ledger replay on reconnect. It stays below the
	// send buffer so replay cannot stall the handler.
	resumeHistoryLimit = 200
)

// wsUpgrader accepts any origin: the gateway runs on a trusted lab network
// and the HTTP surface carries no authentication.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// resumeFrame wraps a retained terminal outcome so reconnecting clients can
// tell it apart from live events.
type resumeFrame struct {
	Type    string       `json:"type"`
	Outcome *bus.Outcome `json:"outcome"`
}

// wsClient is one upgraded connection. The cancel hook tears down its bus
// subscription; send is closed by the event forwarder once the subscription
// channel drains.
type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	cancel context.CancelFunc
	logger *slog.Logger
}

// Hub tracks live WebSocket connections so shutdown can close them; upgraded
// sockets are hijacked and outlive http.Server.Shutdown.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

func newHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger.With("component", "ws"),
		clients: make(map[*wsClient]struct{}),
	}
}

// add registers a client. Returns false when the hub is already closed so a
// connection racing shutdown is rejected instead of leaked.
func (h *Hub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

// remove drops a client from tracking. Unknown clients are a no-op.
func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// count returns the number of live connections.
func (h *Hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close tears down every connection. The pumps unwind on their own once the
// sockets close.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.cancel()
		_ = c.conn.Close()
	}
}

// handleWS handles GET /ws. Clients follow either a conversation
// (?conversation_id=) or an experiment's progress topic (?experiment_id=).
// A correlation_id query parameter replays the correlated task's outcome or
// ledger before the live stream starts.
func (g *Gateway) handleWS(c echo.Context) error {
	topic := c.QueryParam("conversation_id")
	if experimentID := c.QueryParam("experiment_id"); experimentID != "" {
		if topic != "" {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "conversation_id and experiment_id are mutually exclusive",
			})
		}
		topic = workflow.TopicFor(experimentID)
	}
	if topic == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "conversation_id or experiment_id is required",
		})
	}
	correlationID := c.QueryParam("correlation_id")

	ws, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	// The request context dies when this handler returns, so the
	// subscription hangs off its own context instead.
	ctx, cancel := context.WithCancel(context.Background())
	client := &wsClient{
		conn:   ws,
		send:   make(chan []byte, wsSendBuffer),
		cancel: cancel,
		logger: g.hub.logger.With("topic", topic),
	}
	if !g.hub.add(client) {
		cancel()
		_ = ws.Close()
		return nil
	}

	// Subscribe before replay so no live event falls into the gap. Replay
	// frames are enqueued first and therefore delivered first.
	events, _ := g.bus.Subscribe(ctx, topic)
	if correlationID != "" {
		g.enqueueResume(ctx, client, correlationID)
	}

	go g.forwardEvents(client, events)
	go client.writePump()
	go client.readPump(g.hub)

	client.logger.Debug("websocket client connected", "correlation_id", correlationID)
	return nil
}

// enqueueResume loads what is known about a correlated task onto the client's
// queue: the retained outcome when the bus still has it, otherwise a bounded
// ledger replay.
func (g *Gateway) enqueueResume(ctx context.Context, client *wsClient, correlationID string) {
	if out, err := g.bus.Resume(correlationID); err == nil {
		data, merr := json.Marshal(resumeFrame{Type: "resume", Outcome: out})
		if merr == nil {
			client.enqueue(data)
		}
		return
	}

	history, err := g.bus.CorrelationHistory(ctx, correlationID, resumeHistoryLimit)
	if err != nil {
		client.logger.Warn("correlation replay failed", "correlation_id", correlationID, "error", err)
		return
	}
	for _, ev := range history {
		data, merr := json.Marshal(ev)
		if merr != nil {
			continue
		}
		if !client.enqueue(data) {
			return
		}
	}
}

// enqueue offers a frame to the send queue without blocking. Returns false
// when the queue is full.
func (c *wsClient) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// forwardEvents pumps bus events into the client's send queue. A client that
// cannot keep up even with the bus's own drop-oldest buffering is torn down.
// The send channel is closed here, after the subscription channel drains, so
// the write pump always sees a clean close.
func (g *Gateway) forwardEvents(client *wsClient, events <-chan *store.Event) {
	dropping := false
	for ev := range events {
		if dropping {
			continue
		}
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if !client.enqueue(data) {
			client.logger.Warn("websocket send queue full, dropping client")
			client.cancel()
			dropping = true
		}
	}
	close(client.send)
}

// writePump drains the send queue onto the socket and keeps the connection
// alive with pings. It owns all writes.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump watches the socket for closure and pongs. The stream is one-way;
// inbound frames are discarded. Exiting cancels the bus subscription.
func (c *wsClient) readPump(h *Hub) {
	defer func() {
		h.remove(c)
		c.cancel()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}
