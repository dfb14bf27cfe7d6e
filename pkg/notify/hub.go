package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/selfheal/selfheal/pkg/telemetry"
)

const defaultWriteTimeout = 5 * time.Second

// observer is one websocket connection. Writes are serialized because a
// websocket connection does not support concurrent writers.
type observer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (o *observer) write(ctx context.Context, data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conn.Write(ctx, websocket.MessageText, data)
}

// Hub tracks websocket observers and broadcasts messages to them.
type Hub struct {
	mu             sync.Mutex
	observers      map[*observer]struct{}
	originPatterns []string
	writeTimeout   time.Duration
	logger         zerolog.Logger
}

// NewHub creates an observer hub. With no origin patterns any origin is
// accepted.
func NewHub(logger zerolog.Logger, originPatterns ...string) *Hub {
	return &Hub{
		observers:      make(map[*observer]struct{}),
		originPatterns: originPatterns,
		writeTimeout:   defaultWriteTimeout,
		logger:         logger.With().Str("component", "observer-hub").Logger(),
	}
}

// ServeHTTP upgrades the request and keeps the observer registered until
// the connection ends. A "ping" text message is answered with "pong".
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{OriginPatterns: h.originPatterns}
	if len(h.originPatterns) == 0 {
		opts.InsecureSkipVerify = true
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Websocket accept failed")
		return
	}

	o := &observer{conn: conn}
	h.add(o)
	defer h.remove(o, websocket.StatusNormalClosure, "")

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if string(data) == "ping" {
			wctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err := o.write(wctx, []byte("pong"))
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) add(o *observer) {
	h.mu.Lock()
	h.observers[o] = struct{}{}
	n := len(h.observers)
	h.mu.Unlock()

	h.logger.Debug().Int("observers", n).Msg("Observer connected")
}

func (h *Hub) remove(o *observer, code websocket.StatusCode, reason string) {
	h.mu.Lock()
	_, ok := h.observers[o]
	delete(h.observers, o)
	h.mu.Unlock()

	if ok {
		_ = o.conn.Close(code, reason)
	}
}

// Count returns the number of connected observers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Broadcast sends v as JSON to every observer. Observers that fail to
// receive it within the write timeout are dropped.
func (h *Hub) Broadcast(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast: %w", err)
	}

	h.mu.Lock()
	targets := make([]*observer, 0, len(h.observers))
	for o := range h.observers {
		targets = append(targets, o)
	}
	h.mu.Unlock()

	for _, o := range targets {
		wctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
		err := o.write(wctx, data)
		cancel()
		if err != nil {
			h.logger.Debug().Err(err).Msg("Dropping observer after failed write")
			h.remove(o, websocket.StatusGoingAway, "write failed")
		}
	}

	return nil
}

// Notify implements Notifier.
func (h *Hub) Notify(ctx context.Context, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return h.Broadcast(ctx, msg)
}

// ForwardEvent broadcasts a pipeline event. It matches
// telemetry.EventSubscriber so the hub can subscribe to the event bus.
func (h *Hub) ForwardEvent(event telemetry.Event) {
	_ = h.Notify(context.Background(), Message{
		Type:           TypePipelineEvent,
		IssueID:        event.IssueID,
		WorkflowID:     event.WorkflowID,
		Timestamp:      event.Timestamp,
		Event:          event,
		WorkflowStatus: statusOf(event),
	})
}

func statusOf(event telemetry.Event) string {
	if s, ok := event.Data["status"].(string); ok {
		return s
	}
	return ""
}

// Close disconnects every observer.
func (h *Hub) Close() {
	h.mu.Lock()
	targets := make([]*observer, 0, len(h.observers))
	for o := range h.observers {
		targets = append(targets, o)
	}
	h.mu.Unlock()

	for _, o := range targets {
		h.remove(o, websocket.StatusGoingAway, "server shutting down")
	}
}
