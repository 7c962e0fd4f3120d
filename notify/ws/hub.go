// Package ws streams outcomes to WebSocket subscribers, feeding live
// care-team dashboards. The hub is also a notify sink, so it plugs into the
// dispatcher like any other delivery collaborator.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/hupe1980/healthmesh/core"
	"github.com/hupe1980/healthmesh/logging"
)

const (
	// DefaultSubscriberBuffer is how many undelivered outcomes a slow
	// subscriber may lag behind before messages are dropped for it.
	DefaultSubscriberBuffer = 16

	// DefaultWriteTimeout bounds one frame write to one subscriber.
	DefaultWriteTimeout = 5 * time.Second
)

// HubOptions holds configuration overrides passed to NewHub().
type HubOptions struct {
	// OriginPatterns allows cross-origin upgrades; empty means same origin
	// only.
	OriginPatterns []string
	// SubscriberBuffer sizes the per-subscriber outbox.
	SubscriberBuffer int
	// WriteTimeout bounds one frame write.
	WriteTimeout time.Duration
	// Logger receives structured hub logs.
	Logger logging.Logger
}

// Hub fans outcomes out to every connected WebSocket subscriber. Slow
// subscribers drop messages rather than stall the rest; the stream is a
// live view, not a durable feed.
type Hub struct {
	origins      []string
	buffer       int
	writeTimeout time.Duration
	logger       logging.Logger

	mu     sync.Mutex
	subs   map[chan []byte]struct{}
	closed bool
}

// NewHub constructs an outcome stream hub.
func NewHub(optFns ...func(o *HubOptions)) *Hub {
	opts := HubOptions{
		SubscriberBuffer: DefaultSubscriberBuffer,
		WriteTimeout:     DefaultWriteTimeout,
		Logger:           logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.SubscriberBuffer < 1 {
		opts.SubscriberBuffer = 1
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	return &Hub{
		origins:      opts.OriginPatterns,
		buffer:       opts.SubscriberBuffer,
		writeTimeout: opts.WriteTimeout,
		logger:       opts.Logger,
		subs:         make(map[chan []byte]struct{}),
	}
}

// Name implements the notify sink contract.
func (h *Hub) Name() string { return "ws-stream" }

// Notify implements the notify sink contract. Broadcasting never fails:
// subscribers are best-effort listeners, not guaranteed recipients.
func (h *Hub) Notify(_ context.Context, out core.Outcome) error {
	h.Publish(out)
	return nil
}

// Publish broadcasts one outcome to every connected subscriber.
func (h *Hub) Publish(out core.Outcome) {
	payload, err := json.Marshal(out)
	if err != nil {
		h.logger.Error("encode outcome for stream", "outcome_id", out.ID, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for ch := range h.subs {
		select {
		case ch <- payload:
		default:
			h.logger.Debug("dropping outcome for slow subscriber", "outcome_id", out.ID)
		}
	}
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects all subscribers and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
		delete(h.subs, ch)
	}
}

// ServeHTTP upgrades the request and streams outcomes until the client
// disconnects. Subscribers are write-only; inbound frames are discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream ended")

	ch, ok := h.subscribe()
	if !ok {
		conn.Close(websocket.StatusGoingAway, "hub closed")
		return
	}
	defer h.unsubscribe(ch)

	h.logger.Info("outcome stream subscriber connected", "remote", r.RemoteAddr)

	// CloseRead discards inbound frames and cancels the context when the
	// client goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case payload, open := <-ch:
			if !open {
				return
			}
			if err := h.write(ctx, conn, payload); err != nil {
				h.logger.Debug("outcome stream write failed", "error", err)
				return
			}
		}
	}
}

func (h *Hub) subscribe() (chan []byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	ch := make(chan []byte, h.buffer)
	h.subs[ch] = struct{}{}
	return ch, true
}

func (h *Hub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, payload)
}
