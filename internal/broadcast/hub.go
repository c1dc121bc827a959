// Package broadcast fans out log events to live observers.
//
// Every subscriber owns a bounded queue drained by a dedicated writer
// goroutine, so a slow connection never blocks a publisher. When a queue is
// full the oldest undelivered event for that subscriber is discarded. A
// subscriber is only removed when a send fails; the WebSocket write deadline
// turns a stuck connection into a failed send.
//
// Publish enqueues into all queues while holding the hub lock: a subscriber
// that registers concurrently with a publish either sees the whole event or
// none of it, and events reach every subscriber in the same order. A
// subscriber added while a publish is in flight does not receive that event.
package broadcast

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tendant/simple-ocr/pkg/schema"
)

// Conn is the transport of one subscriber. Send is only ever called from the
// subscriber's writer goroutine.
type Conn interface {
	Send(ev schema.LogEvent) error
	Close() error
}

// Handle identifies a subscriber for the lifetime of the process.
type Handle uint64

// Metrics receives hub bookkeeping. All methods must be safe for concurrent use.
type Metrics interface {
	SetSubscribers(n int)
	EventPublished()
	EventDropped()
}

type noopMetrics struct{}

func (noopMetrics) SetSubscribers(int) {}
func (noopMetrics) EventPublished()    {}
func (noopMetrics) EventDropped()      {}

type subscriber struct {
	id    Handle
	conn  Conn
	queue chan schema.LogEvent
	done  chan struct{}
}

// Hub is the in-memory publish/subscribe hub.
type Hub struct {
	logger       *slog.Logger
	metrics      Metrics
	buffer       int
	writeTimeout time.Duration
	now          func() time.Time

	mu     sync.Mutex
	subs   map[Handle]*subscriber
	nextID Handle
	closed bool
}

type Option func(*Hub)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(h *Hub) {
		if m != nil {
			h.metrics = m
		}
	}
}

// WithBuffer sets how many undelivered events a subscriber may lag behind
// before its oldest events are discarded.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithWriteTimeout bounds a single WebSocket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		logger:       slog.Default(),
		metrics:      noopMetrics{},
		buffer:       64,
		writeTimeout: 10 * time.Second,
		now:          time.Now,
		subs:         make(map[Handle]*subscriber),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers conn and announces the new observer to everyone,
// including the new observer itself. After Close, conn is closed right away
// and the zero Handle is returned.
func (h *Hub) Subscribe(conn Conn) Handle {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		if err := conn.Close(); err != nil {
			h.logger.Debug("close rejected subscriber connection", "err", err)
		}
		return 0
	}
	h.nextID++
	sub := &subscriber{
		id:    h.nextID,
		conn:  conn,
		queue: make(chan schema.LogEvent, h.buffer),
		done:  make(chan struct{}),
	}
	h.subs[sub.id] = sub
	n := len(h.subs)
	h.mu.Unlock()

	h.metrics.SetSubscribers(n)
	go h.writeLoop(sub)
	h.logger.Debug("subscriber connected", "subscriber", sub.id, "subscribers", n)

	h.Publish("New client connected", schema.SourceSystem)
	return sub.id
}

// Unsubscribe removes a subscriber and closes its connection. Unknown or
// already removed handles are ignored.
func (h *Hub) Unsubscribe(id Handle) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	n := len(h.subs)
	h.mu.Unlock()

	if !ok {
		return
	}
	h.metrics.SetSubscribers(n)
	h.release(sub)
	h.logger.Debug("subscriber removed", "subscriber", id, "subscribers", n)
}

// Publish delivers an event stamped with the current time to every
// registered subscriber. It never blocks on a subscriber and never fails.
func (h *Hub) Publish(message string, source schema.LogSource) {
	if !source.Valid() {
		source = schema.SourceBackend
	}
	ev := schema.LogEvent{Timestamp: h.now(), Message: message, Source: source}

	var lagging []Handle
	h.mu.Lock()
	for id, sub := range h.subs {
		if !sub.enqueue(ev) {
			lagging = append(lagging, id)
		}
	}
	h.mu.Unlock()

	h.metrics.EventPublished()
	for _, id := range lagging {
		h.metrics.EventDropped()
		h.logger.Debug("subscriber lagging, discarded oldest event", "subscriber", id)
	}
}

// enqueue adds ev to the queue, discarding the oldest queued event when the
// queue is full. It reports false when an event was discarded. Callers hold
// the hub lock, so the writer goroutine is the only concurrent receiver.
func (s *subscriber) enqueue(ev schema.LogEvent) bool {
	select {
	case s.queue <- ev:
		return true
	default:
	}
	select {
	case <-s.queue:
	default:
	}
	select {
	case s.queue <- ev:
	default:
	}
	return false
}

// Len returns the number of registered subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close removes every subscriber. Later subscriptions are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := h.subs
	h.subs = make(map[Handle]*subscriber)
	h.mu.Unlock()

	for _, sub := range subs {
		h.release(sub)
	}
	h.metrics.SetSubscribers(0)
}

func (h *Hub) release(sub *subscriber) {
	close(sub.done)
	if err := sub.conn.Close(); err != nil {
		h.logger.Debug("close subscriber connection", "subscriber", sub.id, "err", err)
	}
}

func (h *Hub) writeLoop(sub *subscriber) {
	for {
		select {
		case <-sub.done:
			return
		case ev := <-sub.queue:
			if err := sub.conn.Send(ev); err != nil {
				h.logger.Debug("send failed, removing subscriber", "subscriber", sub.id, "err", err)
				h.metrics.EventDropped()
				h.Unsubscribe(sub.id)
				return
			}
		}
	}
}
