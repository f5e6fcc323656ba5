// Package stream fans live run-script output out to subscribed clients.
package stream

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event types.
const (
	EventOutput = "output"
	EventEnd    = "end"
)

// backlog is how many events may wait for delivery before new ones are dropped.
const backlog = 256

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Event is one message delivered to subscribers.
type Event struct {
	Type     string    `json:"type"`
	WebtopID string    `json:"webtop_id"`
	RunID    string    `json:"run_id"`
	Data     string    `json:"data,omitempty"`
	Time     time.Time `json:"time"`
}

type message struct {
	identity string
	payload  []byte
}

// Hub manages subscriptions by workload identity. Publishing never blocks:
// when subscribers fall behind, events are dropped.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[Subscriber]struct{}

	broadcast chan message
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	dropped   atomic.Int64
	logger    *slog.Logger
}

// NewHub creates a hub and starts its delivery goroutine.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		broadcast: make(chan message, backlog),
		done:      make(chan struct{}),
		logger:    logger.With("component", "stream_hub"),
	}
	h.wg.Add(1)
	go h.run()
	return h
}

func (h *Hub) run() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg message) {
	h.mu.RLock()
	subs := make([]Subscriber, 0, len(h.clients[msg.identity]))
	for c := range h.clients[msg.identity] {
		subs = append(subs, c)
	}
	h.mu.RUnlock()

	for _, c := range subs {
		if err := c.Send(msg.payload); err != nil {
			h.Unregister(msg.identity, c)
			c.Close()
		}
	}
}

// Register adds a client to an identity's stream.
func (h *Hub) Register(identity string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[identity]; !ok {
		h.clients[identity] = make(map[Subscriber]struct{})
	}
	h.clients[identity][client] = struct{}{}
}

// Unregister removes a client. Unknown clients are ignored.
func (h *Hub) Unregister(identity string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.clients[identity]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, identity)
		}
	}
}

// Subscribers returns the number of clients following identity.
func (h *Hub) Subscribers(identity string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[identity])
}

// Publish queues an event for identity's subscribers.
func (h *Hub) Publish(ev Event) {
	if h.Subscribers(ev.WebtopID) == 0 {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("failed to marshal stream event", "error", err)
		return
	}
	select {
	case <-h.done:
	case h.broadcast <- message{identity: ev.WebtopID, payload: payload}:
	default:
		if n := h.dropped.Add(1); n == 1 || n%100 == 0 {
			h.logger.Warn("stream backlog full, dropping output", "webtop_id", ev.WebtopID, "dropped_total", n)
		}
	}
}

// Dropped returns how many events were discarded because the backlog was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close stops delivery and disconnects every subscriber.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		h.mu.Lock()
		defer h.mu.Unlock()
		for id, clients := range h.clients {
			for c := range clients {
				c.Close()
			}
			delete(h.clients, id)
		}
	})
}

// =============================================================================
// Run Writer
// =============================================================================

// Writer returns a writer that publishes a run's output as events.
// Closing it publishes the end event.
func (h *Hub) Writer(identity, runID string) *RunWriter {
	return &RunWriter{hub: h, identity: identity, runID: runID}
}

// RunWriter publishes everything written to it for one run.
type RunWriter struct {
	hub      *Hub
	identity string
	runID    string
}

func (w *RunWriter) Write(p []byte) (int, error) {
	w.hub.Publish(Event{
		Type:     EventOutput,
		WebtopID: w.identity,
		RunID:    w.runID,
		Data:     string(p),
		Time:     time.Now().UTC(),
	})
	return len(p), nil
}

func (w *RunWriter) Close() error {
	w.hub.Publish(Event{
		Type:     EventEnd,
		WebtopID: w.identity,
		RunID:    w.runID,
		Time:     time.Now().UTC(),
	})
	return nil
}
