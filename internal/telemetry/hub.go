package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/offboard-control/fcb/internal/config"
)

// Event types published on the hub.
const (
	EventReady        = "ready"
	EventPhase        = "phase"
	EventOffboardExit = "offboardExit"
	EventSuppressed   = "suppressed"
	EventFault        = "fault"
	EventTelemetry    = "telemetry"
	EventHeartbeat    = "heartbeat"
)

// Event is one SSE frame.
type Event struct {
	ID   int64          `json:"id,omitempty"`
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// SnapshotFunc supplies the payload of the ready event sent to new subscribers.
type SnapshotFunc func() map[string]any

// Client is one SSE subscriber.
type Client struct {
	ID     string
	Writer http.ResponseWriter
	ctx    context.Context
	cancel context.CancelFunc
	LastID int64
	Events chan Event
	mu     sync.Mutex
}

// Hub fans events out to SSE subscribers and keeps a bounded replay buffer.
//
// Lock order: h.mu, then EventBuffer.mu. Client.mu guards only the writer.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	nextID   atomic.Int64
	clientSq atomic.Int64
	buffer   *EventBuffer
	snapshot SnapshotFunc
	logger   *slog.Logger

	heartbeatInterval time.Duration
	heartbeatJitter   time.Duration
	heartbeatTicker   *time.Ticker
	stopHeartbeat     chan struct{}

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// EventBuffer is a bounded FIFO of recent events.
type EventBuffer struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the logger.
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// WithSnapshot sets the ready-event payload source.
func WithSnapshot(fn SnapshotFunc) HubOption {
	return func(h *Hub) { h.snapshot = fn }
}

// NewHub creates a hub using the event settings from cfg.
func NewHub(cfg *config.Config, opts ...HubOption) *Hub {
	h := &Hub{
		clients:           make(map[string]*Client),
		buffer:            NewEventBuffer(cfg.EventBufferSize),
		logger:            slog.Default(),
		heartbeatInterval: cfg.HeartbeatInterval,
		heartbeatJitter:   cfg.HeartbeatJitter,
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetSnapshot replaces the ready-event payload source.
func (h *Hub) SetSnapshot(fn SnapshotFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshot = fn
}

// Subscribe streams events to w until ctx ends or the hub stops. A
// Last-Event-ID header replays buffered events newer than that ID.
func (h *Hub) Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientCtx, cancel := context.WithCancel(ctx)

	lastEventID := int64(0)
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			lastEventID = id
		}
	}

	client := &Client{
		ID:     fmt.Sprintf("client_%d", h.clientSq.Add(1)),
		Writer: w,
		ctx:    clientCtx,
		cancel: cancel,
		LastID: lastEventID,
		Events: make(chan Event, 100),
	}

	h.mu.Lock()
	select {
	case <-h.done:
		h.mu.Unlock()
		cancel()
		return nil
	default:
	}
	h.clients[client.ID] = client
	if h.heartbeatTicker == nil {
		h.startHeartbeat()
	}
	h.mu.Unlock()

	if err := h.sendReadyEvent(client); err != nil {
		h.unregisterClient(client.ID)
		return fmt.Errorf("send ready event: %w", err)
	}
	if lastEventID > 0 {
		for _, ev := range h.buffer.EventsAfter(lastEventID) {
			if err := h.sendEventToClient(client, ev); err != nil {
				h.unregisterClient(client.ID)
				return fmt.Errorf("replay events: %w", err)
			}
		}
	}

	h.handleClient(client)
	return nil
}

// Publish assigns the next ID, buffers the event and delivers it to every
// subscriber. Slow subscribers drop the event.
func (h *Hub) Publish(event Event) {
	if event.ID == 0 {
		event.ID = h.nextID.Add(1)
	}
	if event.Type != EventHeartbeat {
		h.buffer.Add(event)
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case <-c.ctx.Done():
		case <-h.done:
			return
		case c.Events <- event:
		default:
			h.logger.Debug("event dropped for slow client", slog.String("client", c.ID), slog.Int64("id", event.ID))
		}
	}
}

// PublishType is shorthand for Publish(Event{Type: typ, Data: data}).
func (h *Hub) PublishType(typ string, data map[string]any) {
	h.Publish(Event{Type: typ, Data: data})
}

// ClientCount returns the number of active subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Buffered returns the events currently held for replay.
func (h *Hub) Buffered() []Event {
	return h.buffer.EventsAfter(0)
}

func (h *Hub) sendReadyEvent(client *Client) error {
	h.mu.RLock()
	snap := h.snapshot
	h.mu.RUnlock()

	data := map[string]any{}
	if snap != nil {
		data = snap()
	}
	return h.sendEventToClient(client, Event{Type: EventReady, Data: data})
}

func (h *Hub) sendEventToClient(client *Client, event Event) error {
	client.mu.Lock()
	defer client.mu.Unlock()

	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	if event.ID > 0 {
		if _, err := fmt.Fprintf(client.Writer, "id: %d\n", event.ID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(client.Writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return err
	}
	if f, ok := client.Writer.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (h *Hub) handleClient(client *Client) {
	defer h.unregisterClient(client.ID)

	for {
		select {
		case <-client.ctx.Done():
			return
		case <-h.done:
			return
		case ev := <-client.Events:
			if err := h.sendEventToClient(client, ev); err != nil {
				return
			}
		}
	}
}

func (h *Hub) unregisterClient(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[id]
	if !ok {
		return
	}
	client.cancel()
	delete(h.clients, id)

	if len(h.clients) == 0 && h.heartbeatTicker != nil {
		h.heartbeatTicker.Stop()
		h.heartbeatTicker = nil
		close(h.stopHeartbeat)
		h.stopHeartbeat = nil
	}
}

// startHeartbeat must be called with h.mu held.
func (h *Hub) startHeartbeat() {
	interval := h.heartbeatInterval
	if h.heartbeatJitter > 0 {
		interval += time.Duration(rand.Int63n(int64(2*h.heartbeatJitter))) - h.heartbeatJitter
	}

	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	h.heartbeatTicker = ticker
	h.stopHeartbeat = stop

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-ticker.C:
				h.Publish(Event{
					Type: EventHeartbeat,
					Data: map[string]any{"ts": time.Now().UTC().Format(time.RFC3339)},
				})
			case <-stop:
				return
			case <-h.done:
				return
			}
		}
	}()
}

// Stop disconnects every subscriber and ends the heartbeat. Safe to call twice.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		for _, c := range h.clients {
			c.cancel()
		}
		if h.heartbeatTicker != nil {
			h.heartbeatTicker.Stop()
			h.heartbeatTicker = nil
			close(h.stopHeartbeat)
			h.stopHeartbeat = nil
		}
		h.mu.Unlock()

		h.wg.Wait()
	})
}

// NewEventBuffer creates a buffer holding at most capacity events.
func NewEventBuffer(capacity int) *EventBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &EventBuffer{events: make([]Event, 0, capacity), capacity: capacity}
}

// Add appends event, evicting the oldest when full.
func (b *EventBuffer) Add(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	if len(b.events) > b.capacity {
		b.events = b.events[len(b.events)-b.capacity:]
	}
}

// EventsAfter returns buffered events with ID greater than lastID.
func (b *EventBuffer) EventsAfter(lastID int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, ev := range b.events {
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// Capacity returns the configured maximum.
func (b *EventBuffer) Capacity() int { return b.capacity }

// Len returns the number of buffered events.
func (b *EventBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}
