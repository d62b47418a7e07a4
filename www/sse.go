package www

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"pickedge/engine"
)

// SSEEvent is the typed envelope sent to SSE clients.
type SSEEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type sseClient struct {
	events chan SSEEvent
	only   map[string]bool // nil means every type
}

func (c *sseClient) wants(t string) bool {
	return c.only == nil || c.only[t]
}

// EventHub fans engine events out to the picking UI over SSE. A new client
// first receives the current stats so it can render the sync badge at once.
type EventHub struct {
	mu        sync.RWMutex
	clients   map[*sseClient]struct{}
	broadcast chan SSEEvent
	stopChan  chan struct{}
	stopOnce  sync.Once
	stats     func(ctx context.Context) (engine.Stats, error)
}

// NewEventHub creates a new EventHub.
func NewEventHub() *EventHub {
	return &EventHub{
		clients:   make(map[*sseClient]struct{}),
		broadcast: make(chan SSEEvent, 256),
		stopChan:  make(chan struct{}),
	}
}

// Start begins the event fan-out loop.
func (h *EventHub) Start() {
	go h.run()
}

// Stop shuts down the event hub and ends every open stream.
func (h *EventHub) Stop() {
	h.stopOnce.Do(func() { close(h.stopChan) })
}

// Broadcast queues an event for every connected client. Events are dropped
// when the buffer is full.
func (h *EventHub) Broadcast(evt SSEEvent) {
	select {
	case h.broadcast <- evt:
	default:
	}
}

func (h *EventHub) register(c *sseClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *EventHub) unregister(c *sseClient) {
	h.mu.Lock()
	delete(h.clients, c)
	close(c.events)
	h.mu.Unlock()
}

func (h *EventHub) run() {
	for {
		select {
		case <-h.stopChan:
			return
		case evt := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(evt.Type) {
					continue
				}
				select {
				case c.events <- evt:
				default:
					// slow client
				}
			}
			h.mu.RUnlock()
		}
	}
}

// HandleSSE streams events. ?types=pick-confirmed,outbox-stuck limits the stream.
func (h *EventHub) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := &sseClient{events: make(chan SSEEvent, 64)}
	if q := r.URL.Query().Get("types"); q != "" {
		client.only = make(map[string]bool)
		for _, t := range strings.Split(q, ",") {
			client.only[strings.TrimSpace(t)] = true
		}
	}
	h.register(client)
	defer h.unregister(client)

	write := func(evt SSEEvent) {
		data, err := json.Marshal(evt.Data)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
		flusher.Flush()
	}

	write(SSEEvent{Type: "connected", Data: struct{}{}})
	if h.stats != nil && client.wants("stats") {
		if s, err := h.stats(r.Context()); err == nil {
			write(SSEEvent{Type: "stats", Data: s})
		}
	}

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.stopChan:
			return
		case evt, ok := <-client.events:
			if !ok {
				return
			}
			write(evt)
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// sseType names the stream event for an engine event, "" for ones the UI ignores.
func sseType(t engine.EventType) string {
	switch t {
	case engine.EventSnapshotSaved, engine.EventSnapshotInvalidated, engine.EventBatchInvalidated:
		return "cache-update"
	case engine.EventPickConfirmed:
		return "pick-confirmed"
	case engine.EventEntryDelivered, engine.EventEntryFailed, engine.EventOutboxCleaned:
		return "outbox-update"
	case engine.EventEntryStuck:
		// still retried at the capped backoff
		return "outbox-stuck"
	case engine.EventStoreCleared:
		return "store-cleared"
	}
	return ""
}

// SetupEngineListeners wires engine events to SSE broadcasts.
func (h *EventHub) SetupEngineListeners(eng *engine.Engine) {
	h.stats = eng.Stats
	eng.Events.Subscribe(func(evt engine.Event) {
		t := sseType(evt.Type)
		if t == "" {
			return
		}
		data := evt.Payload
		if data == nil {
			data = struct{}{}
		}
		h.Broadcast(SSEEvent{Type: t, Data: data})
	})

	log.Printf("sse: listeners wired to engine events")
}
