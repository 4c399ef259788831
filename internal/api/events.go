package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	intakehttp "github.com/rowanhe/intake/internal/httputil"
)

// Event types streamed to dashboard clients.
const (
	EventAdmission = "admission"
	EventUpload    = "upload"
)

// Event represents a live service outcome: a rate-limit admission decision
// or a completed upload call.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	ClientID  string    `json:"client_id"`
	Method    string    `json:"method,omitempty"`
	Path      string    `json:"path,omitempty"`
	Allowed   bool      `json:"allowed"`
	Remaining int64     `json:"remaining,omitempty"`
	FileName  string    `json:"file_name,omitempty"`
	Saved     int       `json:"saved_records,omitempty"`
	Rejected  int       `json:"rejected_records,omitempty"`
	Status    int       `json:"status"`
}

// EventBroker fan-outs live events to active subscribers.
type EventBroker struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	bufferSize  int
}

// NewEventBroker creates a new in-memory event broker.
func NewEventBroker(bufferSize int) *EventBroker {
	if bufferSize <= 0 {
		bufferSize = 64
	}

	return &EventBroker{
		subscribers: make(map[int]chan Event),
		bufferSize:  bufferSize,
	}
}

// Publish broadcasts an event to all subscribers in a non-blocking way.
func (b *EventBroker) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Drop when subscriber buffer is full to avoid blocking producers.
		}
	}
}

// Subscribe registers a subscriber channel and returns an unsubscribe function.
func (b *EventBroker) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
	}

	return ch, unsubscribe
}

// EventsHandler serves live events over WebSocket.
type EventsHandler struct {
	broker   *EventBroker
	upgrader websocket.Upgrader
}

// NewEventsHandler creates a WebSocket stream handler.
func NewEventsHandler(broker *EventBroker) *EventsHandler {
	if broker == nil {
		broker = NewEventBroker(64)
	}

	return &EventsHandler{
		broker: broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
	}
}

// ServeHTTP upgrades requests to WebSocket and streams live events.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		intakehttp.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, unsubscribe := h.broker.Subscribe()
	defer unsubscribe()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, readErr := conn.ReadMessage(); readErr != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if writeErr := conn.WriteJSON(event); writeErr != nil {
				return
			}
		case <-pingTicker.C:
			if pingErr := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); pingErr != nil {
				return
			}
		case <-readDone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
