package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event types pushed to streaming clients
const (
	EventUpdate = "update"
	EventRun    = "run"
)

// Event is pushed to SSE and WebSocket clients
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub fans events out to connected clients. Slow clients are dropped.
type Hub struct {
	clients    map[chan Event]bool
	broadcast  chan Event
	register   chan chan Event
	unregister chan chan Event
	mu         sync.RWMutex
}

// NewHub creates a new hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[chan Event]bool),
		broadcast:  make(chan Event, 64),
		register:   make(chan chan Event),
		unregister: make(chan chan Event),
	}
}

// Run dispatches events until ctx is done
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client <- event:
				default:
					close(client)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues an event for all clients. It never blocks the caller;
// events are dropped when the queue is full.
func (h *Hub) Broadcast(event Event) {
	select {
	case h.broadcast <- event:
	default:
	}
}

// BroadcastWait queues an event, waiting up to timeout for queue space.
// It reports whether the event was queued.
func (h *Hub) BroadcastWait(event Event, timeout time.Duration) bool {
	select {
	case h.broadcast <- event:
		return true
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case h.broadcast <- event:
		return true
	case <-t.C:
		return false
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) subscribe(ctx context.Context) (chan Event, bool) {
	client := make(chan Event, 16)
	select {
	case h.register <- client:
		return client, true
	case <-ctx.Done():
		return nil, false
	}
}

func (h *Hub) unsubscribe(client chan Event) {
	// the hub may already have stopped; don't block forever
	select {
	case h.unregister <- client:
	case <-time.After(time.Second):
	}
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}

		// Set SSE headers
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		client, ok := s.hub.subscribe(r.Context())
		if !ok {
			return
		}
		defer s.hub.unsubscribe(client)

		// Current state first so clients don't wait for the next change
		writeSSE(w, Event{Type: EventUpdate, Data: s.statusToResponse(s.runs.Status())})
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case event, ok := <-client:
				if !ok {
					return
				}
				writeSSE(w, event)
				flusher.Flush()
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, event Event) {
	data, _ := json.Marshal(event)
	fmt.Fprintf(w, "event: %s\n", event.Type)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func (s *Server) wsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Debug("websocket upgrade failed", "err", err)
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		client, ok := s.hub.subscribe(ctx)
		if !ok {
			return
		}
		defer s.hub.unsubscribe(client)

		// Reader: only used to notice the peer going away
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						s.logger.Debug("websocket read error", "err", err)
					}
					return
				}
			}
		}()

		if err := s.writeWS(conn, Event{Type: EventUpdate, Data: s.statusToResponse(s.runs.Status())}); err != nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-client:
				if !ok {
					conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
					return
				}
				if err := s.writeWS(conn, event); err != nil {
					return
				}
			}
		}
	}
}

func (s *Server) writeWS(conn *websocket.Conn, event Event) error {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetWriteDeadline(time.Time{})
	return conn.WriteJSON(event)
}
