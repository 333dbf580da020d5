package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/websocket"
)

// realtimeHub fans scheduler events out to connected operator UIs.
type realtimeHub struct {
	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	logger *log.Logger
}

func newRealtimeHub(logger *log.Logger) *realtimeHub {
	if logger == nil {
		logger = log.Default()
	}
	return &realtimeHub{
		conns:  make(map[*websocket.Conn]struct{}),
		logger: logger,
	}
}

func (h *realtimeHub) add(c *websocket.Conn) {
	if h == nil || c == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

func (h *realtimeHub) remove(c *websocket.Conn) {
	if h == nil || c == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
}

type realtimeEvent struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
	At      string         `json:"at"`
}

func (h *realtimeHub) broadcast(event string, payload map[string]any) {
	if h == nil {
		return
	}
	msg, err := json.Marshal(realtimeEvent{
		Event:   event,
		Payload: payload,
		At:      time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if _, err := c.Write(msg); err != nil {
			h.remove(c)
			_ = c.Close()
		}
	}
}

func (h *realtimeHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		_ = c.Close()
	}
	h.conns = make(map[*websocket.Conn]struct{})
}

// EventsWebSocket upgrades the connection and holds it until the client hangs
// up. Events flow server to client only.
func (h *Handler) EventsWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.Handler(func(c *websocket.Conn) {
		h.rt.add(c)
		defer h.rt.remove(c)
		h.logger.Printf("[Realtime] client connected remote=%s", r.RemoteAddr)

		// Drain (and ignore) client frames; exit on close.
		buf := make([]byte, 256)
		for {
			if _, err := c.Read(buf); err != nil {
				return
			}
		}
	}).ServeHTTP(w, r)
}
