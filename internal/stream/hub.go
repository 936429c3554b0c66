// Package stream pushes session events to the browser tabs attached to a
// session over WebSocket.
package stream

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ashureev/pulseid/internal/session"
	"github.com/coder/websocket"
)

const subscriberBuffer = 64

// subscriber is one attached tab. Writes happen on its own goroutine so a
// slow browser never blocks an orchestrator action.
type subscriber struct {
	conn *websocket.Conn
	out  chan []byte
}

// Hub tracks the WebSocket of every tab of every session.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[string]*subscriber
	logger *slog.Logger
}

var _ session.Publisher = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		active: make(map[string]map[string]*subscriber),
		logger: logger,
	}
}

// register adds a tab connection. A previous connection of the same tab is
// closed.
func (h *Hub) register(sessionID, tabID string, conn *websocket.Conn) *subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.active[sessionID]; !exists {
		h.active[sessionID] = make(map[string]*subscriber)
	}
	if existing, exists := h.active[sessionID][tabID]; exists && existing.conn != conn {
		_ = existing.conn.Close(websocket.StatusNormalClosure, "tab replaced")
	}

	sub := &subscriber{conn: conn, out: make(chan []byte, subscriberBuffer)}
	h.active[sessionID][tabID] = sub
	h.logger.Info("Session stream registered", "session_id", sessionID, "tab_id", tabID)
	return sub
}

// unregister removes sub if it is still the tab's current connection.
func (h *Hub) unregister(sessionID, tabID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if tabs, ok := h.active[sessionID]; ok {
		if current, exists := tabs[tabID]; exists && current == sub {
			delete(tabs, tabID)
			if len(tabs) == 0 {
				delete(h.active, sessionID)
			}
			h.logger.Info("Session stream unregistered", "session_id", sessionID, "tab_id", tabID)
		}
	}
}

// Subscribers returns the number of tabs attached to sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[sessionID])
}

// Publish implements session.Publisher. Events for a tab whose buffer is
// full are dropped; the tab can resync with GET /api/session.
func (h *Hub) Publish(sessionID string, ev session.Event) {
	h.mu.RLock()
	tabs := h.active[sessionID]
	if len(tabs) == 0 {
		h.mu.RUnlock()
		return
	}
	subs := make([]*subscriber, 0, len(tabs))
	for _, sub := range tabs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to encode session event", "session_id", sessionID, "error", err)
		return
	}

	for _, sub := range subs {
		select {
		case sub.out <- data:
		default:
			h.logger.Debug("Session stream buffer full, dropping event", "session_id", sessionID, "type", ev.Type)
		}
	}
}

// CloseSession terminates all streams of a session.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	tabs, ok := h.active[sessionID]
	if !ok {
		return
	}
	for tabID, sub := range tabs {
		_ = sub.conn.Close(websocket.StatusNormalClosure, "session closed")
		h.logger.Info("Session stream closed", "session_id", sessionID, "tab_id", tabID)
	}
	delete(h.active, sessionID)
}
