package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/ashureev/pulseid/internal/identity"
	"github.com/coder/websocket"
)

// SnapshotFunc returns the full current view of a session, sent to a tab
// when it attaches.
type SnapshotFunc func(sessionID string) any

// Handler upgrades /ws/session requests and attaches them to the hub.
type Handler struct {
	hub           *Hub
	snapshot      SnapshotFunc
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a WebSocket handler.
func NewHandler(hub *Hub, snapshot SnapshotFunc, allowedOrigin string, isDev bool) *Handler {
	return &Handler{
		hub:           hub,
		snapshot:      snapshot,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

type wsMessage struct {
	Type string `json:"type"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	tabID := identity.TabIDFromContext(r.Context())
	if sessionID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	sub := h.hub.register(sessionID, tabID, ws)
	defer h.hub.unregister(sessionID, tabID, sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if h.snapshot != nil {
		if err := writeJSON(ctx, ws, map[string]any{"type": "snapshot", "session": h.snapshot(sessionID)}); err != nil {
			slog.Debug("Failed to send snapshot", "error", err, "session_id", sessionID)
			return
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cancel()
		h.readLoop(ctx, ws, sub, sessionID)
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		writeLoop(ctx, ws, sub, sessionID)
	}()

	wg.Wait()
	slog.Info("Session stream ended", "session_id", sessionID, "tab_id", tabID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, sub *subscriber, sessionID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "session_id", sessionID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			select {
			case sub.out <- []byte(`{"type":"pong"}`):
			default:
			}
		}
	}
}

func writeLoop(ctx context.Context, ws *websocket.Conn, sub *subscriber, sessionID string) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-sub.out:
			if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
				if ctx.Err() == nil {
					slog.Debug("WebSocket write error", "error", err, "session_id", sessionID)
				}
				return
			}
		}
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
