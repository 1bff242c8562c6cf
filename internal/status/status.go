// SPDX-FileCopyrightText: 2026 staff-monitoring contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package status exposes a small local diagnostic surface: a health probe,
// a JSON snapshot of the session manager, and a WebSocket stream of
// lifecycle events. It is observational only and has no control surface.
package status

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mehran-mrn/staff-monitoring/internal/session"
)

type eventRecord struct {
	Event     string    `json:"event"`
	Attempt   int       `json:"attempt,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler serves the diagnostic endpoints and fans lifecycle events out to
// connected WebSocket subscribers.
type Handler struct {
	snapshot func() session.Snapshot
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*websocket.Conn]struct{}
}

func NewHandler(snapshot func() session.Snapshot) *Handler {
	return &Handler{
		snapshot: snapshot,
		logger:   slog.With("component", "status"),
		upgrader: websocket.Upgrader{
			// The status server binds locally; any origin that can reach
			// it is already on the machine.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subs: make(map[*websocket.Conn]struct{}),
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/status", h.handleStatus)
	mux.HandleFunc("/events", h.handleEvents)
}

// Publish forwards one lifecycle note to every connected subscriber.
// Subscribers that cannot keep up are dropped.
func (h *Handler) Publish(note session.Note) {
	rec := eventRecord{
		Event:     note.Kind.String(),
		Attempt:   note.Attempt,
		Timestamp: time.Now().UTC(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.subs {
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
		if err := conn.WriteJSON(rec); err != nil {
			h.logger.Debug("dropping status subscriber", "error", err)
			conn.Close() //nolint:errcheck
			delete(h.subs, conn)
		}
	}
}

// Close disconnects all subscribers.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.subs {
		conn.Close() //nolint:errcheck
		delete(h.subs, conn)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok")) //nolint:errcheck
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.snapshot()); err != nil {
		h.logger.Warn("failed to encode status", "error", err)
	}
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	h.subs[conn] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("status subscriber connected", "remote", r.RemoteAddr)

	// Reader loop only to detect disconnect; subscribers never send.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.mu.Lock()
				delete(h.subs, conn)
				h.mu.Unlock()
				conn.Close() //nolint:errcheck
				return
			}
		}
	}()
}
