/*
 * Copyright 2024 The MedRelay Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package notify pushes channel state changes to connected dashboards over
// WebSocket. Register the hub's Emit with the engine's OnStateChange.
package notify

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/medrelay/medrelay/api/types"
	"github.com/medrelay/medrelay/utils/json"
)

const (
	writeWait     = 5 * time.Second
	clientBufSize = 16
)

// WebSocketHub fans channel state changes out to connected clients. A client
// whose send buffer is full is dropped; the emitter never blocks.
type WebSocketHub struct {
	upgrader websocket.Upgrader
	logger   types.Logger

	lock    sync.Mutex
	clients map[*websocket.Conn]chan []byte
	closed  bool
}

// NewWebSocketHub creates a hub.
func NewWebSocketHub(logger types.Logger) *WebSocketHub {
	if logger == nil {
		logger = types.DefaultLogger()
	}
	return &WebSocketHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[*websocket.Conn]chan []byte),
	}
}

// Handler upgrades the request and registers the client for broadcasts.
func (h *WebSocketHub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Printf("websocket upgrade: %v", err)
			return
		}
		send := make(chan []byte, clientBufSize)
		h.lock.Lock()
		if h.closed {
			h.lock.Unlock()
			_ = conn.Close()
			return
		}
		h.clients[conn] = send
		h.lock.Unlock()

		go h.writeLoop(conn, send)
		go h.readLoop(conn)
	}
}

// Emit broadcasts one state change as JSON. Safe to pass to
// Engine.OnStateChange.
func (h *WebSocketHub) Emit(change types.StateChange) {
	data, err := json.Marshal(change)
	if err != nil {
		h.logger.Printf("websocket marshal state change: %v", err)
		return
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	for conn, send := range h.clients {
		select {
		case send <- data:
		default:
			// slow client, drop it rather than block the emitter
			delete(h.clients, conn)
			close(send)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.clients)
}

// Close drops every client and rejects new connections.
func (h *WebSocketHub) Close() {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.closed = true
	for conn, send := range h.clients {
		delete(h.clients, conn)
		close(send)
		_ = conn.Close()
	}
}

func (h *WebSocketHub) writeLoop(conn *websocket.Conn, send chan []byte) {
	defer func() { _ = conn.Close() }()
	for data := range send {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(conn)
			return
		}
	}
	// channel closed by Emit or Close
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
}

// readLoop discards inbound frames and detects the client going away.
func (h *WebSocketHub) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(conn)
			return
		}
	}
}

func (h *WebSocketHub) remove(conn *websocket.Conn) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if send, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(send)
	}
	_ = conn.Close()
}
