// Package ws provides the WebSocket chat transport.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// ConnManager tracks the open WebSocket connections of each session token.
// One token may be open in several tabs; each tab is keyed by its own
// connection ID.
type ConnManager struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewConnManager creates an empty connection manager.
func NewConnManager() *ConnManager {
	return &ConnManager{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// GetActive returns the connection registered for token and connID.
func (m *ConnManager) GetActive(token, connID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if conns, ok := m.active[token]; ok {
		return conns[connID]
	}
	return nil
}

// Count returns the number of open connections for token.
func (m *ConnManager) Count(token string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active[token])
}

// Register adds conn for token under connID, closing any connection it replaces.
func (m *ConnManager) Register(token, connID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[token]; !exists {
		m.active[token] = make(map[string]*websocket.Conn)
	}

	if existing, exists := m.active[token][connID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "connection replaced")
	}

	m.active[token][connID] = conn
	slog.Info("Chat connection registered", "session", token, "conn_id", connID)
}

// Unregister removes conn if it is still the one registered under connID.
func (m *ConnManager) Unregister(token, connID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conns, ok := m.active[token]; ok {
		if current, exists := conns[connID]; exists && current == conn {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(m.active, token)
			}
			slog.Info("Chat connection unregistered", "session", token, "conn_id", connID)
		}
	}
}

// Broadcast writes frame to every connection of token except skip.
func (m *ConnManager) Broadcast(ctx context.Context, token, skip string, frame interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Warn("Failed to marshal broadcast frame", "error", err)
		return
	}

	m.mu.RLock()
	targets := make([]*websocket.Conn, 0, len(m.active[token]))
	for id, conn := range m.active[token] {
		if id != skip {
			targets = append(targets, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			slog.Debug("Broadcast write failed", "session", token, "error", err)
		}
	}
}

// CloseSession closes every connection of token. It is used when the
// session is evicted or logged out elsewhere.
func (m *ConnManager) CloseSession(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns, ok := m.active[token]
	if !ok {
		return
	}

	for id, conn := range conns {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
		slog.Info("Chat connection closed", "session", token, "conn_id", id)
	}
	delete(m.active, token)
}
