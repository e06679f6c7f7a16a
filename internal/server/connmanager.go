package server

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// ConnManager tracks the active websocket per thread. A thread has at
// most one live connection; a reconnect replaces the previous one.
type ConnManager struct {
	mu     sync.RWMutex
	active map[uuid.UUID]*websocket.Conn
}

// NewConnManager creates an empty connection manager.
func NewConnManager() *ConnManager {
	return &ConnManager{active: make(map[uuid.UUID]*websocket.Conn)}
}

// GetActive returns the active connection for a thread, or nil.
func (m *ConnManager) GetActive(threadID uuid.UUID) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[threadID]
}

// Register records the connection for a thread, closing any previous one.
func (m *ConnManager) Register(threadID uuid.UUID, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.active[threadID]; ok && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}
	m.active[threadID] = conn
	slog.Info("Thread session registered", "thread_id", threadID)
}

// Unregister removes the connection for a thread if it is still current.
func (m *ConnManager) Unregister(threadID uuid.UUID, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.active[threadID]; ok && current == conn {
		delete(m.active, threadID)
		slog.Info("Thread session unregistered", "thread_id", threadID)
	}
}

// CloseAll terminates every active connection. Used at shutdown.
func (m *ConnManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for threadID, conn := range m.active {
		_ = conn.Close(websocket.StatusNormalClosure, "server shutting down")
		slog.Info("Thread session closed", "thread_id", threadID)
	}
	m.active = make(map[uuid.UUID]*websocket.Conn)
}
