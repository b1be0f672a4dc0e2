package services

import (
	"sync"

	"chorus/presence-service/models"
)

// Client is one open realtime connection (a device or tab).
type Client interface {
	SessionID() string
	// Send queues a frame without blocking. Delivery is best effort.
	Send(frame models.ServerFrame) error
	Close() error
}

// ConnectionRegistry tracks the realtime connections open on this process. It is never shared
// across nodes; the store is the cross-node source of truth.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[string]map[string]Client // userID -> sessionID -> client
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{conns: make(map[string]map[string]Client)}
}

// Register adds a connection and reports whether it is the user's first on this node.
func (r *ConnectionRegistry) Register(userID string, client Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := r.conns[userID]
	first := len(sessions) == 0
	if sessions == nil {
		sessions = make(map[string]Client)
		r.conns[userID] = sessions
	}
	sessions[client.SessionID()] = client
	return first
}

// Unregister removes a connection and reports whether it was the user's last on this node.
func (r *ConnectionRegistry) Unregister(userID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.conns[userID]
	if !ok {
		return false
	}
	if _, ok := sessions[sessionID]; !ok {
		return false
	}
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(r.conns, userID)
		return true
	}
	return false
}

func (r *ConnectionRegistry) HasActiveConnection(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID]) > 0
}

// Connections returns a snapshot of the user's clients on this node.
func (r *ConnectionRegistry) Connections(userID string) []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := r.conns[userID]
	if len(sessions) == 0 {
		return nil
	}
	out := make([]Client, 0, len(sessions))
	for _, c := range sessions {
		out = append(out, c)
	}
	return out
}

// ConnectedUsers filters userIDs down to those with a connection on this node.
func (r *ConnectionRegistry) ConnectedUsers(userIDs []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, id := range userIDs {
		if len(r.conns[id]) > 0 {
			out = append(out, id)
		}
	}
	return out
}

// Count returns the number of open connections on this node.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, sessions := range r.conns {
		n += len(sessions)
	}
	return n
}

// CloseAll closes every connection, used on shutdown.
func (r *ConnectionRegistry) CloseAll() {
	r.mu.RLock()
	var all []Client
	for _, sessions := range r.conns {
		for _, c := range sessions {
			all = append(all, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range all {
		_ = c.Close()
	}
}
