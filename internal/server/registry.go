// Package server tracks live client connections in the connection registry,
// the single shared source of truth for which users are online.
package server

import "sync"

// Channel is the write side of one live client connection. The registry holds
// a non-owning reference per identity; the session that owns the connection
// remains responsible for its lifecycle.
type Channel interface {
	// Send pushes one outbound envelope, reporting whether it was accepted.
	// A false return means the connection is closed or its buffer is full;
	// the caller treats the recipient as unreachable.
	Send(v any) bool

	// IsOpen reports whether the connection can still accept envelopes.
	IsOpen() bool
}

// Registry maps authenticated user identities to their single live channel.
// All methods are safe for concurrent use and never suspend: critical
// sections cover only the map operations.
type Registry struct {
	mu    sync.RWMutex
	conns map[int64]Channel
}

// NewRegistry returns an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[int64]Channel)}
}

// Register inserts or replaces the channel for userID. A later registration
// for the same identity wins; the superseded channel becomes unreachable via
// the registry but is not closed here.
func (r *Registry) Register(userID int64, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[userID] = ch
}

// Lookup returns the current live channel for userID. A false return means
// the user is offline, which is an expected outcome rather than an error.
func (r *Registry) Lookup(userID int64) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.conns[userID]
	return ch, ok
}

// Unregister removes the entry for userID only when the stored channel is
// identical to ch. This keeps a stale close from a superseded session from
// evicting the newer registration for the same identity.
func (r *Registry) Unregister(userID int64, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.conns[userID]; ok && current == ch {
		delete(r.conns, userID)
	}
}

// Online returns a snapshot of the currently registered identities.
func (r *Registry) Online() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}
