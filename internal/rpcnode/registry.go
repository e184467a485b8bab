package rpcnode

import (
	"sync"

	"github.com/wgcairui/uartserver-ng-sub000/internal/metrics"
)

// Registry holds every connected node session, indexed both by session
// ID and by node name (spec.md §4.5: "maintains two indexes: sessionId
// → session and nodeName → sessionId").
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Session
	byNode map[string]string // nodeName -> sessionID
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*Session),
		byNode: make(map[string]string),
	}
}

// Register adds a session under its ID. If a different session is
// already registered for the same node name, it is removed from the
// registry and returned so the caller can disconnect it (spec.md §4.5
// RegisterNode: "If a session for name already exists and is not this
// one, disconnect the old one").
func (r *Registry) Register(s *Session) (previous *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prevID, ok := r.byNode[s.NodeName]; ok && prevID != s.ID {
		previous = r.byID[prevID]
		delete(r.byID, prevID)
	}

	r.byID[s.ID] = s
	r.byNode[s.NodeName] = s.ID
	metrics.ActiveNodeSessions.Set(float64(len(r.byID)))
	return previous
}

// Unregister removes a session, but only if it is still the registered
// session for its ID — a stale session's deferred cleanup must not
// remove a newer replacement (mirrors the teacher's
// remove-only-if-current guard).
func (r *Registry) Unregister(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byID[s.ID] != s {
		return false
	}
	delete(r.byID, s.ID)
	if r.byNode[s.NodeName] == s.ID {
		delete(r.byNode, s.NodeName)
	}
	metrics.ActiveNodeSessions.Set(float64(len(r.byID)))
	return true
}

// Get returns the session for an ID.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// GetByNode returns the currently registered session for a node name.
func (r *Registry) GetByNode(node string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byNode[node]
	if !ok {
		return nil, false
	}
	s, ok := r.byID[id]
	return s, ok
}

// IsOnline reports whether node has a live session (scheduler.NodeDispatcher).
func (r *Registry) IsOnline(node string) bool {
	_, ok := r.GetByNode(node)
	return ok
}

// All returns a snapshot of every live session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

// Len returns the current number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
