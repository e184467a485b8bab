package rpcnode

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// wsWriter is the subset of *websocket.Conn a Session needs; tests
// substitute a fake.
type wsWriter interface {
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Session represents one connected node's channel (spec.md §4.5).
// Writes are serialized the same way the teacher's worker connections
// serialize sends: a dedicated mutex prevents concurrent writers from
// corrupting a single websocket's frame boundary.
type Session struct {
	ID       string
	NodeName string

	conn wsWriter
	mu   sync.Mutex

	hbMu          sync.Mutex
	lastHeartbeat time.Time
}

func newSession(id string, conn wsWriter) *Session {
	return &Session{ID: id, conn: conn}
}

// touchHeartbeat records now as the session's last-seen-alive time
// (spec.md §4.5 "Heartbeat watchdog").
func (s *Session) touchHeartbeat(now time.Time) {
	s.hbMu.Lock()
	s.lastHeartbeat = now
	s.hbMu.Unlock()
}

// LastHeartbeat returns the last time this session was observed alive.
func (s *Session) LastHeartbeat() time.Time {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	return s.lastHeartbeat
}

// Send marshals and writes one frame. Safe for concurrent use.
func (s *Session) Send(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// Close closes the underlying connection.
func (s *Session) Close(reason string) error {
	return s.conn.Close(websocket.StatusNormalClosure, reason)
}
