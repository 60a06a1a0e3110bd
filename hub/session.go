package hub

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Session is one connected client. Its lifetime is bounded to the websocket
// connection; nothing about it is persisted. The subscription set is
// advisory bookkeeping only (see Hub.ShouldDeliver).
type Session struct {
	ID   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	subs   map[string]struct{}
	closed bool
}

// NewSession creates a session for the given connection. conn may be nil in
// tests; delivery then only fills the send buffer.
func NewSession(conn *websocket.Conn, sendBuffer int) *Session {
	return &Session{
		ID:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		subs: make(map[string]struct{}),
	}
}

// enqueue appends a payload to the session's outbound queue without blocking.
// It returns false when the buffer is full or the session is closed; the hub
// treats that as a slow client and drops the session.
func (s *Session) enqueue(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// close marks the session closed and closes its send channel so the write
// pump drains and exits. Safe to call more than once.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

func (s *Session) addSubscriptions(symbols []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		s.subs[sym] = struct{}{}
	}
	return s.subscribedLocked()
}

func (s *Session) removeSubscriptions(symbols []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		delete(s.subs, sym)
	}
	return s.subscribedLocked()
}

// Subscribed returns a copy of the session's advisory subscription set.
func (s *Session) Subscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribedLocked()
}

func (s *Session) subscribedLocked() []string {
	out := make([]string, 0, len(s.subs))
	for sym := range s.subs {
		out = append(out, sym)
	}
	return out
}
