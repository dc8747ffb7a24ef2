package gateway

import (
	"encoding/json"
	"sort"
	"sync"
)

// Message is the wire envelope in both directions.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Ack answers every inbound message.
type Ack struct {
	For   string `json:"for"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Session is one live client connection and its room memberships.
//
// Lock order: Session.mu, then Hub.rmu, then room.mu, then Session.sendMu.
type Session struct {
	id string

	mu     sync.Mutex
	userID string
	rooms  map[string]struct{}
	closed bool

	sendMu     sync.Mutex
	send       chan Message
	sendClosed bool
}

func newSession(id string, buffer int) *Session {
	if buffer <= 0 {
		buffer = 64
	}
	return &Session{
		id:    id,
		rooms: make(map[string]struct{}),
		send:  make(chan Message, buffer),
	}
}

// ID returns the connection identifier.
func (s *Session) ID() string { return s.id }

// UserID returns the authenticated user id, or "" when unauthenticated.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Rooms returns the joined room ids in sorted order.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms
}

// Messages is drained by the transport's write loop. It is closed on disconnect.
func (s *Session) Messages() <-chan Message {
	return s.send
}

// enqueue never blocks; it reports false when the session is gone or its buffer is full.
func (s *Session) enqueue(m Message) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return false
	}
	select {
	case s.send <- m:
		return true
	default:
		return false
	}
}

func (s *Session) closeSend() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.sendClosed {
		s.sendClosed = true
		close(s.send)
	}
}
