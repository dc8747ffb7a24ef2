// Package gateway manages client sessions and the rooms they join, and
// delivers broadcasts to room members.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/order-relay/internal/domain"
	"github.com/spec-kit/order-relay/internal/observability"
	apperrors "github.com/spec-kit/order-relay/pkg/util"
)

var (
	ErrGatewayClosed  = errors.New("gateway closed")
	ErrUnknownSession = errors.New("unknown session")
	ErrSessionClosed  = errors.New("session closed")
	ErrUnknownRoom    = errors.New("not a user or topic room")
)

// TokenVerifier is the authentication collaborator: it maps a token to the user it was issued for.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Options configures a Hub.
type Options struct {
	SendBuffer  int
	AuthTimeout time.Duration
}

type room struct {
	mu      sync.Mutex
	members map[string]*Session
	dead    bool
}

// Hub owns all sessions and rooms. Construct one per process and share it.
type Hub struct {
	verifier TokenVerifier
	logger   *zap.Logger
	metrics  *observability.Metrics
	opts     Options
	handlers map[string]inboundHandler

	smu      sync.RWMutex
	sessions map[string]*Session
	closed   bool

	rmu   sync.RWMutex
	rooms map[string]*room
}

// NewHub constructs a Hub and registers its inbound handlers.
func NewHub(verifier TokenVerifier, logger *zap.Logger, metrics *observability.Metrics, opts Options) *Hub {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 3 * time.Second
	}
	h := &Hub{
		verifier: verifier,
		logger:   logger,
		metrics:  metrics,
		opts:     opts,
		sessions: make(map[string]*Session),
		rooms:    make(map[string]*room),
	}
	h.registerHandlers()
	return h
}

// Connect registers a new unauthenticated session.
func (h *Hub) Connect() (*Session, error) {
	s := newSession(uuid.NewString(), h.opts.SendBuffer)

	h.smu.Lock()
	if h.closed {
		h.smu.Unlock()
		return nil, ErrGatewayClosed
	}
	h.sessions[s.id] = s
	h.smu.Unlock()

	h.metrics.SessionOpened()
	h.logger.Debug("session connected", zap.String("session_id", s.id))
	return s, nil
}

// Session looks up a live session.
func (h *Hub) Session(sessionID string) (*Session, bool) {
	h.smu.RLock()
	defer h.smu.RUnlock()
	s, ok := h.sessions[sessionID]
	return s, ok
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	h.smu.RLock()
	defer h.smu.RUnlock()
	return len(h.sessions)
}

// Authenticate verifies token and, if it belongs to userID, joins the session
// to the user's personal room. A failed attempt leaves the session connected
// and unauthenticated.
func (h *Hub) Authenticate(ctx context.Context, sessionID, userID, token string) error {
	const op = "gateway.authenticate"

	s, ok := h.Session(sessionID)
	if !ok {
		return ErrUnknownSession
	}
	userID = strings.TrimSpace(userID)
	if userID == "" || strings.TrimSpace(token) == "" {
		return apperrors.NewAuthenticationError(op, errors.New("userId and token are required"))
	}

	vctx, cancel := context.WithTimeout(ctx, h.opts.AuthTimeout)
	defer cancel()
	subject, err := h.verifier.Verify(vctx, token)
	if err != nil {
		if apperrors.KindOf(err) != "" {
			return err
		}
		return apperrors.NewAuthenticationError(op, err)
	}
	if subject != userID {
		return apperrors.NewAuthenticationError(op, errors.New("token does not belong to user"))
	}

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.userID != "" && s.userID != userID:
		s.mu.Unlock()
		return apperrors.NewAuthenticationError(op, errors.New("session already authenticated as another user"))
	}
	s.userID = userID
	s.mu.Unlock()

	if _, err := h.join(s, domain.UserRoom(userID)); err != nil {
		return err
	}
	h.logger.Debug("session authenticated", zap.String("session_id", s.id), zap.String("user_id", userID))
	return nil
}

// JoinTopic adds the session to a location+category room. Joining twice is a no-op.
func (h *Hub) JoinTopic(sessionID, locationID, category string) error {
	s, roomID, err := h.topicTarget("gateway.join_topic", sessionID, locationID, category)
	if err != nil {
		return err
	}
	_, err = h.join(s, roomID)
	return err
}

// LeaveTopic removes the session from a location+category room. Leaving a room
// the session is not in is a no-op.
func (h *Hub) LeaveTopic(sessionID, locationID, category string) error {
	s, roomID, err := h.topicTarget("gateway.leave_topic", sessionID, locationID, category)
	if err != nil {
		return err
	}
	h.leave(s, roomID)
	return nil
}

// Disconnect removes the session from every room and closes its outbound queue.
func (h *Hub) Disconnect(sessionID string) {
	h.smu.Lock()
	s, ok := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.smu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.closed = true
	rooms := s.rooms
	s.rooms = make(map[string]struct{})
	for roomID := range rooms {
		h.removeMember(roomID, s)
	}
	s.mu.Unlock()

	s.closeSend()
	h.metrics.SessionClosed()
	h.logger.Debug("session disconnected", zap.String("session_id", sessionID), zap.Int("rooms_left", len(rooms)))
}

// Broadcast delivers event to every session currently in roomID and returns
// how many accepted it. Delivery is best effort: absent sessions get nothing
// and a full session buffer drops the message for that session.
func (h *Hub) Broadcast(roomID, event string, payload any) (int, error) {
	if !domain.IsUserRoom(roomID) && !domain.IsTopicRoom(roomID) {
		return 0, fmt.Errorf("broadcast %s to %q: %w", event, roomID, ErrUnknownRoom)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode %s payload: %w", event, err)
	}
	msg := Message{Event: event, Data: data}
	h.metrics.RecordBroadcast(event)

	h.rmu.RLock()
	r := h.rooms[roomID]
	h.rmu.RUnlock()
	if r == nil {
		return 0, nil
	}

	delivered := 0
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.members {
		if s.enqueue(msg) {
			delivered++
			continue
		}
		h.metrics.RecordDroppedSend()
		h.logger.Warn("dropping message for slow session",
			zap.String("session_id", id),
			zap.String("room", roomID),
			zap.String("event", event))
	}
	return delivered, nil
}

// HasMembers reports whether any session is currently in roomID.
func (h *Hub) HasMembers(roomID string) bool {
	h.rmu.RLock()
	r := h.rooms[roomID]
	h.rmu.RUnlock()
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members) > 0
}

// Members returns the session ids in roomID.
func (h *Hub) Members(roomID string) []string {
	h.rmu.RLock()
	r := h.rooms[roomID]
	h.rmu.RUnlock()
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	return ids
}

// RoomCount returns the number of non-empty rooms.
func (h *Hub) RoomCount() int {
	h.rmu.RLock()
	defer h.rmu.RUnlock()
	return len(h.rooms)
}

// Close refuses new sessions and disconnects every live one.
func (h *Hub) Close() {
	h.smu.Lock()
	h.closed = true
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.smu.Unlock()

	for _, id := range ids {
		h.Disconnect(id)
	}
}

func (h *Hub) topicTarget(op, sessionID, locationID, category string) (*Session, string, error) {
	s, ok := h.Session(sessionID)
	if !ok {
		return nil, "", ErrUnknownSession
	}
	if err := validateSegment("locationId", locationID); err != nil {
		return nil, "", apperrors.NewMalformedPayloadError(op, err)
	}
	if err := validateSegment("categoryId", category); err != nil {
		return nil, "", apperrors.NewMalformedPayloadError(op, err)
	}
	return s, domain.TopicRoom(locationID, category), nil
}

func validateSegment(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%s is required", name)
	}
	if strings.Contains(v, ":") {
		return fmt.Errorf("%s must not contain ':'", name)
	}
	return nil
}

// join is atomic per session per room. It reports whether membership changed.
func (h *Hub) join(s *Session, roomID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrSessionClosed
	}
	if _, ok := s.rooms[roomID]; ok {
		return false, nil
	}

	for {
		r := h.roomFor(roomID)
		r.mu.Lock()
		if r.dead {
			// collected between lookup and lock; fetch the replacement
			r.mu.Unlock()
			continue
		}
		r.members[s.id] = s
		r.mu.Unlock()
		break
	}
	s.rooms[roomID] = struct{}{}
	return true, nil
}

func (h *Hub) leave(s *Session, roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return false
	}
	delete(s.rooms, roomID)
	h.removeMember(roomID, s)
	return true
}

func (h *Hub) roomFor(roomID string) *room {
	h.rmu.RLock()
	r, ok := h.rooms[roomID]
	h.rmu.RUnlock()
	if ok {
		return r
	}

	h.rmu.Lock()
	defer h.rmu.Unlock()
	if r, ok := h.rooms[roomID]; ok {
		return r
	}
	r = &room{members: make(map[string]*Session)}
	h.rooms[roomID] = r
	return r
}

func (h *Hub) removeMember(roomID string, s *Session) {
	h.rmu.RLock()
	r := h.rooms[roomID]
	h.rmu.RUnlock()
	if r == nil {
		return
	}

	r.mu.Lock()
	delete(r.members, s.id)
	empty := len(r.members) == 0
	r.mu.Unlock()

	if empty {
		h.collect(roomID)
	}
}

func (h *Hub) collect(roomID string) {
	h.rmu.Lock()
	defer h.rmu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok {
		return
	}
	r.mu.Lock()
	if len(r.members) == 0 {
		r.dead = true
		delete(h.rooms, roomID)
	}
	r.mu.Unlock()
}
