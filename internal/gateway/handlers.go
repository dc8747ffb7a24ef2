package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/spec-kit/order-relay/internal/events"
	apperrors "github.com/spec-kit/order-relay/pkg/util"
)

// Inbound event names.
const (
	InboundAuthenticate = "authenticate"
	InboundJoinTopic    = "join_location_category"
	InboundLeaveTopic   = "leave_location_category"
)

var integerLiteral = regexp.MustCompile(`^-?[0-9]+$`)

type inboundHandler func(ctx context.Context, s *Session, data gjson.Result) error

func (h *Hub) registerHandlers() {
	h.handlers = map[string]inboundHandler{
		InboundAuthenticate: h.onAuthenticate,
		InboundJoinTopic:    h.onJoinTopic,
		InboundLeaveTopic:   h.onLeaveTopic,
	}
}

// HandleMessage dispatches one raw inbound frame and queues an ack for it.
// Errors never close the session.
func (h *Hub) HandleMessage(ctx context.Context, s *Session, raw []byte) {
	if !gjson.ValidBytes(raw) {
		h.ack(s, "", apperrors.NewMalformedPayloadError("gateway.inbound", errors.New("invalid JSON")))
		return
	}
	event := gjson.GetBytes(raw, "event").String()
	handler, ok := h.handlers[event]
	if !ok {
		h.ack(s, event, apperrors.NewMalformedPayloadError("gateway.inbound", errors.New("unknown event")))
		return
	}

	err := handler(ctx, s, gjson.GetBytes(raw, "data"))
	if err != nil {
		h.logger.Debug("inbound event rejected",
			zap.String("session_id", s.ID()),
			zap.String("event", event),
			zap.Error(err))
	}
	h.ack(s, event, err)
}

// Reject queues an error ack without running a handler.
func (h *Hub) Reject(s *Session, event, reason string) {
	s.enqueue(ackMessage(Ack{For: event, OK: false, Error: reason}))
}

func (h *Hub) onAuthenticate(ctx context.Context, s *Session, data gjson.Result) error {
	userID, err := stringOrInteger("userId", data.Get("userId"))
	if err != nil {
		return apperrors.NewAuthenticationError("gateway.authenticate", err)
	}
	return h.Authenticate(ctx, s.ID(), userID, data.Get("token").String())
}

func (h *Hub) onJoinTopic(_ context.Context, s *Session, data gjson.Result) error {
	locationID, category, err := topicFields(data)
	if err != nil {
		return apperrors.NewMalformedPayloadError("gateway.join_topic", err)
	}
	return h.JoinTopic(s.ID(), locationID, category)
}

func (h *Hub) onLeaveTopic(_ context.Context, s *Session, data gjson.Result) error {
	locationID, category, err := topicFields(data)
	if err != nil {
		return apperrors.NewMalformedPayloadError("gateway.leave_topic", err)
	}
	return h.LeaveTopic(s.ID(), locationID, category)
}

func topicFields(data gjson.Result) (string, string, error) {
	locationID, err := stringOrInteger("locationId", data.Get("locationId"))
	if err != nil {
		return "", "", err
	}
	category, err := stringOrInteger("categoryId", data.Get("categoryId"))
	if err != nil {
		return "", "", err
	}
	return locationID, category, nil
}

func stringOrInteger(name string, r gjson.Result) (string, error) {
	switch {
	case r.Type == gjson.String && strings.TrimSpace(r.Str) != "":
		return strings.TrimSpace(r.Str), nil
	case r.Type == gjson.Number && integerLiteral.MatchString(r.Raw):
		return r.Raw, nil
	}
	return "", errors.New(name + " must be a non-empty string or integer")
}

func (h *Hub) ack(s *Session, event string, err error) {
	a := Ack{For: event, OK: err == nil}
	if err != nil {
		a.Error = publicReason(err)
	}
	s.enqueue(ackMessage(a))
}

func ackMessage(a Ack) Message {
	data, _ := json.Marshal(a)
	return Message{Event: events.OutboundAck, Data: data}
}

func publicReason(err error) string {
	switch apperrors.KindOf(err) {
	case apperrors.KindAuthentication:
		return "authentication failed"
	case apperrors.KindTransientInfra:
		return "temporarily unavailable"
	case apperrors.KindMalformedPayload:
		var re *apperrors.RelayError
		if errors.As(err, &re) && re.Err != nil {
			return re.Err.Error()
		}
		return "malformed message"
	}
	switch {
	case errors.Is(err, ErrSessionClosed), errors.Is(err, ErrUnknownSession):
		return "session closed"
	}
	return "internal error"
}
