package events

import (
	"time"

	"github.com/spec-kit/order-relay/internal/domain"
)

// EventType enumerates change-feed event identifiers.
type EventType string

const (
	EventNewServiceOrder EventType = "new_service_order"
)

// Outbound gateway event names.
const (
	OutboundNewOrder     = "new_order"
	OutboundNotification = "notification"
	OutboundAck          = "ack"
)

// ChangeEvent is a decoded change-feed message. It is transient and never stored.
type ChangeEvent struct {
	Type       EventType `json:"type"`
	OrderID    string    `json:"order_id"`
	LocationID string    `json:"location_id"`
	Category   string    `json:"category"`
	ReceivedAt time.Time `json:"received_at"`
}

// TopicRoom returns the room this event is broadcast to.
func (e ChangeEvent) TopicRoom() string {
	return domain.TopicRoom(e.LocationID, e.Category)
}

// NewOrderPayload is sent to the location+category room.
type NewOrderPayload struct {
	OrderID    string    `json:"orderId"`
	LocationID string    `json:"locationId"`
	Category   string    `json:"category"`
	Timestamp  time.Time `json:"timestamp"`
}

// NotificationPayload is sent to a recipient's personal room.
type NotificationPayload struct {
	Type       domain.NotificationType `json:"type"`
	OrderID    string                  `json:"orderId"`
	Category   string                  `json:"category"`
	LocationID string                  `json:"locationId"`
}

// NewOrder builds the topic broadcast payload for an event.
func NewOrder(e ChangeEvent) NewOrderPayload {
	return NewOrderPayload{
		OrderID:    e.OrderID,
		LocationID: e.LocationID,
		Category:   e.Category,
		Timestamp:  e.ReceivedAt,
	}
}

// NewNotification builds the personal payload for an event.
func NewNotification(e ChangeEvent) NotificationPayload {
	return NotificationPayload{
		Type:       domain.NotificationTypeNewServiceOrder,
		OrderID:    e.OrderID,
		Category:   e.Category,
		LocationID: e.LocationID,
	}
}
