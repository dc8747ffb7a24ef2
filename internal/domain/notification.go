package domain

import (
	"encoding/json"
	"time"
)

// NotificationType enumerates kinds of persisted notifications.
type NotificationType string

const (
	NotificationTypeNewServiceOrder NotificationType = "new_service_order_available"
)

// Notification is a durable per-user notification record. Only Read changes after creation.
type Notification struct {
	ID        string
	UserID    string
	Type      NotificationType
	Title     string
	Message   string
	Payload   json.RawMessage
	CreatedAt time.Time
	Read      bool
}

// NotificationPage is one page of a user's notifications, newest first.
type NotificationPage struct {
	Items      []Notification
	NextCursor string
}
