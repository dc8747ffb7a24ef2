package dto

import (
	"encoding/json"
	"time"

	"github.com/spec-kit/order-relay/internal/domain"
)

// NotificationResponse is one notification as returned by the inbox endpoints.
type NotificationResponse struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	Read      bool            `json:"read"`
}

// NotificationPageResponse is a page of notifications plus the cursor for the next one.
type NotificationPageResponse struct {
	Items      []NotificationResponse `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

// UnreadCountResponse reports the unread total.
type UnreadCountResponse struct {
	Unread int64 `json:"unread"`
}

// MarkAllReadResponse reports how many notifications changed.
type MarkAllReadResponse struct {
	Updated int64 `json:"updated"`
}

// FromNotificationPage converts a domain page.
func FromNotificationPage(page domain.NotificationPage) NotificationPageResponse {
	items := make([]NotificationResponse, 0, len(page.Items))
	for _, n := range page.Items {
		items = append(items, FromNotification(n))
	}
	return NotificationPageResponse{Items: items, NextCursor: page.NextCursor}
}

// FromNotification converts a domain notification.
func FromNotification(n domain.Notification) NotificationResponse {
	payload := n.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return NotificationResponse{
		ID:        n.ID,
		Type:      string(n.Type),
		Title:     n.Title,
		Message:   n.Message,
		Payload:   payload,
		CreatedAt: n.CreatedAt,
		Read:      n.Read,
	}
}
