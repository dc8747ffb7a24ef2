package handlers

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/spec-kit/order-relay/internal/api/dto"
	"github.com/spec-kit/order-relay/internal/auth"
	"github.com/spec-kit/order-relay/internal/domain"
	apperrors "github.com/spec-kit/order-relay/pkg/util"
)

// NotificationInbox is the read side of the notification store.
type NotificationInbox interface {
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	ListForUser(ctx context.Context, userID, cursor string, pageSize int) (domain.NotificationPage, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)
}

// NotificationsHandler exposes a user's notification inbox.
type NotificationsHandler struct {
	inbox NotificationInbox
}

// NewNotificationsHandler constructs handler.
func NewNotificationsHandler(inbox NotificationInbox) *NotificationsHandler {
	return &NotificationsHandler{inbox: inbox}
}

// List handles GET /notifications.
func (h *NotificationsHandler) List(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return apperrors.NewValidationError("limit must be a non-negative integer", nil)
		}
	}

	page, err := h.inbox.ListForUser(c.UserContext(), userID, c.Query("cursor"), limit)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.FromNotificationPage(page)})
}

// UnreadCount handles GET /notifications/unread-count.
func (h *NotificationsHandler) UnreadCount(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	n, err := h.inbox.UnreadCount(c.UserContext(), userID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.UnreadCountResponse{Unread: n}})
}

// MarkRead handles PUT /notifications/:id/read. Marking an already read
// notification succeeds without changing it.
func (h *NotificationsHandler) MarkRead(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	id := c.Params("id")
	if _, err := uuid.Parse(id); err != nil {
		return apperrors.NewValidationError("invalid notification id", map[string]any{"id": id})
	}

	n, err := h.inbox.GetByID(c.UserContext(), id)
	if err != nil {
		return err
	}
	// someone else's notification is reported as missing
	if n.UserID != userID {
		return apperrors.NewNotFound("notification", nil)
	}
	if !n.Read {
		if err := h.inbox.MarkRead(c.UserContext(), id); err != nil {
			return err
		}
		n.Read = true
	}
	return c.JSON(fiber.Map{"data": dto.FromNotification(*n)})
}

// MarkAllRead handles PUT /notifications/read-all.
func (h *NotificationsHandler) MarkAllRead(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	n, err := h.inbox.MarkAllRead(c.UserContext(), userID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.MarkAllReadResponse{Updated: n}})
}

func currentUser(c *fiber.Ctx) (string, error) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		return "", apperrors.NewUnauthorized("authentication required")
	}
	return userID, nil
}
