package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/order-relay/internal/domain"
	apperrors "github.com/spec-kit/order-relay/pkg/util"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// NotificationRepository is the append-only store of per-user notifications.
type NotificationRepository interface {
	Append(ctx context.Context, n *domain.Notification) (string, error)
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	ListForUser(ctx context.Context, userID, cursor string, pageSize int) (domain.NotificationPage, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)
	DeleteReadBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type notificationRepository struct {
	pool *pgxpool.Pool
}

// NewNotificationRepository instantiates repository.
func NewNotificationRepository(pool *pgxpool.Pool) NotificationRepository {
	return &notificationRepository{pool: pool}
}

func (r *notificationRepository) Append(ctx context.Context, n *domain.Notification) (string, error) {
	const query = `
        INSERT INTO notifications (user_id, type, title, message, payload)
        VALUES ($1,$2,$3,$4,$5)
        RETURNING id, created_at, read`
	payload := n.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if err := r.pool.QueryRow(ctx, query,
		n.UserID,
		n.Type,
		n.Title,
		n.Message,
		payload,
	).Scan(&n.ID, &n.CreatedAt, &n.Read); err != nil {
		return "", apperrors.NewPersistenceError("notifications.append", err)
	}
	return n.ID, nil
}

func (r *notificationRepository) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	const query = `
        SELECT id, user_id, type, title, message, payload, created_at, read
        FROM notifications WHERE id=$1`
	var n domain.Notification
	if err := r.pool.QueryRow(ctx, query, id).Scan(
		&n.ID,
		&n.UserID,
		&n.Type,
		&n.Title,
		&n.Message,
		&n.Payload,
		&n.CreatedAt,
		&n.Read,
	); err != nil {
		return nil, err
	}
	return &n, nil
}

// ListForUser returns one page ordered newest first. Passing the returned
// NextCursor resumes after the last item; an empty NextCursor means no more pages.
func (r *notificationRepository) ListForUser(ctx context.Context, userID, cursor string, pageSize int) (domain.NotificationPage, error) {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	var (
		rows pgx.Rows
		err  error
	)
	if cursor == "" {
		const query = `
        SELECT id, user_id, type, title, message, payload, created_at, read
        FROM notifications
        WHERE user_id=$1
        ORDER BY created_at DESC, id DESC
        LIMIT $2`
		rows, err = r.pool.Query(ctx, query, userID, pageSize+1)
	} else {
		pos, derr := decodeCursor(cursor)
		if derr != nil {
			return domain.NotificationPage{}, apperrors.NewValidationError("invalid cursor", nil)
		}
		const query = `
        SELECT id, user_id, type, title, message, payload, created_at, read
        FROM notifications
        WHERE user_id=$1 AND (created_at, id) < ($2, $3::uuid)
        ORDER BY created_at DESC, id DESC
        LIMIT $4`
		rows, err = r.pool.Query(ctx, query, userID, pos.CreatedAt, pos.ID, pageSize+1)
	}
	if err != nil {
		return domain.NotificationPage{}, err
	}
	defer rows.Close()

	items, err := scanNotifications(rows)
	if err != nil {
		return domain.NotificationPage{}, err
	}
	return buildPage(items, pageSize), nil
}

func buildPage(items []domain.Notification, pageSize int) domain.NotificationPage {
	page := domain.NotificationPage{Items: items}
	if len(items) > pageSize {
		page.Items = items[:pageSize]
		last := page.Items[pageSize-1]
		page.NextCursor = encodeCursor(pageCursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	if page.Items == nil {
		page.Items = []domain.Notification{}
	}
	return page
}

// MarkRead sets the read flag. Marking an already read record succeeds without change.
func (r *notificationRepository) MarkRead(ctx context.Context, id string) error {
	const query = `UPDATE notifications SET read=TRUE WHERE id=$1`
	cmd, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *notificationRepository) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	const query = `UPDATE notifications SET read=TRUE WHERE user_id=$1 AND read=FALSE`
	cmd, err := r.pool.Exec(ctx, query, userID)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

func (r *notificationRepository) UnreadCount(ctx context.Context, userID string) (int64, error) {
	const query = `SELECT COUNT(*) FROM notifications WHERE user_id=$1 AND read=FALSE`
	var count int64
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *notificationRepository) DeleteReadBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM notifications WHERE read=TRUE AND created_at < $1`
	cmd, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

func scanNotifications(rows pgx.Rows) ([]domain.Notification, error) {
	var result []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(
			&n.ID,
			&n.UserID,
			&n.Type,
			&n.Title,
			&n.Message,
			&n.Payload,
			&n.CreatedAt,
			&n.Read,
		); err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}
