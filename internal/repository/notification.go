package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wesalappx/wesal-app-sub001/internal/models"
)

// PgNotificationRepository handles database operations for notifications
type PgNotificationRepository struct {
	db DBTX
}

// NewNotificationRepository creates a new notification repository
func NewNotificationRepository(db DBTX) *PgNotificationRepository {
	return &PgNotificationRepository{db: db}
}

const notificationColumns = `id, recipient_user_id, type, title, body, data, dedupe_key, is_read, created_at, read_at`

// Create inserts a notification unless one with the same dedupe key exists
func (r *PgNotificationRepository) Create(ctx context.Context, n *models.Notification) (bool, error) {
	data, err := json.Marshal(notificationData(n))
	if err != nil {
		return false, fmt.Errorf("failed to encode notification data: %w", err)
	}

	query := `
		INSERT INTO notifications (id, recipient_user_id, type, title, body, data, dedupe_key, is_read, created_at, read_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (recipient_user_id, dedupe_key) DO NOTHING
	`
	result, err := r.db.Exec(ctx, query,
		n.ID, n.RecipientUserID, n.Type, n.Title, n.Body, data, n.DedupeKey, n.IsRead, n.CreatedAt, n.ReadAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create notification: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// GetByDedupeKey retrieves a recipient's notification by dedupe key
func (r *PgNotificationRepository) GetByDedupeKey(ctx context.Context, recipientID, dedupeKey string) (*models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE recipient_user_id = $1 AND dedupe_key = $2`
	return scanNotification(r.db.QueryRow(ctx, query, recipientID, dedupeKey).Scan, notFound)
}

// ListByRecipient lists a recipient's notifications newest first
func (r *PgNotificationRepository) ListByRecipient(ctx context.Context, recipientID string, limit int, unreadOnly bool) ([]*models.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE recipient_user_id = $1 AND (NOT $2 OR is_read = FALSE)
		ORDER BY created_at DESC
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, recipientID, unreadOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*models.Notification
	for rows.Next() {
		n, err := scanNotification(rows.Scan, notFound)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notifications: %w", err)
	}
	return notifications, nil
}

// MarkRead marks a recipient's notification as read
func (r *PgNotificationRepository) MarkRead(ctx context.Context, id, recipientID string, at time.Time) error {
	query := `
		UPDATE notifications SET is_read = TRUE, read_at = COALESCE(read_at, $3)
		WHERE id = $1 AND recipient_user_id = $2
	`
	result, err := r.db.Exec(ctx, query, id, recipientID, at)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification not found: %w", ErrNotFound)
	}
	return nil
}

func notificationData(n *models.Notification) map[string]string {
	if n.Data == nil {
		return map[string]string{}
	}
	return n.Data
}

func scanNotification(scan func(dest ...any) error, onErr func(error, string) error) (*models.Notification, error) {
	var (
		n    models.Notification
		data []byte
	)
	err := scan(&n.ID, &n.RecipientUserID, &n.Type, &n.Title, &n.Body, &data, &n.DedupeKey, &n.IsRead, &n.CreatedAt, &n.ReadAt)
	if err != nil {
		return nil, onErr(err, "notification")
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &n.Data); err != nil {
			return nil, fmt.Errorf("failed to decode notification data: %w", err)
		}
	}
	return &n, nil
}
