package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wesalappx/wesal-app-sub001/internal/models"
)

type notificationRepository struct {
	db dbtx
}

const notificationColumns = `id, recipient_user_id, type, title, body, data, dedupe_key, is_read, created_at, read_at`

func (r *notificationRepository) Create(ctx context.Context, n *models.Notification) (bool, error) {
	data := n.Data
	if data == nil {
		data = map[string]string{}
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("encode notification data: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
INSERT INTO notifications (`+notificationColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (recipient_user_id, dedupe_key) DO NOTHING
`, n.ID, n.RecipientUserID, n.Type, n.Title, n.Body, string(dataJSON), n.DedupeKey, n.IsRead,
		toMillis(n.CreatedAt), toNullMillis(n.ReadAt))
	if err != nil {
		return false, fmt.Errorf("create notification: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create notification: %w", err)
	}
	return affected == 1, nil
}

func (r *notificationRepository) GetByDedupeKey(ctx context.Context, recipientID, dedupeKey string) (*models.Notification, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+notificationColumns+` FROM notifications WHERE recipient_user_id = ? AND dedupe_key = ?
`, recipientID, dedupeKey)
	return scanNotification(row.Scan)
}

func (r *notificationRepository) ListByRecipient(ctx context.Context, recipientID string, limit int, unreadOnly bool) ([]*models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE recipient_user_id = ?`
	if unreadOnly {
		query += ` AND is_read = 0`
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*models.Notification
	for rows.Next() {
		n, err := scanNotification(rows.Scan)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return notifications, nil
}

func (r *notificationRepository) MarkRead(ctx context.Context, id, recipientID string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE notifications SET is_read = 1, read_at = COALESCE(read_at, ?)
WHERE id = ? AND recipient_user_id = ?
`, toMillis(at), id, recipientID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return rowsAffected(result, "notification")
}

func scanNotification(scan func(dest ...any) error) (*models.Notification, error) {
	var (
		n         models.Notification
		data      string
		createdAt int64
		readAt    sql.NullInt64
	)
	err := scan(&n.ID, &n.RecipientUserID, &n.Type, &n.Title, &n.Body, &data, &n.DedupeKey, &n.IsRead, &createdAt, &readAt)
	if err != nil {
		return nil, notFound(err, "notification")
	}
	n.CreatedAt = fromMillis(createdAt)
	n.ReadAt = fromNullMillis(readAt)
	if data != "" {
		if err := json.Unmarshal([]byte(data), &n.Data); err != nil {
			return nil, fmt.Errorf("decode notification data: %w", err)
		}
	}
	return &n, nil
}
