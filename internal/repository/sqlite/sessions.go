package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wesalappx/wesal-app-sub001/internal/models"
	"github.com/wesalappx/wesal-app-sub001/internal/repository"
)

type sessionRepository struct {
	db dbtx
}

const sessionColumns = `id, couple_id, activity_type, activity_id, created_by, state, chat_history,
	version, updated_by, created_at, updated_at, closed_at, close_reason`

func (r *sessionRepository) Create(ctx context.Context, session *models.Session) error {
	state, chat, err := encodePayload(session)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO sessions (id, couple_id, activity_type, activity_id, created_by, state, chat_history,
	version, updated_by, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, session.ID, session.CoupleID, string(session.ActivityType), session.ActivityID, session.CreatedBy,
		state, chat, session.Version, session.UpdatedBy, toMillis(session.CreatedAt), toMillis(session.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("live session exists: %w", repository.ErrConflict)
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (r *sessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row.Scan)
}

func (r *sessionRepository) GetByIDForUpdate(ctx context.Context, id string) (*models.Session, error) {
	return r.GetByID(ctx, id)
}

func (r *sessionRepository) GetLive(ctx context.Context, coupleID string, activityType models.ActivityType) (*models.Session, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+sessionColumns+` FROM sessions
WHERE couple_id = ? AND activity_type = ? AND closed_at IS NULL
`, coupleID, string(activityType))
	return scanSession(row.Scan)
}

func (r *sessionRepository) Update(ctx context.Context, session *models.Session) error {
	state, chat, err := encodePayload(session)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE sessions SET state = ?, chat_history = ?, version = ?, updated_by = ?, updated_at = ?
WHERE id = ? AND closed_at IS NULL
`, state, chat, session.Version, session.UpdatedBy, toMillis(session.UpdatedAt), session.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return rowsAffected(result, "live session")
}

func (r *sessionRepository) Close(ctx context.Context, id, reason string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE sessions SET closed_at = ?, close_reason = ?, updated_at = ? WHERE id = ? AND closed_at IS NULL
`, toMillis(at), reason, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return rowsAffected(result, "live session")
}

func (r *sessionRepository) CloseIfIdle(ctx context.Context, id, reason string, cutoff, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE sessions SET closed_at = ?, close_reason = ?, updated_at = ?
WHERE id = ? AND closed_at IS NULL AND updated_at < ?
`, toMillis(at), reason, toMillis(at), id, toMillis(cutoff))
	if err != nil {
		return fmt.Errorf("close idle session: %w", err)
	}
	return rowsAffected(result, "idle session")
}

func (r *sessionRepository) ListIdle(ctx context.Context, before time.Time, limit int) ([]*models.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+sessionColumns+` FROM sessions
WHERE closed_at IS NULL AND updated_at < ?
ORDER BY updated_at
LIMIT ?
`, toMillis(before), limit)
	if err != nil {
		return nil, fmt.Errorf("list idle sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

func encodePayload(session *models.Session) (string, string, error) {
	state := session.State
	if state == nil {
		state = models.State{}
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return "", "", fmt.Errorf("encode session state: %w", err)
	}
	chat := session.ChatHistory
	if chat == nil {
		chat = []models.ChatMessage{}
	}
	chatJSON, err := json.Marshal(chat)
	if err != nil {
		return "", "", fmt.Errorf("encode chat history: %w", err)
	}
	return string(stateJSON), string(chatJSON), nil
}

func scanSession(scan func(dest ...any) error) (*models.Session, error) {
	var (
		session              models.Session
		activityType         string
		state, chat          string
		createdAt, updatedAt int64
		closedAt             sql.NullInt64
	)
	err := scan(&session.ID, &session.CoupleID, &activityType, &session.ActivityID, &session.CreatedBy,
		&state, &chat, &session.Version, &session.UpdatedBy, &createdAt, &updatedAt, &closedAt, &session.CloseReason)
	if err != nil {
		return nil, notFound(err, "session")
	}
	session.ActivityType = models.ActivityType(activityType)
	session.CreatedAt = fromMillis(createdAt)
	session.UpdatedAt = fromMillis(updatedAt)
	session.ClosedAt = fromNullMillis(closedAt)

	session.State = models.State{}
	if err := json.Unmarshal([]byte(state), &session.State); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	session.ChatHistory = []models.ChatMessage{}
	if err := json.Unmarshal([]byte(chat), &session.ChatHistory); err != nil {
		return nil, fmt.Errorf("decode chat history: %w", err)
	}
	return &session, nil
}
