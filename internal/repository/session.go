package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wesalappx/wesal-app-sub001/internal/models"
)

// PgSessionRepository handles database operations for sessions
type PgSessionRepository struct {
	db DBTX
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db DBTX) *PgSessionRepository {
	return &PgSessionRepository{db: db}
}

const sessionColumns = `id, couple_id, activity_type, activity_id, created_by, state, chat_history,
	version, updated_by, created_at, updated_at, closed_at, close_reason`

// Create creates a new session
func (r *PgSessionRepository) Create(ctx context.Context, session *models.Session) error {
	state, chat, err := encodeSessionPayload(session)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sessions (id, couple_id, activity_type, activity_id, created_by, state, chat_history,
			version, updated_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = r.db.Exec(ctx, query,
		session.ID, session.CoupleID, session.ActivityType, session.ActivityID, session.CreatedBy,
		state, chat, session.Version, session.UpdatedBy, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("live session exists: %w", ErrConflict)
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetByID retrieves a session by ID
func (r *PgSessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	return scanSession(r.db.QueryRow(ctx, query, id).Scan, notFound)
}

// GetByIDForUpdate retrieves a session by ID and locks the row
func (r *PgSessionRepository) GetByIDForUpdate(ctx context.Context, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1 FOR UPDATE`
	return scanSession(r.db.QueryRow(ctx, query, id).Scan, notFound)
}

// GetLive retrieves the live session of a couple for an activity type
func (r *PgSessionRepository) GetLive(ctx context.Context, coupleID string, activityType models.ActivityType) (*models.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE couple_id = $1 AND activity_type = $2 AND closed_at IS NULL
		FOR UPDATE
	`
	return scanSession(r.db.QueryRow(ctx, query, coupleID, activityType).Scan, notFound)
}

// Update persists state, chat and bookkeeping columns of a live session
func (r *PgSessionRepository) Update(ctx context.Context, session *models.Session) error {
	state, chat, err := encodeSessionPayload(session)
	if err != nil {
		return err
	}

	query := `
		UPDATE sessions
		SET state = $2, chat_history = $3, version = $4, updated_by = $5, updated_at = $6
		WHERE id = $1 AND closed_at IS NULL
	`
	result, err := r.db.Exec(ctx, query,
		session.ID, state, chat, session.Version, session.UpdatedBy, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("live session not found: %w", ErrNotFound)
	}
	return nil
}

// Close marks a live session as closed
func (r *PgSessionRepository) Close(ctx context.Context, id, reason string, at time.Time) error {
	query := `UPDATE sessions SET closed_at = $2, close_reason = $3, updated_at = $2 WHERE id = $1 AND closed_at IS NULL`
	result, err := r.db.Exec(ctx, query, id, at, reason)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("live session not found: %w", ErrNotFound)
	}
	return nil
}

// CloseIfIdle closes a live session that has not been written since cutoff
func (r *PgSessionRepository) CloseIfIdle(ctx context.Context, id, reason string, cutoff, at time.Time) error {
	query := `
		UPDATE sessions SET closed_at = $2, close_reason = $3, updated_at = $2
		WHERE id = $1 AND closed_at IS NULL AND updated_at < $4
	`
	result, err := r.db.Exec(ctx, query, id, at, reason, cutoff)
	if err != nil {
		return fmt.Errorf("failed to close idle session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("idle session not found: %w", ErrNotFound)
	}
	return nil
}

// ListIdle returns live sessions not updated since before
func (r *PgSessionRepository) ListIdle(ctx context.Context, before time.Time, limit int) ([]*models.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE closed_at IS NULL AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list idle sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows.Scan, notFound)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

func encodeSessionPayload(session *models.Session) ([]byte, []byte, error) {
	stateValue := session.State
	if stateValue == nil {
		stateValue = models.State{}
	}
	state, err := json.Marshal(stateValue)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode session state: %w", err)
	}
	chatValue := session.ChatHistory
	if chatValue == nil {
		chatValue = []models.ChatMessage{}
	}
	chat, err := json.Marshal(chatValue)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode chat history: %w", err)
	}
	return state, chat, nil
}

func decodeSessionPayload(session *models.Session, state, chat []byte) error {
	session.State = models.State{}
	if len(state) > 0 {
		if err := json.Unmarshal(state, &session.State); err != nil {
			return fmt.Errorf("failed to decode session state: %w", err)
		}
	}
	session.ChatHistory = []models.ChatMessage{}
	if len(chat) > 0 {
		if err := json.Unmarshal(chat, &session.ChatHistory); err != nil {
			return fmt.Errorf("failed to decode chat history: %w", err)
		}
	}
	return nil
}

func scanSession(scan func(dest ...any) error, onErr func(error, string) error) (*models.Session, error) {
	var (
		session     models.Session
		state, chat []byte
	)
	err := scan(
		&session.ID, &session.CoupleID, &session.ActivityType, &session.ActivityID, &session.CreatedBy,
		&state, &chat, &session.Version, &session.UpdatedBy, &session.CreatedAt, &session.UpdatedAt,
		&session.ClosedAt, &session.CloseReason,
	)
	if err != nil {
		return nil, onErr(err, "session")
	}
	if err := decodeSessionPayload(&session, state, chat); err != nil {
		return nil, err
	}
	return &session, nil
}
