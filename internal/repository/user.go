package repository

import (
	"context"
	"fmt"
	"sort"

	"github.com/wesalappx/wesal-app-sub001/internal/models"
)

// PgUserRepository handles database operations for users
type PgUserRepository struct {
	db DBTX
}

// NewUserRepository creates a new user repository
func NewUserRepository(db DBTX) *PgUserRepository {
	return &PgUserRepository{db: db}
}

// Create creates a new user
func (r *PgUserRepository) Create(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, display_name, push_token, push_platform, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.Exec(ctx, query, user.ID, user.DisplayName, user.PushToken, user.PushPlatform, user.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetByID retrieves a user by ID
func (r *PgUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `
		SELECT id, display_name, push_token, push_platform, created_at
		FROM users
		WHERE id = $1
	`
	var user models.User
	err := r.db.QueryRow(ctx, query, id).Scan(
		&user.ID, &user.DisplayName, &user.PushToken, &user.PushPlatform, &user.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err, "user")
	}
	return &user, nil
}

// UpdatePushToken updates the push token for a user
func (r *PgUserRepository) UpdatePushToken(ctx context.Context, userID string, pushToken, platform *string) error {
	query := `UPDATE users SET push_token = $1, push_platform = $2 WHERE id = $3`
	result, err := r.db.Exec(ctx, query, pushToken, platform, userID)
	if err != nil {
		return fmt.Errorf("failed to update push token: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("user not found: %w", ErrNotFound)
	}
	return nil
}

// LockUsers takes row locks on the given users in a stable order
func (r *PgUserRepository) LockUsers(ctx context.Context, ids ...string) error {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	rows, err := r.db.Query(ctx, `SELECT id FROM users WHERE id = ANY($1) ORDER BY id FOR UPDATE`, sorted)
	if err != nil {
		return fmt.Errorf("failed to lock users: %w", err)
	}
	rows.Close()
	return rows.Err()
}
