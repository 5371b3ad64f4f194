package repository

import (
	"context"
	"errors"
	"time"

	"github.com/wesalappx/wesal-app-sub001/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique constraint rejects a write
	ErrConflict = errors.New("conflict")
)

// UserRepository persists user accounts
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id string) (*models.User, error)
	UpdatePushToken(ctx context.Context, userID string, pushToken, platform *string) error
	// LockUsers serializes concurrent pairing attempts touching the same users.
	LockUsers(ctx context.Context, ids ...string) error
}

// PairRepository persists pairing codes and couples
type PairRepository interface {
	CreateCode(ctx context.Context, code *models.PairingCode) error
	ExpireOpenCodes(ctx context.Context, issuerID string, at time.Time) error
	OpenCodeExists(ctx context.Context, code string, at time.Time) (bool, error)
	// GetCodeForUpdate returns the most recently issued row for code.
	GetCodeForUpdate(ctx context.Context, code string) (*models.PairingCode, error)
	GetOpenCode(ctx context.Context, issuerID, code string, at time.Time) (*models.PairingCode, error)
	ConsumeCode(ctx context.Context, id, consumedBy string, at time.Time) error

	CreateCouple(ctx context.Context, couple *models.Couple) error
	GetCoupleByID(ctx context.Context, id string) (*models.Couple, error)
	GetActiveCoupleByUserID(ctx context.Context, userID string) (*models.Couple, error)
	DeactivateCouple(ctx context.Context, id string, at time.Time) error
}

// SessionRepository persists shared activity sessions
type SessionRepository interface {
	// Create returns ErrConflict when a live session already exists for the couple and type.
	Create(ctx context.Context, session *models.Session) error
	GetByID(ctx context.Context, id string) (*models.Session, error)
	GetByIDForUpdate(ctx context.Context, id string) (*models.Session, error)
	GetLive(ctx context.Context, coupleID string, activityType models.ActivityType) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error
	Close(ctx context.Context, id, reason string, at time.Time) error
	// CloseIfIdle closes a live session only if it was last written before cutoff.
	CloseIfIdle(ctx context.Context, id, reason string, cutoff, at time.Time) error
	ListIdle(ctx context.Context, before time.Time, limit int) ([]*models.Session, error)
}

// NotificationRepository persists inbox notifications
type NotificationRepository interface {
	// Create reports false when a row with the same recipient and dedupe key exists.
	Create(ctx context.Context, notification *models.Notification) (bool, error)
	GetByDedupeKey(ctx context.Context, recipientID, dedupeKey string) (*models.Notification, error)
	ListByRecipient(ctx context.Context, recipientID string, limit int, unreadOnly bool) ([]*models.Notification, error)
	MarkRead(ctx context.Context, id, recipientID string, at time.Time) error
}

// Store groups the repositories of one backend. Repositories obtained from the
// Store passed to WithTx's callback share that transaction.
type Store interface {
	Users() UserRepository
	Pairs() PairRepository
	Sessions() SessionRepository
	Notifications() NotificationRepository
	WithTx(ctx context.Context, fn func(tx Store) error) error
	Close()
}
