package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wesalappx/wesal-app-sub001/internal/models"
	"github.com/wesalappx/wesal-app-sub001/internal/push"
	"github.com/wesalappx/wesal-app-sub001/internal/realtime"
	"github.com/wesalappx/wesal-app-sub001/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	notificationsTable  = "notifications"
	defaultListLimit    = 50
	maxListLimit        = 200
	sessionInviteTitle  = "Your partner is waiting"
	sessionInviteLinkFm = "wesal://%s/%s?mode=remote"
)

// Pusher delivers a notification to the recipient's device
type Pusher interface {
	Push(ctx context.Context, user *models.User, notification *models.Notification) error
}

// NotificationService writes inbox notifications and fans them out live and by push
type NotificationService struct {
	store  repository.Store
	bus    EventBus
	pusher Pusher
	now    func() time.Time
}

// NewNotificationService creates a new notification service. pusher may be nil.
func NewNotificationService(store repository.Store, bus EventBus, pusher Pusher, opts ...Option) *NotificationService {
	o := buildOptions(opts)
	return &NotificationService{
		store:  store,
		bus:    bus,
		pusher: pusher,
		now:    o.now,
	}
}

// NotifySessionInvite invites the partner into a live session. Repeated calls
// for the same session return the original notification with created false.
func (s *NotificationService) NotifySessionInvite(ctx context.Context, cc models.CoupleContext, sessionID string) (*models.Notification, bool, error) {
	var session *models.Session
	err := s.store.WithTx(ctx, func(tx repository.Store) error {
		couple, err := activeCouple(ctx, tx, cc)
		if err != nil {
			return err
		}
		session, err = tx.Sessions().GetByID(ctx, sessionID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return models.ErrSessionNotFound
			}
			return err
		}
		if session.CoupleID != couple.ID {
			return models.ErrNotMember
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if session.CreatedBy != cc.UserID {
		return nil, false, models.ErrNotSessionCreator
	}
	if !session.IsLive() {
		return nil, false, models.ErrSessionClosed
	}

	link := fmt.Sprintf(sessionInviteLinkFm, session.ActivityType, session.ActivityID)
	notification := &models.Notification{
		RecipientUserID: cc.PartnerID,
		Type:            models.NotificationSessionInvite,
		Title:           sessionInviteTitle,
		Body:            fmt.Sprintf("Join the %s together", session.ActivityType),
		Data: map[string]string{
			"session_id":    session.ID,
			"activity_type": string(session.ActivityType),
			"activity_id":   session.ActivityID,
			"mode":          "remote",
			"link":          link,
		},
		DedupeKey: "session_invite:" + session.ID,
	}
	return s.Create(ctx, notification)
}

// Create stores notification and, when it is new, delivers it. An existing
// row with the same dedupe key is returned instead.
func (s *NotificationService) Create(ctx context.Context, notification *models.Notification) (*models.Notification, bool, error) {
	if notification.ID == "" {
		notification.ID = uuid.New().String()
	}
	if notification.DedupeKey == "" {
		notification.DedupeKey = notification.ID
	}
	notification.CreatedAt = s.now()

	created, err := s.store.Notifications().Create(ctx, notification)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create notification: %w", err)
	}
	if !created {
		existing, err := s.store.Notifications().GetByDedupeKey(ctx, notification.RecipientUserID, notification.DedupeKey)
		if err != nil {
			return nil, false, fmt.Errorf("failed to get notification: %w", err)
		}
		return existing, false, nil
	}

	s.deliver(ctx, notification)
	return notification, true, nil
}

func (s *NotificationService) deliver(ctx context.Context, notification *models.Notification) {
	emit(s.bus, realtime.NotificationTopic(notification.RecipientUserID), notificationsTable, realtime.ChangeInsert,
		map[string]string{
			"id":                notification.ID,
			"recipient_user_id": notification.RecipientUserID,
			"type":              notification.Type,
		}, notification)

	if s.pusher == nil {
		return
	}
	user, err := s.store.Users().GetByID(ctx, notification.RecipientUserID)
	if err != nil {
		log.Error().Err(err).Str("user_id", notification.RecipientUserID).Msg("Failed to load push recipient")
		return
	}
	if user.PushToken == nil {
		return
	}
	if err := s.pusher.Push(ctx, user, notification); err != nil {
		if errors.Is(err, push.ErrInvalidToken) {
			if err := s.store.Users().UpdatePushToken(ctx, user.ID, nil, nil); err != nil {
				log.Error().Err(err).Str("user_id", user.ID).Msg("Failed to clear push token")
			}
		}
		log.Warn().
			Err(err).
			Str("user_id", user.ID).
			Str("notification_id", notification.ID).
			Msg("Push delivery failed")
	}
}

// List returns the user's notifications, newest first
func (s *NotificationService) List(ctx context.Context, userID string, limit int, unreadOnly bool) ([]*models.Notification, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.store.Notifications().ListByRecipient(ctx, userID, limit, unreadOnly)
}

// MarkRead marks one of the user's notifications read
func (s *NotificationService) MarkRead(ctx context.Context, userID, notificationID string) error {
	err := s.store.Notifications().MarkRead(ctx, notificationID, userID, s.now())
	if errors.Is(err, repository.ErrNotFound) {
		return models.ErrNotificationNotFound
	}
	return err
}
