package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wesalappx/wesal-app-sub001/internal/models"
	"github.com/wesalappx/wesal-app-sub001/internal/realtime"
	"github.com/wesalappx/wesal-app-sub001/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	idleBatchSize  = 100
	sessionsTable  = "sessions"
	chatTable      = "chat_messages"
	maxCreateTries = 2
)

// Archiver stores a snapshot of a closed session
type Archiver interface {
	Archive(ctx context.Context, session *models.Session) error
}

// SessionService is the durable store of shared activity sessions. Every
// write is published on the couple's session topic.
type SessionService struct {
	store    repository.Store
	bus      EventBus
	archiver Archiver
	now      func() time.Time
}

// NewSessionService creates a new session service. archiver may be nil.
func NewSessionService(store repository.Store, bus EventBus, archiver Archiver, opts ...Option) *SessionService {
	o := buildOptions(opts)
	return &SessionService{
		store:    store,
		bus:      bus,
		archiver: archiver,
		now:      o.now,
	}
}

// CreateOrGetSession returns the live session of the couple for activityType,
// creating it when none exists. A live session for a different activity of
// the same type is superseded. created reports whether a new row was written.
func (s *SessionService) CreateOrGetSession(ctx context.Context, cc models.CoupleContext, activityType models.ActivityType, activityID string) (*models.Session, bool, error) {
	if !activityType.Valid() || strings.TrimSpace(activityID) == "" {
		return nil, false, models.ErrInvalidActivity
	}

	var lastErr error
	for attempt := 0; attempt < maxCreateTries; attempt++ {
		session, superseded, created, err := s.createOrGet(ctx, cc, activityType, activityID)
		if err == nil {
			if superseded != nil {
				s.publishSession(realtime.ChangeDelete, superseded)
				s.archive(ctx, superseded)
			}
			if created {
				s.publishSession(realtime.ChangeInsert, session)
				log.Info().
					Str("session_id", session.ID).
					Str("couple_id", session.CoupleID).
					Str("activity_type", string(activityType)).
					Str("activity_id", activityID).
					Msg("Session created")
			}
			return session, created, nil
		}
		if isDomainError(err) {
			return nil, false, err
		}
		lastErr = err
		if !errors.Is(err, repository.ErrConflict) {
			break
		}
		// Lost a race with the partner; the next attempt joins their session.
	}
	return nil, false, fmt.Errorf("%w: %v", models.ErrSessionCreateFailed, lastErr)
}

func (s *SessionService) createOrGet(ctx context.Context, cc models.CoupleContext, activityType models.ActivityType, activityID string) (session, superseded *models.Session, created bool, err error) {
	now := s.now()
	err = s.store.WithTx(ctx, func(tx repository.Store) error {
		couple, err := activeCouple(ctx, tx, cc)
		if err != nil {
			return err
		}

		live, err := tx.Sessions().GetLive(ctx, couple.ID, activityType)
		switch {
		case err == nil && live.ActivityID == activityID:
			session = live
			return nil
		case err == nil:
			if err := tx.Sessions().Close(ctx, live.ID, models.CloseSuperseded, now); err != nil {
				return err
			}
			live.ClosedAt = &now
			live.CloseReason = models.CloseSuperseded
			superseded = live
		case !errors.Is(err, repository.ErrNotFound):
			return err
		}

		session = &models.Session{
			ID:           uuid.New().String(),
			CoupleID:     couple.ID,
			ActivityType: activityType,
			ActivityID:   activityID,
			CreatedBy:    cc.UserID,
			State:        models.State{},
			ChatHistory:  []models.ChatMessage{},
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.Sessions().Create(ctx, session); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, nil, false, err
	}
	return session, superseded, created, nil
}

// GetSession returns a session of the caller's couple, live or closed
func (s *SessionService) GetSession(ctx context.Context, cc models.CoupleContext, sessionID string) (*models.Session, error) {
	session, err := s.store.Sessions().GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, models.ErrSessionNotFound
		}
		return nil, err
	}
	couple, err := s.store.Pairs().GetCoupleByID(ctx, session.CoupleID)
	if err != nil {
		return nil, fmt.Errorf("failed to get couple: %w", err)
	}
	if !couple.HasMember(cc.UserID) {
		return nil, models.ErrNotMember
	}
	if couple.Status != models.CoupleActive {
		return nil, models.ErrNotPaired
	}
	return session, nil
}

// UpdateState merges patch into the session state, field by field, last writer wins
func (s *SessionService) UpdateState(ctx context.Context, cc models.CoupleContext, sessionID string, patch models.State) (*models.Session, error) {
	session, err := s.mutate(ctx, cc, sessionID, func(session *models.Session, _ time.Time) error {
		session.State = session.State.Merge(patch)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishSession(realtime.ChangeUpdate, session)
	return session, nil
}

// AppendChatMessage appends a message to the session transcript
func (s *SessionService) AppendChatMessage(ctx context.Context, cc models.CoupleContext, sessionID, content string) (*models.Session, *models.ChatMessage, error) {
	content, err := models.NormalizeChat(content)
	if err != nil {
		return nil, nil, err
	}

	var message models.ChatMessage
	session, err := s.mutate(ctx, cc, sessionID, func(session *models.Session, now time.Time) error {
		message = models.ChatMessage{
			ID:        uuid.New().String(),
			SenderID:  cc.UserID,
			Content:   content,
			CreatedAt: now,
		}
		session.ChatHistory = append(session.ChatHistory, message)
		models.SortChat(session.ChatHistory)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.publishSession(realtime.ChangeUpdate, session)
	emit(s.bus, realtime.ChatTopic(session.ID), chatTable, realtime.ChangeInsert, map[string]string{
		"id":         message.ID,
		"session_id": session.ID,
		"sender_id":  message.SenderID,
	}, message)

	return session, &message, nil
}

func (s *SessionService) mutate(ctx context.Context, cc models.CoupleContext, sessionID string, apply func(*models.Session, time.Time) error) (*models.Session, error) {
	now := s.now()
	var session *models.Session

	err := s.store.WithTx(ctx, func(tx repository.Store) error {
		var err error
		session, err = s.lockForWrite(ctx, tx, cc, sessionID)
		if err != nil {
			return err
		}
		if err := apply(session, now); err != nil {
			return err
		}
		session.Version++
		session.UpdatedBy = cc.UserID
		session.UpdatedAt = now
		if err := tx.Sessions().Update(ctx, session); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return models.ErrSessionClosed
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *SessionService) lockForWrite(ctx context.Context, tx repository.Store, cc models.CoupleContext, sessionID string) (*models.Session, error) {
	session, err := tx.Sessions().GetByIDForUpdate(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, models.ErrSessionNotFound
		}
		return nil, err
	}
	couple, err := tx.Pairs().GetCoupleByID(ctx, session.CoupleID)
	if err != nil {
		return nil, fmt.Errorf("failed to get couple: %w", err)
	}
	if !couple.HasMember(cc.UserID) {
		return nil, models.ErrNotMember
	}
	if !session.IsLive() {
		return nil, models.ErrSessionClosed
	}
	if couple.Status != models.CoupleActive {
		return nil, models.ErrStaleWrite
	}
	return session, nil
}

// CloseSession ends a session. It is terminal: later writes fail with ErrSessionClosed.
func (s *SessionService) CloseSession(ctx context.Context, cc models.CoupleContext, sessionID, reason string) (*models.Session, error) {
	if reason == "" {
		reason = models.CloseFinished
	}
	if reason != models.CloseFinished && reason != models.CloseRejected {
		return nil, fmt.Errorf("unsupported close reason %q", reason)
	}

	now := s.now()
	var session *models.Session
	err := s.store.WithTx(ctx, func(tx repository.Store) error {
		var err error
		session, err = s.lockForWrite(ctx, tx, cc, sessionID)
		if err != nil {
			return err
		}
		if reason == models.CloseRejected && session.CreatedBy == cc.UserID {
			return models.ErrCannotReject
		}
		if err := tx.Sessions().Close(ctx, session.ID, reason, now); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return models.ErrSessionClosed
			}
			return err
		}
		session.ClosedAt = &now
		session.CloseReason = reason
		session.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishSession(realtime.ChangeDelete, session)
	s.archive(ctx, session)

	log.Info().
		Str("session_id", session.ID).
		Str("user_id", cc.UserID).
		Str("reason", reason).
		Msg("Session closed")
	return session, nil
}

// ExpireIdle closes live sessions that have not been written for ttl
func (s *SessionService) ExpireIdle(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := s.now().Add(-ttl)
	expired := 0

	for {
		idle, err := s.store.Sessions().ListIdle(ctx, cutoff, idleBatchSize)
		if err != nil {
			return expired, err
		}

		for _, session := range idle {
			now := s.now()
			if err := s.store.Sessions().CloseIfIdle(ctx, session.ID, models.CloseExpired, cutoff, now); err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					// closed or written since it was listed
					continue
				}
				return expired, err
			}
			session.ClosedAt = &now
			session.CloseReason = models.CloseExpired
			session.UpdatedAt = now
			s.publishSession(realtime.ChangeDelete, session)
			s.archive(ctx, session)
			expired++
		}

		if len(idle) < idleBatchSize {
			return expired, nil
		}
	}
}

func (s *SessionService) publishSession(changeType realtime.ChangeType, session *models.Session) {
	emit(s.bus, realtime.SessionTopic(session.CoupleID), sessionsTable, changeType, map[string]string{
		"id":            session.ID,
		"couple_id":     session.CoupleID,
		"activity_type": string(session.ActivityType),
		"activity_id":   session.ActivityID,
	}, session)
}

func (s *SessionService) archive(ctx context.Context, session *models.Session) {
	if s.archiver == nil {
		return
	}
	if err := s.archiver.Archive(ctx, session); err != nil {
		log.Error().Err(err).Str("session_id", session.ID).Msg("Failed to archive session")
	}
}
