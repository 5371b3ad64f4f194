package services

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/wesalappx/wesal-app-sub001/internal/models"
	"github.com/wesalappx/wesal-app-sub001/internal/realtime"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Whisper kinds
const (
	KindThinkingOfYou = "thinking_of_you"
	KindHug           = "hug"
	KindKiss          = "kiss"
	KindMissYou       = "miss_you"
	KindCustom        = "custom"
)

const maxWhisperLength = 280

var whisperTitles = map[string]string{
	KindThinkingOfYou: "Thinking of you",
	KindHug:           "A hug for you",
	KindKiss:          "A kiss for you",
	KindMissYou:       "Missing you",
	KindCustom:        "A whisper for you",
}

// QuotaChecker decides whether a user may send another whisper
type QuotaChecker interface {
	Allow(ctx context.Context, userID string) (bool, error)
}

// Signal is a lightweight message to the partner
type Signal struct {
	Kind    string `json:"kind" validate:"required,oneof=thinking_of_you hug kiss miss_you custom"`
	Message string `json:"message,omitempty" validate:"max=280"`
}

// WhisperEvent is the broadcast payload carried on the couple topic
type WhisperEvent struct {
	Type     string    `json:"type"`
	ID       string    `json:"id"`
	SenderID string    `json:"sender_id"`
	Kind     string    `json:"kind"`
	Message  string    `json:"message,omitempty"`
	SentAt   time.Time `json:"sent_at"`
}

// WhisperResult reports how a whisper was delivered
type WhisperResult struct {
	DeliveredLive int                  `json:"delivered_live"`
	Notification  *models.Notification `json:"notification"`
}

// WhisperService sends ephemeral signals between partners
type WhisperService struct {
	bus           EventBus
	notifications *NotificationService
	quota         QuotaChecker
	now           func() time.Time
}

// NewWhisperService creates a new whisper service. quota may be nil.
func NewWhisperService(bus EventBus, notifications *NotificationService, quota QuotaChecker, opts ...Option) *WhisperService {
	o := buildOptions(opts)
	return &WhisperService{
		bus:           bus,
		notifications: notifications,
		quota:         quota,
		now:           o.now,
	}
}

// Send broadcasts the signal to the partner's live connections and records
// it in the partner's inbox, whether or not they are online.
func (s *WhisperService) Send(ctx context.Context, cc models.CoupleContext, signal Signal) (*WhisperResult, error) {
	if !cc.IsPaired() {
		return nil, models.ErrNotPaired
	}
	title, ok := whisperTitles[signal.Kind]
	if !ok {
		return nil, models.ErrInvalidSignal
	}
	message := strings.TrimSpace(signal.Message)
	if utf8.RuneCountInString(message) > maxWhisperLength {
		return nil, models.ErrInvalidSignal
	}
	if signal.Kind == KindCustom && message == "" {
		return nil, models.ErrInvalidSignal
	}

	if s.quota != nil {
		allowed, err := s.quota.Allow(ctx, cc.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to check quota: %w", err)
		}
		if !allowed {
			return nil, models.ErrQuotaExceeded
		}
	}

	event := WhisperEvent{
		Type:     models.NotificationWhisper,
		ID:       uuid.New().String(),
		SenderID: cc.UserID,
		Kind:     signal.Kind,
		Message:  message,
		SentAt:   s.now(),
	}
	delivered, err := s.bus.Publish(realtime.CoupleTopic(cc.CoupleID), cc.UserID, event)
	if err != nil {
		return nil, fmt.Errorf("failed to publish whisper: %w", err)
	}

	body := message
	if body == "" {
		body = title
	}
	notification, _, err := s.notifications.Create(ctx, &models.Notification{
		ID:              event.ID,
		RecipientUserID: cc.PartnerID,
		Type:            models.NotificationWhisper,
		Title:           title,
		Body:            body,
		Data: map[string]string{
			"kind":      signal.Kind,
			"sender_id": cc.UserID,
		},
	})
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("user_id", cc.UserID).
		Str("couple_id", cc.CoupleID).
		Str("kind", signal.Kind).
		Int("delivered_live", delivered).
		Msg("Whisper sent")

	return &WhisperResult{DeliveredLive: delivered, Notification: notification}, nil
}
