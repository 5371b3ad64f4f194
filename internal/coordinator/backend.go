package coordinator

import (
	"context"
	"errors"

	"github.com/wesalappx/wesal-app-sub001/internal/models"
	"github.com/wesalappx/wesal-app-sub001/internal/realtime"
	"github.com/wesalappx/wesal-app-sub001/internal/services"
)

// Backend is what a coordinator needs from the session store, the
// dispatcher and the bus. client.Client and LocalBackend implement it.
type Backend interface {
	CreateOrGetSession(ctx context.Context, cc models.CoupleContext, activityType models.ActivityType, activityID string) (*models.Session, bool, error)
	GetSession(ctx context.Context, cc models.CoupleContext, sessionID string) (*models.Session, error)
	UpdateState(ctx context.Context, cc models.CoupleContext, sessionID string, patch models.State) (*models.Session, error)
	AppendChatMessage(ctx context.Context, cc models.CoupleContext, sessionID, content string) (*models.Session, *models.ChatMessage, error)
	CloseSession(ctx context.Context, cc models.CoupleContext, sessionID, reason string) (*models.Session, error)
	NotifySessionInvite(ctx context.Context, cc models.CoupleContext, sessionID string) (*models.Notification, bool, error)
	Subscribe(ctx context.Context, topic string, filter realtime.Filter) (realtime.Stream, error)
}

// LocalBackend runs a coordinator in-process against the services and bus
type LocalBackend struct {
	Sessions      *services.SessionService
	Notifications *services.NotificationService
	Bus           *realtime.Bus
}

func (b *LocalBackend) CreateOrGetSession(ctx context.Context, cc models.CoupleContext, activityType models.ActivityType, activityID string) (*models.Session, bool, error) {
	return b.Sessions.CreateOrGetSession(ctx, cc, activityType, activityID)
}

func (b *LocalBackend) GetSession(ctx context.Context, cc models.CoupleContext, sessionID string) (*models.Session, error) {
	return b.Sessions.GetSession(ctx, cc, sessionID)
}

func (b *LocalBackend) UpdateState(ctx context.Context, cc models.CoupleContext, sessionID string, patch models.State) (*models.Session, error) {
	return b.Sessions.UpdateState(ctx, cc, sessionID, patch)
}

func (b *LocalBackend) AppendChatMessage(ctx context.Context, cc models.CoupleContext, sessionID, content string) (*models.Session, *models.ChatMessage, error) {
	return b.Sessions.AppendChatMessage(ctx, cc, sessionID, content)
}

func (b *LocalBackend) CloseSession(ctx context.Context, cc models.CoupleContext, sessionID, reason string) (*models.Session, error) {
	return b.Sessions.CloseSession(ctx, cc, sessionID, reason)
}

func (b *LocalBackend) NotifySessionInvite(ctx context.Context, cc models.CoupleContext, sessionID string) (*models.Notification, bool, error) {
	return b.Notifications.NotifySessionInvite(ctx, cc, sessionID)
}

func (b *LocalBackend) Subscribe(ctx context.Context, topic string, filter realtime.Filter) (realtime.Stream, error) {
	sub, err := b.Bus.Subscribe(ctx, topic, filter)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// isTransient reports whether a backend error may go away on retry. Domain
// errors never do.
func isTransient(err error) bool {
	if err == nil || models.ErrorCode(err) != "" {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return true
}
