package push

import (
	"context"
	"fmt"

	"github.com/wesalappx/wesal-app-sub001/internal/models"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
)

// APNsConfig configures token based APNs auth
type APNsConfig struct {
	KeyPath    string
	KeyID      string
	TeamID     string
	Topic      string
	Production bool
}

// APNs sends notifications to iOS devices
type APNs struct {
	client *apns2.Client
	topic  string
}

// NewAPNs creates an APNs sender from a .p8 signing key
func NewAPNs(cfg APNsConfig) (*APNs, error) {
	authKey, err := token.AuthKeyFromFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load APNs key: %w", err)
	}

	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	})
	if cfg.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}

	return &APNs{client: client, topic: cfg.Topic}, nil
}

// Send pushes an alert with the notification's deep link data
func (a *APNs) Send(ctx context.Context, deviceToken string, notification *models.Notification) error {
	p := payload.NewPayload().
		AlertTitle(notification.Title).
		AlertBody(notification.Body).
		Sound("default").
		ThreadID(notification.Type).
		Custom("notification_id", notification.ID)
	for k, v := range notification.Data {
		p.Custom(k, v)
	}

	res, err := a.client.PushWithContext(ctx, &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       a.topic,
		CollapseID:  notification.Type,
		Payload:     p,
	})
	if err != nil {
		return fmt.Errorf("failed to send APNs notification: %w", err)
	}
	if !res.Sent() {
		if res.Reason == apns2.ReasonBadDeviceToken || res.Reason == apns2.ReasonUnregistered {
			return ErrInvalidToken
		}
		return fmt.Errorf("APNs rejected notification: %d %s", res.StatusCode, res.Reason)
	}
	return nil
}
