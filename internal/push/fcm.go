package push

import (
	"context"
	"fmt"

	"github.com/wesalappx/wesal-app-sub001/internal/models"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// MessageSender is the part of the FCM client used for delivery
type MessageSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCM sends notifications to Android devices
type FCM struct {
	client MessageSender
}

// NewFCM creates an FCM sender from a service account file
func NewFCM(ctx context.Context, credentialsPath string) (*FCM, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsPath))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get messaging client: %w", err)
	}

	return NewFCMWithClient(client), nil
}

// NewFCMWithClient wraps an existing messaging client
func NewFCMWithClient(client MessageSender) *FCM {
	return &FCM{client: client}
}

// Send pushes a notification message carrying the deep link data
func (f *FCM) Send(ctx context.Context, deviceToken string, notification *models.Notification) error {
	data := make(map[string]string, len(notification.Data)+2)
	for k, v := range notification.Data {
		data[k] = v
	}
	data["notification_id"] = notification.ID
	data["type"] = notification.Type

	_, err := f.client.Send(ctx, &messaging.Message{
		Token: deviceToken,
		Notification: &messaging.Notification{
			Title: notification.Title,
			Body:  notification.Body,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority:    "high",
			CollapseKey: notification.Type,
		},
	})
	if err != nil {
		if messaging.IsUnregistered(err) || messaging.IsInvalidArgument(err) {
			return ErrInvalidToken
		}
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}
