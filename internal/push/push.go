// Package push delivers notifications to mobile devices through APNs and
// Firebase Cloud Messaging.
package push

import (
	"context"
	"errors"
	"fmt"

	"github.com/wesalappx/wesal-app-sub001/internal/models"
)

// ErrInvalidToken is returned when the provider rejects the device token for good
var ErrInvalidToken = errors.New("push token is no longer valid")

// Sender delivers one notification to one device token
type Sender interface {
	Send(ctx context.Context, token string, notification *models.Notification) error
}

// Router picks the sender by the user's push platform
type Router struct {
	senders map[string]Sender
}

// NewRouter creates a router. Platforms without a sender are skipped silently.
func NewRouter() *Router {
	return &Router{senders: make(map[string]Sender)}
}

// Register sets the sender for platform
func (r *Router) Register(platform string, sender Sender) *Router {
	r.senders[platform] = sender
	return r
}

// Push sends the notification to user's registered device
func (r *Router) Push(ctx context.Context, user *models.User, notification *models.Notification) error {
	if user.PushToken == nil || *user.PushToken == "" || user.PushPlatform == nil {
		return nil
	}
	sender, ok := r.senders[*user.PushPlatform]
	if !ok {
		return nil
	}
	if err := sender.Send(ctx, *user.PushToken, notification); err != nil {
		return fmt.Errorf("%s push: %w", *user.PushPlatform, err)
	}
	return nil
}
