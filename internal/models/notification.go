package models

import "time"

// Notification types
const (
	NotificationSessionInvite = "session_invite"
	NotificationWhisper       = "whisper"
)

// Notification is an inbox entry for a single recipient
type Notification struct {
	ID              string            `json:"id"`
	RecipientUserID string            `json:"recipient_user_id"`
	Type            string            `json:"type"`
	Title           string            `json:"title"`
	Body            string            `json:"body"`
	Data            map[string]string `json:"data,omitempty"`
	DedupeKey       string            `json:"-"`
	IsRead          bool              `json:"is_read"`
	CreatedAt       time.Time         `json:"created_at"`
	ReadAt          *time.Time        `json:"read_at,omitempty"`
}
