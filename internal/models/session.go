package models

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// ActivityType is the kind of shared activity a session hosts
type ActivityType string

const (
	ActivityGame    ActivityType = "game"
	ActivityJourney ActivityType = "journey"
)

// Valid reports whether t is a known activity type
func (t ActivityType) Valid() bool {
	return t == ActivityGame || t == ActivityJourney
}

// Close reasons recorded on a session
const (
	CloseFinished   = "finished"
	CloseRejected   = "rejected"
	CloseExpired    = "expired"
	CloseSuperseded = "superseded"
)

// State is the opaque JSON object shared by both devices
type State map[string]any

// Merge applies patch field by field. A nil value removes the field.
func (s State) Merge(patch State) State {
	out := make(State, len(s)+len(patch))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// Clone returns a deep copy through a JSON round trip
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return State{}
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		return State{}
	}
	return out
}

// ChatMessage is one entry in a session's chat transcript
type ChatMessage struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// MaxChatLength is the longest chat message, in runes
const MaxChatLength = 2000

// NormalizeChat trims content and checks its length
func NormalizeChat(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" || utf8.RuneCountInString(content) > MaxChatLength {
		return "", ErrInvalidMessage
	}
	return content, nil
}

// SortChat orders messages by timestamp; ties keep insertion order
func SortChat(messages []ChatMessage) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
}

// Session is the durable record of one shared activity for a couple
type Session struct {
	ID           string        `json:"id"`
	CoupleID     string        `json:"couple_id"`
	ActivityType ActivityType  `json:"activity_type"`
	ActivityID   string        `json:"activity_id"`
	CreatedBy    string        `json:"created_by"`
	State        State         `json:"state"`
	ChatHistory  []ChatMessage `json:"chat_history"`
	Version      int64         `json:"version"`
	UpdatedBy    string        `json:"updated_by,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	ClosedAt     *time.Time    `json:"closed_at,omitempty"`
	CloseReason  string        `json:"close_reason,omitempty"`
}

// IsLive reports whether the session has not been closed
func (s *Session) IsLive() bool {
	return s.ClosedAt == nil
}
