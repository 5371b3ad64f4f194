package realtime

import (
	"encoding/json"
	"time"
)

// ChangeType is the kind of row change carried by a change-feed event
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// EventKind distinguishes change-feed events from ephemeral broadcasts
type EventKind string

const (
	KindChange    EventKind = "change"
	KindBroadcast EventKind = "broadcast"
)

// Change describes a row-level change. Columns carries the filterable
// identity columns of the row; Record is the full row as JSON.
type Change struct {
	Table   string            `json:"table"`
	Type    ChangeType        `json:"type"`
	Columns map[string]string `json:"columns,omitempty"`
	Record  json.RawMessage   `json:"record,omitempty"`
}

// Event is what subscribers receive
type Event struct {
	Topic   string          `json:"topic"`
	Kind    EventKind       `json:"kind"`
	Change  *Change         `json:"change,omitempty"`
	Sender  string          `json:"sender,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
}

// Filter matches change events by column equality. An empty filter matches everything.
type Filter map[string]string

// Matches reports whether e passes the filter. Broadcasts always pass.
func (f Filter) Matches(e Event) bool {
	if len(f) == 0 || e.Kind != KindChange || e.Change == nil {
		return true
	}
	for column, want := range f {
		if e.Change.Columns[column] != want {
			return false
		}
	}
	return true
}

// Topic names
const (
	SessionTopicPrefix      = "session:"
	CoupleTopicPrefix       = "couple:"
	ChatTopicPrefix         = "chat:"
	NotificationTopicPrefix = "notifications:"
)

// SessionTopic carries change events for every session of a couple
func SessionTopic(coupleID string) string { return SessionTopicPrefix + coupleID }

// CoupleTopic carries couple changes, presence and whispers
func CoupleTopic(coupleID string) string { return CoupleTopicPrefix + coupleID }

// ChatTopic carries chat message inserts of one session
func ChatTopic(sessionID string) string { return ChatTopicPrefix + sessionID }

// NotificationTopic carries inbox inserts of one user
func NotificationTopic(userID string) string { return NotificationTopicPrefix + userID }

// Stream is a live feed of one topic. *Subscription implements it; remote
// clients provide their own.
type Stream interface {
	Topic() string
	Events() <-chan Event
	Err() error
	Close() error
}
