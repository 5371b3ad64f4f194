package models

import "errors"

// Error is a domain error with a stable machine-readable code
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Pairing errors
var (
	ErrAlreadyPaired   = newError("already_paired", "user is already in a couple")
	ErrInvalidCode     = newError("invalid_code", "pairing code is not valid")
	ErrExpiredCode     = newError("expired_code", "pairing code has expired, request a new one")
	ErrAlreadyConsumed = newError("already_consumed", "pairing code has already been used")
	ErrSelfPairing     = newError("self_pairing", "cannot pair with yourself")
	ErrNotPaired       = newError("not_paired", "user is not in a couple")
	ErrNotMember       = newError("not_member", "user is not a member of this couple")
	ErrCoupleNotFound  = newError("couple_not_found", "couple not found")
)

// Session errors
var (
	ErrSessionCreateFailed = newError("session_create_failed", "failed to start shared session, try again")
	ErrSessionNotFound     = newError("session_not_found", "session not found")
	ErrSessionClosed       = newError("session_closed", "session has been closed")
	ErrStaleWrite          = newError("stale_write", "session belongs to a couple that is no longer active")
	ErrNotSessionCreator   = newError("not_session_creator", "only the session creator can do this")
	ErrCannotReject        = newError("cannot_reject", "only the invited partner can reject a session")
	ErrInvalidActivity     = newError("invalid_activity", "unknown activity type")
	ErrInvalidMessage      = newError("invalid_message", "chat message must be between 1 and 2000 characters")
)

// Realtime errors
var (
	ErrSubscriptionDropped = newError("subscription_dropped", "realtime subscription dropped")
	ErrTopicForbidden      = newError("topic_forbidden", "topic is not accessible")
)

// Other errors
var (
	ErrUserNotFound         = newError("user_not_found", "user not found")
	ErrNotificationNotFound = newError("notification_not_found", "notification not found")
	ErrQuotaExceeded        = newError("quota_exceeded", "usage limit reached")
	ErrInvalidSignal        = newError("invalid_signal", "unknown whisper kind")
)

var knownErrors = []*Error{
	ErrAlreadyPaired, ErrInvalidCode, ErrExpiredCode, ErrAlreadyConsumed, ErrSelfPairing,
	ErrNotPaired, ErrNotMember, ErrCoupleNotFound,
	ErrSessionCreateFailed, ErrSessionNotFound, ErrSessionClosed, ErrStaleWrite,
	ErrNotSessionCreator, ErrCannotReject, ErrInvalidActivity, ErrInvalidMessage,
	ErrSubscriptionDropped, ErrTopicForbidden,
	ErrUserNotFound, ErrNotificationNotFound, ErrQuotaExceeded, ErrInvalidSignal,
}

// ErrorCode returns the machine code of the first domain error in err's chain
func ErrorCode(err error) string {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// ErrorFromCode returns the sentinel for code, or nil if the code is unknown
func ErrorFromCode(code string) *Error {
	for _, e := range knownErrors {
		if e.Code == code {
			return e
		}
	}
	return nil
}
