package model

import "time"

// RawMessage is a message payload as fetched from the mailbox. It only
// lives for the duration of one polling cycle.
type RawMessage struct {
	// UID is the server-assigned, account-scoped message identifier.
	UID uint32

	// Data holds the full RFC 5322 message.
	Data []byte
}

// DecodedMessage is the normalized view of a RawMessage. All text fields
// are valid UTF-8; undecodable content is replaced by placeholders.
type DecodedMessage struct {
	UID     uint32
	From    string
	Subject string
	Date    time.Time
	Body    string

	// DateFallback reports that the Date header was missing or
	// unparsable and Date holds the decode time instead.
	DateFallback bool
}

// NotificationEvent is the record handed to the notification sink.
type NotificationEvent struct {
	AccountName string
	From        string
	Subject     string
	Date        time.Time

	// BodyExcerpt is the body truncated to the configured limit, ending
	// with TruncationMarker when it was cut.
	BodyExcerpt string
}

// TruncationMarker terminates a body excerpt that was cut short.
const TruncationMarker = "..."

// Excerpt truncates body to at most limit characters, appending
// TruncationMarker when anything was removed.
func Excerpt(body string, limit int) string {
	if limit <= 0 {
		return body
	}
	runes := []rune(body)
	if len(runes) <= limit {
		return body
	}
	return string(runes[:limit]) + TruncationMarker
}

// NewNotificationEvent builds the outward event for a decoded message.
func NewNotificationEvent(
	accountName string, msg DecodedMessage, bodyLimit int,
) NotificationEvent {
	return NotificationEvent{
		AccountName: accountName,
		From:        msg.From,
		Subject:     msg.Subject,
		Date:        msg.Date,
		BodyExcerpt: Excerpt(msg.Body, bodyLimit),
	}
}
