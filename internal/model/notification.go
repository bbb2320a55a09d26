package model

import "time"

// Notification is a delivery log entry for a message relayed (or
// attempted) to the notification sink.
type Notification struct {
	// ID is the unique identifier for this notification.
	ID string `json:"id"`

	// AccountID links this notification to the originating account.
	AccountID string `json:"account_id"`

	// UID is the message UID within the account's folder.
	UID uint32 `json:"uid"`

	From    string `json:"from"`
	Subject string `json:"subject"`

	// Delivered reports whether the sink accepted the notification.
	Delivered bool `json:"delivered"`

	// Error holds the sink error when Delivered is false.
	Error string `json:"error,omitempty"`

	// CreatedAt is when the delivery was attempted.
	CreatedAt time.Time `json:"created_at"`
}
