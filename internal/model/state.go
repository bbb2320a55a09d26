package model

import "time"

// Decision is the final outcome recorded for a message UID.
type Decision string

const (
	// DecisionEmitted means the notification was delivered.
	DecisionEmitted Decision = "emitted"

	// DecisionBlocked means a blacklist rule suppressed the message.
	DecisionBlocked Decision = "blocked"

	// DecisionDeliveryFailed means the sink rejected the notification.
	// The message is not retried.
	DecisionDeliveryFailed Decision = "delivery_failed"

	// DecisionSkipped means the message could not be fetched after the
	// configured number of attempts and was given up on.
	DecisionSkipped Decision = "skipped"
)

// AccountState is the persisted progress record of one account.
type AccountState struct {
	ID             string    `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	LastCheckedUID uint32    `db:"last_checked_uid" json:"last_checked_uid"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}
