package store

import (
	"context"
	"errors"

	"github.com/nhle/mailrelay/internal/model"
)

// ErrUnknownAccount is returned when an operation references an account
// that was never registered with EnsureAccount.
var ErrUnknownAccount = errors.New("unknown account")

// NotificationFilter controls which delivery log entries are returned.
type NotificationFilter struct {
	AccountID string // empty selects all accounts
	Limit     int
}

// Store defines the persistence interface for per-account progress,
// per-message decisions, the fetch-failure ledger and the delivery log.
type Store interface {
	// === Accounts ===

	// EnsureAccount registers the account if unseen, seeding its
	// watermark with initial, and returns the current watermark.
	EnsureAccount(ctx context.Context, id, name string, initial uint32) (uint32, error)
	Watermark(ctx context.Context, id string) (uint32, error)

	// SetWatermark raises the watermark to uid. Lower values are ignored.
	// Decisions and fetch failures at or below the new watermark are
	// discarded.
	SetWatermark(ctx context.Context, id string, uid uint32) error
	GetAccountStates(ctx context.Context) ([]model.AccountState, error)

	// === Decisions ===

	MarkDecided(ctx context.Context, id string, uid uint32, d model.Decision) error
	DecidedAbove(ctx context.Context, id string, watermark uint32) (map[uint32]model.Decision, error)

	// === Fetch failures ===

	// RecordFetchFailure increments the failure count of uid and returns
	// the new count.
	RecordFetchFailure(ctx context.Context, id string, uid uint32, reason string) (int, error)
	ClearFetchFailure(ctx context.Context, id string, uid uint32) error

	// === Notifications ===

	CreateNotification(ctx context.Context, n model.Notification) error
	GetNotifications(ctx context.Context, filter NotificationFilter) ([]model.Notification, error)

	Close() error
}
