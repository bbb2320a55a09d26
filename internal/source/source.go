package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/mailrelay/internal/model"
)

// ErrorKind classifies a pipeline failure by the unit it affects.
type ErrorKind string

const (
	// ConnectionError is a network, DNS or TLS failure. The account's
	// cycle is aborted and retried on the next cycle.
	ConnectionError ErrorKind = "connection"

	// AuthError is a login or folder-select failure. Handled like
	// ConnectionError.
	AuthError ErrorKind = "auth"

	// FetchError means a single message could not be retrieved. The
	// message is skipped and retried on the next cycle.
	FetchError ErrorKind = "fetch"

	// DeliveryError means the sink rejected a notification. The message
	// is still decided and not retried.
	DeliveryError ErrorKind = "delivery"

	// InternalError covers store failures and recovered panics.
	InternalError ErrorKind = "internal"
)

// Error is a classified pipeline failure.
type Error struct {
	Kind    ErrorKind
	Account string
	UID     uint32
	Err     error
}

func (e *Error) Error() string {
	if e.UID != 0 {
		return fmt.Sprintf(
			"%s error (%s, uid %d): %v", e.Kind, e.Account, e.UID, e.Err,
		)
	}
	return fmt.Sprintf("%s error (%s): %v", e.Kind, e.Account, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind and the account it occurred on.
func NewError(kind ErrorKind, account string, err error) *Error {
	return &Error{Kind: kind, Account: account, Err: err}
}

// KindOf returns the kind of the first Error in err's chain, or
// InternalError when err carries no classification.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InternalError
}

// IsAuthError reports whether err (or any error in its chain) is an
// authentication failure.
func IsAuthError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == AuthError
}

// Step is a milestone reached while opening a session.
type Step int

const (
	StepConnected Step = iota + 1
	StepAuthenticated
	StepFolderSelected
)

// Progress observes the steps of Mailbox.Open. It may be nil.
type Progress func(Step)

// Report calls p with step unless p is nil.
func (p Progress) Report(step Step) {
	if p != nil {
		p(step)
	}
}

// Mailbox opens sessions against a mail server.
type Mailbox interface {
	// Open connects, authenticates and selects the account's folder,
	// reporting each completed step to progress. Failures are *Error
	// values of kind ConnectionError or AuthError.
	Open(ctx context.Context, account model.AccountConfig, progress Progress) (Session, error)
}

// Session is an authenticated connection with a selected folder.
type Session interface {
	// ListUIDs returns every UID present in the selected folder.
	ListUIDs(ctx context.Context) ([]uint32, error)

	// FetchRaw returns the full raw message for uid.
	FetchRaw(ctx context.Context, uid uint32) (model.RawMessage, error)

	// Close logs out and releases the connection.
	Close() error
}
