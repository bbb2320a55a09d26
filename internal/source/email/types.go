package email

import "crypto/tls"

// Options tunes how the IMAP client dials servers.
type Options struct {
	// TLSConfig is cloned per connection; ServerName is filled in from
	// the account when empty.
	TLSConfig *tls.Config
}

// Placeholders substituted when a header or body cannot be recovered.
const (
	UnknownSender   = "Unknown"
	NoSubject       = "(no subject)"
	EmptyBody       = "(empty message)"
	UndecodableBody = "(could not decode message)"
	NoTextBody      = "(no text content)"
)
