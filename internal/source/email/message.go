package email

import (
	"bytes"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailrelay/internal/model"
)

// Decode turns a raw message into its normalized form. It never fails:
// unreadable parts degrade to placeholders and an unparsable Date header
// falls back to now.
func Decode(raw model.RawMessage, now time.Time) model.DecodedMessage {
	msg := model.DecodedMessage{
		UID:          raw.UID,
		From:         UnknownSender,
		Subject:      NoSubject,
		Date:         now,
		DateFallback: true,
		Body:         UndecodableBody,
	}

	// Unknown charsets and transfer encodings still yield an entity whose
	// body is passed through undecoded.
	entity, err := gomessage.Read(bytes.NewReader(raw.Data))
	if err != nil && entity == nil {
		return msg
	}

	if from := DecodeHeader(entity.Header.Get("From")); from != "" {
		msg.From = from
	}
	if subject := DecodeHeader(entity.Header.Get("Subject")); subject != "" {
		msg.Subject = subject
	}

	h := mail.Header{Header: entity.Header}
	if date, err := h.Date(); err == nil && !date.IsZero() {
		msg.Date = date
		msg.DateFallback = false
	}

	msg.Body = ExtractBody(entity)
	return msg
}
