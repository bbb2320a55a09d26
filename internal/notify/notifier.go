package notify

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nhle/mailrelay/internal/model"
)

// Sink delivers a pre-formatted chat message.
type Sink interface {
	Send(ctx context.Context, text string) error
}

// DateLayout is the layout used for the Date line of a notification.
const DateLayout = time.RFC1123Z

// markdownEscaper escapes the legacy Markdown control characters outside
// of an entity.
var markdownEscaper = strings.NewReplacer(
	"_", `\_`,
	"*", `\*`,
	"`", "\\`",
	"[", `\[`,
)

// fenceBreaker keeps a body from closing its pre block. Legacy Markdown
// has no escapes inside an entity, so every backtick is followed by a
// zero-width space and no run of three can form.
var fenceBreaker = strings.NewReplacer("`", "`\u200b")

const (
	// maxReportedErrors is the number of errors listed in one report.
	maxReportedErrors = 10

	// maxErrorRunes caps the report text before escaping, which at most
	// doubles it, to stay under the 4096 character message limit.
	maxErrorRunes = 1800
)

// Notifier formats notification events and error reports for a Sink.
type Notifier struct {
	sink Sink
}

// New creates a Notifier that writes to sink.
func New(sink Sink) *Notifier {
	return &Notifier{sink: sink}
}

// Deliver sends the header message and then the body excerpt as a
// separate code block.
func (n *Notifier) Deliver(ctx context.Context, event model.NotificationEvent) error {
	if err := n.sink.Send(ctx, FormatHeader(event)); err != nil {
		return fmt.Errorf("sending header: %w", err)
	}

	if event.BodyExcerpt == "" {
		return nil
	}
	if err := n.sink.Send(ctx, FormatBody(event.BodyExcerpt)); err != nil {
		return fmt.Errorf("sending body: %w", err)
	}
	return nil
}

// ReportError sends an operator-facing error report.
func (n *Notifier) ReportError(ctx context.Context, account string, err error) error {
	if sendErr := n.sink.Send(ctx, FormatError(account, err)); sendErr != nil {
		return fmt.Errorf("sending error report: %w", sendErr)
	}
	return nil
}

// FormatHeader renders the summary message of an event.
func FormatHeader(event model.NotificationEvent) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "📧 *New email* (%s)\n\n", EscapeMarkdown(event.AccountName))
	fmt.Fprintf(&sb, "*From:* %s\n", EscapeMarkdown(event.From))
	fmt.Fprintf(&sb, "*Subject:* %s\n", EscapeMarkdown(event.Subject))
	fmt.Fprintf(&sb, "*Date:* %s\n", event.Date.Format(DateLayout))
	return sb.String()
}

// FormatBody wraps a body excerpt in a pre-formatted block.
func FormatBody(body string) string {
	return "```\n" + fenceBreaker.Replace(body) + "\n```"
}

// FormatError renders an error report for account.
func FormatError(account string, err error) string {
	msg := errorText(err)
	if account == "" {
		return fmt.Sprintf("⚠️ *Mail relay error*\n\n%s", EscapeMarkdown(msg))
	}
	return fmt.Sprintf("⚠️ *Mail relay error* (%s)\n\n%s",
		EscapeMarkdown(account), EscapeMarkdown(msg))
}

// errorText lists the errors joined in err, at most maxReportedErrors of
// them, and caps the result at maxErrorRunes.
func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}

	msg := err.Error()
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs := joined.Unwrap()
		lines := make([]string, 0, maxReportedErrors+1)
		for i, e := range errs {
			if i == maxReportedErrors {
				lines = append(lines, fmt.Sprintf("... and %d more", len(errs)-i))
				break
			}
			lines = append(lines, e.Error())
		}
		msg = strings.Join(lines, "\n")
	}

	if utf8.RuneCountInString(msg) > maxErrorRunes {
		msg = string([]rune(msg)[:maxErrorRunes]) + "..."
	}
	return msg
}

// EscapeMarkdown escapes text for Telegram's legacy Markdown mode.
func EscapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
