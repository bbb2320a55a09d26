package email

import (
	"io"
	"regexp"
	"strings"

	gomessage "github.com/emersion/go-message"
)

// htmlTagPattern matches HTML tags for stripping.
var htmlTagPattern = regexp.MustCompile(`<[^>]+>`)

var whitespaceRun = regexp.MustCompile(`\s+`)

// bodyParts accumulates candidates while walking a message.
type bodyParts struct {
	text       string
	html       string
	readFailed bool
}

// ExtractBody returns the best plain-text rendering of entity. Plain text
// parts win over HTML; attachments are ignored. The result is never
// empty: a placeholder is returned when no text can be recovered.
func ExtractBody(entity *gomessage.Entity) string {
	if entity == nil {
		return UndecodableBody
	}

	var parts bodyParts
	if mr := entity.MultipartReader(); mr != nil {
		walkMultipart(&parts, mr)
	} else {
		ct := contentType(entity)
		body, err := io.ReadAll(entity.Body)
		if err != nil {
			return UndecodableBody
		}
		if len(body) == 0 {
			return EmptyBody
		}
		switch ct {
		case "text/plain":
			parts.text = decodeUnlabeled(body)
		case "text/html":
			parts.html = decodeUnlabeled(body)
		}
	}

	if parts.text != "" {
		return parts.text
	}
	if stripped := stripHTML(parts.html); stripped != "" {
		return stripped
	}
	if parts.readFailed {
		return UndecodableBody
	}
	return NoTextBody
}

// walkMultipart iterates over parts of a multipart entity, recursing into
// nested multiparts. It stops at the first non-empty text/plain part.
func walkMultipart(parts *bodyParts, mr gomessage.MultipartReader) bool {
	for {
		part, err := mr.NextPart()
		if err != nil && part == nil {
			// io.EOF or a malformed boundary; keep what we have.
			return false
		}

		if isAttachment(part) {
			continue
		}

		if nested := part.MultipartReader(); nested != nil {
			if walkMultipart(parts, nested) {
				return true
			}
			continue
		}

		ct := contentType(part)
		if ct != "text/plain" && ct != "text/html" {
			continue
		}
		if ct == "text/html" && parts.html != "" {
			continue
		}

		body, err := io.ReadAll(part.Body)
		if err != nil {
			parts.readFailed = true
			continue
		}
		text := decodeUnlabeled(body)
		if strings.TrimSpace(text) == "" {
			continue
		}

		if ct == "text/plain" {
			parts.text = text
			return true
		}
		parts.html = text
	}
}

// contentType returns the lower-cased media type, defaulting to
// text/plain as RFC 2045 prescribes.
func contentType(e *gomessage.Entity) string {
	ct, _, err := e.Header.ContentType()
	if err != nil || ct == "" {
		return "text/plain"
	}
	return strings.ToLower(ct)
}

func isAttachment(e *gomessage.Entity) bool {
	disp, _, err := e.Header.ContentDisposition()
	if err != nil {
		return strings.Contains(
			strings.ToLower(e.Header.Get("Content-Disposition")), "attachment",
		)
	}
	return strings.EqualFold(disp, "attachment")
}

// stripHTML replaces tags with spaces and collapses whitespace.
func stripHTML(html string) string {
	if html == "" {
		return ""
	}
	result := htmlTagPattern.ReplaceAllString(html, " ")
	result = whitespaceRun.ReplaceAllString(result, " ")
	return strings.TrimSpace(result)
}
