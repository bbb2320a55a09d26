package email

import (
	"bytes"
	"io"
	"mime"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message/charset"
	"golang.org/x/text/encoding/charmap"
)

// encodedWord matches an RFC 2047 encoded word: =?charset?B|Q?text?=
var encodedWord = regexp.MustCompile(`=\?([^?\s]+)\?([bBqQ])\?([^?\s]*)\?=`)

// folding matches header line continuations.
var folding = regexp.MustCompile(`\r?\n[ \t]+`)

// transferDecoder undoes the B or Q encoding only. Words are relabelled
// utf-8 before decoding so the payload comes back byte for byte; the
// declared charset is applied afterwards by decodeCharset.
var transferDecoder = new(mime.WordDecoder)

// wordRun collects the payload of adjacent encoded words sharing a
// charset. Mailers split long subjects mid-character, so the charset is
// applied to the whole run.
type wordRun struct {
	charset string
	payload []byte
}

func (r *wordRun) flush(sb *strings.Builder) {
	if r.charset == "" {
		return
	}
	sb.WriteString(decodeCharset(r.charset, r.payload))
	r.charset = ""
	r.payload = r.payload[:0]
}

// DecodeHeader normalizes a raw header value to UTF-8 text. Encoded words
// are decoded with their declared charset; anything that fails falls
// back to ISO-8859-1. It never fails and returns "" for empty input.
func DecodeHeader(raw string) string {
	if raw == "" {
		return ""
	}
	raw = folding.ReplaceAllString(raw, " ")

	var (
		sb          strings.Builder
		run         wordRun
		pos         int
		prevEncoded bool
	)
	for _, m := range encodedWord.FindAllStringSubmatchIndex(raw, -1) {
		between := raw[pos:m[0]]
		// Whitespace separating two encoded words is not part of the text.
		if !prevEncoded || strings.TrimSpace(between) != "" {
			run.flush(&sb)
			sb.WriteString(decodeUnlabeled([]byte(between)))
		}
		pos = m[1]
		prevEncoded = true

		payload, err := transferDecode(raw[m[4]:m[5]], raw[m[6]:m[7]])
		if err != nil {
			run.flush(&sb)
			sb.WriteString(decodeLatin1([]byte(raw[m[0]:m[1]])))
			continue
		}

		cs := normalizeCharset(raw[m[2]:m[3]])
		if run.charset != cs {
			run.flush(&sb)
			run.charset = cs
		}
		run.payload = append(run.payload, payload...)
	}
	run.flush(&sb)
	sb.WriteString(decodeUnlabeled([]byte(raw[pos:])))

	return sb.String()
}

// transferDecode returns the raw payload of an encoded word.
func transferDecode(enc, text string) ([]byte, error) {
	s, err := transferDecoder.Decode("=?utf-8?" + enc + "?" + text + "?=")
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// normalizeCharset lower-cases a charset label and drops an RFC 2231
// language suffix such as utf-8*en.
func normalizeCharset(cs string) string {
	if i := strings.IndexByte(cs, '*'); i >= 0 {
		cs = cs[:i]
	}
	return strings.ToLower(strings.TrimSpace(cs))
}

// decodeCharset converts b from the declared charset to UTF-8, falling
// back to ISO-8859-1.
func decodeCharset(cs string, b []byte) string {
	cs = normalizeCharset(cs)
	switch cs {
	case "utf-8", "utf8", "us-ascii", "ascii":
		if utf8.Valid(b) {
			return string(b)
		}
		return decodeLatin1(b)
	}

	r, err := charset.Reader(cs, bytes.NewReader(b))
	if err != nil {
		return decodeLatin1(b)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return decodeLatin1(b)
	}
	return string(out)
}

// decodeUnlabeled handles text with no declared charset: UTF-8 when
// valid, ISO-8859-1 otherwise.
func decodeUnlabeled(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return decodeLatin1(b)
}

// decodeLatin1 maps every byte to a code point and cannot fail.
func decodeLatin1(b []byte) string {
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return strings.ToValidUTF8(string(b), "�")
	}
	return string(out)
}
