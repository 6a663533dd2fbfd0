// Package transcode rewrites message text between the two platforms' link
// conventions. Euphoria leaves URLs bare and lets the client highlight them;
// Instant expects links wrapped in sigils, <URL> for a plain link and <!URL>
// for one the client should embed inline. Euphoria-to-Instant wraps every
// detected link not already wrapped by the author; Instant-to-Euphoria strips
// the sigils back off. Text without links passes through byte-identical in
// both directions.
package transcode

import (
	"regexp"
	"strings"

	"github.com/instabridge/instabridge/internal/autolink"
)

// imageHostRe matches hosts whose links Instant clients embed as images.
var imageHostRe = regexp.MustCompile(`^(https?://)?((i\.)?imgur\.com|i\.ytimg\.com|imgs\.xkcd\.com)\b`)

// sigilRe matches one wrapped link, embedding sigil included.
var sigilRe = regexp.MustCompile(`<!?[^<>]+>`)

// EuphoriaToInstant wraps each detected link in text in Instant sigils.
// Links the author already wrapped are left alone, as is everything that is
// not a valid whole link.
func EuphoriaToInstant(text string) string {
	spans := autolink.Autolink(text)

	var b strings.Builder
	b.Grow(len(text) + 16)
	for i, s := range spans {
		if s.Kind != autolink.KindLink || wrapped(spans, i) || !autolink.IsLink(s.Text) {
			b.WriteString(s.Text)
			continue
		}

		if imageHostRe.MatchString(s.Text) {
			b.WriteString("<!")
		} else {
			b.WriteByte('<')
		}
		b.WriteString(s.Text)
		b.WriteByte('>')
	}

	return b.String()
}

// InstantToEuphoria replaces each <URL> or <!URL> occurrence whose inner text
// is a valid whole link with the bare URL. Sigils around anything else are
// not links and stay as written.
func InstantToEuphoria(text string) string {
	return sigilRe.ReplaceAllStringFunc(text, func(m string) string {
		inner := strings.TrimPrefix(m[1:len(m)-1], "!")
		if autolink.IsLink(inner) {
			return inner
		}
		return m
	})
}

// wrapped reports whether the link span at index i already sits between an
// opening sigil at the end of the preceding text span and a closing ">" at
// the start of the following one.
func wrapped(spans []autolink.Span, i int) bool {
	if i == 0 || i+1 >= len(spans) {
		return false
	}
	prev, next := spans[i-1], spans[i+1]
	if prev.Kind != autolink.KindText || next.Kind != autolink.KindText {
		return false
	}
	if !strings.HasPrefix(next.Text, ">") {
		return false
	}
	return strings.HasSuffix(prev.Text, "<") || strings.HasSuffix(prev.Text, "<!")
}
