// Package autolink detects URLs and email addresses in plain chat text.
//
// The matching rules follow Autolinker.js as deployed by the Euphoria web
// client, so that the bridge agrees with what Euphoria users actually see
// highlighted: optional scheme, bare www. hosts, domain.tld against a fixed
// TLD whitelist, and a permissive path charset. Matches with a javascript:
// or cbscript: scheme, schemeless matches without a dot, and schemes not
// followed by any letter are all demoted to plain text. A single trailing
// close-paren is split off a link when the parens inside it are unbalanced,
// so that "(see http://x.com/y)" links cleanly.
//
// The reference pattern relies on lookbehind and lookahead assertions that
// RE2 does not support; this implementation uses assertion-free patterns and
// applies the same conditions as explicit post-match checks, re-searching
// the rejected region with a scheme-free pattern where the reference engine
// would have backtracked into another alternative. Span coverage is exact in
// all cases: concatenating the emitted span texts reproduces the input.
package autolink

import (
	"regexp"
	"strings"
)

// Kind labels one span of input text.
type Kind uint8

const (
	// KindText is a run of characters with no detected link or address.
	KindText Kind = iota

	// KindEmail is an email address.
	KindEmail

	// KindLink is a hyperlink.
	KindLink
)

// String returns a human-readable kind name for logs and test output.
func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindEmail:
		return "email"
	case KindLink:
		return "link"
	default:
		return "unknown"
	}
}

// Span is one classified segment of the input. Autolink emits spans in
// input order; adjacent KindText spans may occur.
type Span struct {
	Kind Kind
	Text string
}

// tlds is the pipe-joined whitelist of top-level domains the detector
// recognizes, ordered longest-first so that alternation prefers the most
// specific label.
const tlds = "international|construction|contractors|enterprises|photography|produ" +
	"ctions|foundation|immobilien|industries|management|properties|technology" +
	"|christmas|community|directory|education|equipment|institute|marketing|s" +
	"olutions|vacations|bargains|boutique|builders|catering|cleaning|clothing" +
	"|computer|democrat|diamonds|graphics|holdings|lighting|partners|plumbing" +
	"|supplies|training|ventures|academy|careers|company|cruises|domains|expo" +
	"sed|flights|florist|gallery|guitars|holiday|kitchen|neustar|okinawa|reci" +
	"pes|rentals|reviews|shiksha|singles|support|systems|agency|berlin|camera" +
	"|center|coffee|condos|dating|estate|events|expert|futbol|kaufen|luxury|m" +
	"aison|monash|museum|nagoya|photos|repair|report|social|supply|tattoo|tie" +
	"nda|travel|viajes|villas|vision|voting|voyage|actor|build|cards|cheap|co" +
	"des|dance|email|glass|house|mango|ninja|parts|photo|shoes|solar|today|to" +
	"kyo|tools|watch|works|aero|arpa|asia|best|bike|blue|buzz|camp|club|cool|" +
	"coop|farm|fish|gift|guru|info|jobs|kiwi|kred|land|limo|link|menu|mobi|mo" +
	"da|name|pics|pink|post|qpon|rich|ruhr|sexy|tips|vote|voto|wang|wien|wiki" +
	"|zone|bar|bid|biz|cab|cat|ceo|com|edu|gov|int|kim|mil|net|onl|org|pro|pu" +
	"b|red|tel|uno|wed|xxx|xyz|ac|ad|ae|af|ag|ai|al|am|an|ao|aq|ar|as|at|au|a" +
	"w|ax|az|ba|bb|bd|be|bf|bg|bh|bi|bj|bm|bn|bo|br|bs|bt|bv|bw|by|bz|ca|cc|c" +
	"d|cf|cg|ch|ci|ck|cl|cm|cn|co|cr|cu|cv|cw|cx|cy|cz|de|dj|dk|dm|do|dz|ec|e" +
	"e|eg|er|es|et|eu|fi|fj|fk|fm|fo|fr|ga|gb|gd|ge|gf|gg|gh|gi|gl|gm|gn|gp|g" +
	"q|gr|gs|gt|gu|gw|gy|hk|hm|hn|hr|ht|hu|id|ie|il|im|in|io|iq|ir|is|it|je|j" +
	"m|jo|jp|ke|kg|kh|ki|km|kn|kp|kr|kw|ky|kz|la|lb|lc|li|lk|lr|ls|lt|lu|lv|l" +
	"y|ma|mc|md|me|mg|mh|mk|ml|mm|mn|mo|mp|mq|mr|ms|mt|mu|mv|mw|mx|my|mz|na|n" +
	"c|ne|nf|ng|ni|nl|no|np|nr|nu|nz|om|pa|pe|pf|pg|ph|pk|pl|pm|pn|pr|ps|pt|p" +
	"w|py|qa|re|ro|rs|ru|rw|sa|sb|sc|sd|se|sg|sh|si|sj|sk|sl|sm|sn|so|sr|st|s" +
	"u|sv|sx|sy|sz|tc|td|tf|tg|th|tj|tk|tl|tm|tn|to|tp|tr|tt|tv|tw|tz|ua|ug|u" +
	"k|us|uy|uz|va|vc|ve|vg|vi|vn|vu|wf|ws|ye|yt|za|zm|zw"

const (
	tldPat  = "(?:" + tlds + ")"
	domPat  = `[A-Za-z0-9.\-]*[A-Za-z0-9\-]`
	pathPat = `(?:[-A-Za-z0-9+&@#/%=~_()|'$*\[\]?!:,.;]*[-A-Za-z0-9+&@#/%=~_()|'$*\[\]])?`

	emailAlt  = `((?:[-;:&=+$,\w.]+@)` + domPat + `\.` + tldPat + `\b)`
	schemeAlt = `((?:[A-Za-z][-.+A-Za-z0-9]+:(?://)?)` + domPat + `)`
	wwwAlt    = `(?:(?://)?www\.` + domPat + `)`
	domTLDAlt = `(?:(?://)?` + domPat + `\.` + tldPat + `\b)`

	// Group layout shared by both patterns: 1 = email, 2 = whole URL,
	// 3 = scheme plus host (capture pattern only).
	capturePat  = emailAlt + `|((?:` + schemeAlt + `|` + wwwAlt + `|` + domTLDAlt + `)` + pathPat + `)`
	noSchemePat = emailAlt + `|((?:` + wwwAlt + `|` + domTLDAlt + `)` + pathPat + `)`
)

var (
	captureRe  = regexp.MustCompile(capturePat)
	noSchemeRe = regexp.MustCompile(noSchemePat)

	anchoredRe         = regexp.MustCompile(`^(?:` + capturePat + `)$`)
	anchoredNoSchemeRe = regexp.MustCompile(`^(?:` + noSchemePat + `)$`)

	invalidSchemeRe     = regexp.MustCompile(`^(?:java|cb)script:`)
	fullSchemeRe        = regexp.MustCompile(`^[A-Za-z][-.+A-Za-z0-9]+://`)
	letterAfterSchemeRe = regexp.MustCompile(`^.*?:.*?[a-zA-Z]`)
)

// Autolink splits source into text, email, and link spans, in input order.
// Concatenating the span texts yields source exactly.
func Autolink(source string) []Span {
	var spans []Span

	idx, scan := 0, 0
	for scan < len(source) {
		m, ok := nextMatch(source, scan)
		if !ok {
			break
		}

		if m.start > idx {
			spans = append(spans, Span{KindText, source[idx:m.start]})
		}
		idx, scan = m.end, m.end

		switch {
		case m.email != "":
			spans = append(spans, Span{KindEmail, m.email})
		case !matchValid(m.url, m.schemeURL):
			spans = append(spans, Span{KindText, source[m.start:m.end]})
		case strings.HasSuffix(m.url, ")") && strings.Count(m.url, ")") > strings.Count(m.url, "("):
			// A link ending in an unbalanced close-paren is usually a link
			// inside parentheses; hand the paren back to the text.
			spans = append(spans, Span{KindLink, m.url[:len(m.url)-1]}, Span{KindText, ")"})
		default:
			spans = append(spans, Span{KindLink, m.url})
		}
	}

	if idx < len(source) {
		spans = append(spans, Span{KindText, source[idx:]})
	}

	return spans
}

// IsLink reports whether text, taken as one complete candidate, is a valid
// link or email address. Unlike Autolink it never splits a trailing paren;
// the candidate must satisfy the validity rules end to end.
func IsLink(text string) bool {
	loc := anchoredRe.FindStringSubmatchIndex(text)
	if loc == nil {
		return false
	}

	email := group(text, 0, loc, 1)
	url := group(text, 0, loc, 2)
	schemeURL := group(text, 0, loc, 3)

	if email != "" {
		return true
	}

	if schemeURL != "" && !schemeTailOK(text) {
		// The scheme reading is invalid, but a scheme-free reading of the
		// same text may still be (e.g. "foo.com:123" as host plus path).
		loc = anchoredNoSchemeRe.FindStringSubmatchIndex(text)
		if loc == nil {
			return false
		}
		if group(text, 0, loc, 1) != "" {
			return true
		}
		return matchValid(group(text, 0, loc, 2), "")
	}

	return matchValid(url, schemeURL)
}

// matchValid applies the acceptance rules to a URL match: no javascript: or
// cbscript: scheme, a proper scheme or at least one dot, and a letter
// somewhere after the scheme if one is present.
func matchValid(url, schemeURL string) bool {
	if invalidSchemeRe.MatchString(schemeURL) {
		return false
	}
	if !fullSchemeRe.MatchString(schemeURL) && !strings.Contains(url, ".") {
		return false
	}
	if schemeURL != "" && !letterAfterSchemeRe.MatchString(url) {
		return false
	}

	return true
}

// match is one raw regex match with its alternative-specific groups.
type match struct {
	start, end int
	email      string
	url        string
	schemeURL  string
}

// nextMatch returns the leftmost match at or after scan that survives the
// two assertions the compiled pattern cannot express: "//" may begin a match
// only when not preceded by a word character, and a scheme may not be
// followed by a digit or by a second scheme.
func nextMatch(source string, scan int) (match, bool) {
	for scan <= len(source) {
		loc := captureRe.FindStringSubmatchIndex(source[scan:])
		if loc == nil {
			break
		}

		m := match{
			start:     scan + loc[0],
			end:       scan + loc[1],
			email:     group(source, scan, loc, 1),
			url:       group(source, scan, loc, 2),
			schemeURL: group(source, scan, loc, 3),
		}
		whole := source[m.start:m.end]

		if strings.HasPrefix(whole, "//") && m.start > 0 && isWordByte(source[m.start-1]) {
			// The leading "//" cannot be claimed here; the host itself may
			// still match two bytes later.
			scan = m.start + 2
			continue
		}

		if m.schemeURL != "" && !schemeTailOK(whole) {
			// The scheme alternative was not actually available; fall back
			// to the scheme-free alternatives within the rejected region.
			if sub, ok := noSchemeWithin(source, m.start, m.end); ok {
				return sub, true
			}
			scan = m.start + 1
			continue
		}

		return m, true
	}

	return match{}, false
}

// noSchemeWithin searches [start, end) with the scheme-free pattern,
// honoring the "//" assertion.
func noSchemeWithin(source string, start, end int) (match, bool) {
	for start < end {
		loc := noSchemeRe.FindStringSubmatchIndex(source[start:end])
		if loc == nil {
			break
		}

		m := match{
			start: start + loc[0],
			end:   start + loc[1],
			email: group(source, start, loc, 1),
			url:   group(source, start, loc, 2),
		}

		if strings.HasPrefix(source[m.start:m.end], "//") && m.start > 0 && isWordByte(source[m.start-1]) {
			start = m.start + 2
			continue
		}

		return m, true
	}

	return match{}, false
}

// schemeTailOK checks the text following the scheme's colon: it must not
// begin with a digit and must not itself read as a second full scheme.
func schemeTailOK(whole string) bool {
	colon := strings.IndexByte(whole, ':')
	if colon < 0 {
		return true
	}

	after := whole[colon+1:]
	if after != "" && after[0] >= '0' && after[0] <= '9' {
		return false
	}

	return !fullSchemeRe.MatchString(after)
}

func group(source string, base int, loc []int, i int) string {
	if 2*i >= len(loc) || loc[2*i] < 0 {
		return ""
	}

	return source[base+loc[2*i] : base+loc[2*i+1]]
}

func isWordByte(b byte) bool {
	return b == '_' ||
		(b >= '0' && b <= '9') ||
		(b >= 'A' && b <= 'Z') ||
		(b >= 'a' && b <= 'z')
}
