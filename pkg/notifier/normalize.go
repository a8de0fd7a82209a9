package notifier

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// invisibleMarks matches the zero-width non-joiner, the right-to-left mark and
// the bidi embedding/override controls U+202A..U+202E.
var invisibleMarks = runes.Predicate(func(r rune) bool {
	return r == '\u200c' || r == '\u200f' || (r >= '\u202a' && r <= '\u202e')
})

// CleanText strips directional and invisible marks and collapses runs of
// whitespace to a single space.
func CleanText(s string) string {
	out, _, err := transform.String(runes.Remove(invisibleMarks), s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(out), " ")
}

// MatchKey is the comparison form of a name or title: CleanText, composed to
// NFC and case folded.
func MatchKey(s string) string {
	return cases.Fold().String(norm.NFC.String(CleanText(s)))
}

// NormalizePhone returns the digits of phone with all leading zeros collapsed
// to exactly one, assuming a national number without country code. A blank
// phone yields "".
func NormalizePhone(phone string) string {
	if strings.TrimSpace(phone) == "" {
		return ""
	}
	digits := strings.Map(func(r rune) rune {
		if _, ok := digitValue(r); ok {
			return r
		}
		return -1
	}, NormalizeDigits(phone))
	return "0" + strings.TrimLeft(digits, "0")
}

// NormalizeDigits rewrites Persian and Arabic-Indic digits as ASCII digits.
func NormalizeDigits(s string) string {
	return strings.Map(func(r rune) rune {
		if v, ok := digitValue(r); ok {
			return '0' + rune(v)
		}
		return r
	}, s)
}

func digitValue(r rune) (int, bool) {
	switch {
	case r >= '0' && r <= '9':
		return int(r - '0'), true
	case r >= '\u06f0' && r <= '\u06f9':
		return int(r - '\u06f0'), true
	case r >= '\u0660' && r <= '\u0669':
		return int(r - '\u0660'), true
	default:
		return 0, false
	}
}

// RenderTemplate substitutes every {name} and {url} placeholder in tmpl.
// Other braces are left verbatim, as is a placeholder whose value is empty.
func RenderTemplate(tmpl, name, link string) string {
	if name == "" {
		name = "{name}"
	}
	if link == "" {
		link = "{url}"
	}
	return strings.NewReplacer("{name}", name, "{url}", link).Replace(tmpl)
}
