package chunking

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	hyphenBreakRe   = regexp.MustCompile(`(\p{L})-\n[ \t]*(\p{Ll})`)
	pageNumberRe    = regexp.MustCompile(`(?mi)^[ \t]*(?:page[ \t]+)?\d{1,4}(?:[ \t]*(?:/|of)[ \t]*\d{1,4})?[ \t]*(?:\n|\z)`)
	horizontalRe    = regexp.MustCompile(`[ \t\x{00A0}]+`)
	trailingSpaceRe = regexp.MustCompile(`(?m)[ \t]+$`)
	blankRunRe      = regexp.MustCompile(`\n[ \t]*\n(?:[ \t]*\n)+`)
)

// Normalize canonicalizes extracted text: NFC composition, unix line
// endings, no control characters, re-joined hyphenated words, no bare
// page-number lines and collapsed horizontal whitespace. Paragraph breaks
// (blank lines) survive as exactly one empty line.
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	text = norm.NFC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.Map(func(r rune) rune {
		switch {
		case r == '\n':
			return r
		case r == '\t':
			return ' '
		case r == '\u00ad':
			return -1
		case unicode.IsControl(r):
			return -1
		default:
			return r
		}
	}, text)

	text = hyphenBreakRe.ReplaceAllString(text, "$1$2")
	text = pageNumberRe.ReplaceAllString(text, "")
	text = horizontalRe.ReplaceAllString(text, " ")
	text = trailingSpaceRe.ReplaceAllString(text, "")
	text = blankRunRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
