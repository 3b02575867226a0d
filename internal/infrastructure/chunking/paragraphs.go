package chunking

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

var (
	paragraphBreakRe  = regexp.MustCompile(`\n[ \t]*\n`)
	numberedHeadingRe = regexp.MustCompile(`^\d+(?:\.\d+)*\.?\s+\p{Lu}`)
	listItemRe        = regexp.MustCompile(`^(?:[-*•]|\d+[.)])\s+`)
)

const maxHeadingRunes = 80

// unit is a paragraph-level piece of text awaiting merge decisions.
type unit struct {
	text    string
	section string
	page    int

	// paragraph indexes the source paragraph; pieces of an oversized one
	// share it.
	paragraph int
}

// splitUnits normalizes every page and splits it into paragraphs. Heading
// blocks become section metadata and are prefixed to the first paragraph of
// their section.
func splitUnits(pages []domain.Page) []unit {
	var (
		out            []unit
		section        string
		pendingHeading string
	)

	for _, page := range pages {
		text := Normalize(page.Text)
		if text == "" {
			continue
		}
		for _, block := range paragraphBreakRe.Split(text, -1) {
			block = strings.TrimSpace(block)
			if block == "" {
				continue
			}
			if title, ok := headingTitle(block); ok {
				section = title
				if pendingHeading != "" {
					pendingHeading += "\n" + title
				} else {
					pendingHeading = title
				}
				continue
			}
			if pendingHeading != "" {
				block = pendingHeading + "\n\n" + block
				pendingHeading = ""
			}
			out = append(out, unit{text: block, section: section, page: page.Number})
		}
	}

	if pendingHeading != "" {
		out = append(out, unit{text: pendingHeading, section: section, page: lastPage(pages)})
	}
	return out
}

func headingTitle(block string) (string, bool) {
	if strings.Contains(block, "\n") || utf8.RuneCountInString(block) > maxHeadingRunes {
		return "", false
	}
	if strings.HasPrefix(block, "#") {
		title := strings.TrimSpace(strings.TrimLeft(block, "#"))
		return title, title != ""
	}
	if endsSentence(block) {
		return "", false
	}
	if numberedHeadingRe.MatchString(block) {
		return block, true
	}
	if isUpperTitle(block) {
		return block, true
	}
	return "", false
}

func isUpperTitle(s string) bool {
	letters := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			if !unicode.IsUpper(r) {
				return false
			}
			letters++
		}
	}
	return letters >= 3
}

func isListItem(s string) bool {
	return listItemRe.MatchString(s)
}

func endsSentence(s string) bool {
	s = strings.TrimRight(s, " \"'»”)")
	if s == "" {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(s)
	switch r {
	case '.', '!', '?', '…':
		return true
	default:
		return false
	}
}

func lastPage(pages []domain.Page) int {
	if len(pages) == 0 {
		return 0
	}
	return pages[len(pages)-1].Number
}
