package chunking

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// splitOversized breaks text longer than maxChars runes at sentence
// boundaries, falling back to whitespace-aligned rune windows for sentences
// that are themselves too long.
func splitOversized(text string, maxChars int) []string {
	if maxChars <= 0 || runeLen(text) <= maxChars {
		return []string{text}
	}

	out := make([]string, 0, runeLen(text)/maxChars+1)
	var current strings.Builder
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			out = append(out, s)
		}
		current.Reset()
	}

	for _, sentence := range splitSentences(text) {
		if runeLen(sentence) > maxChars {
			flush()
			out = append(out, splitWindows(sentence, maxChars)...)
			continue
		}
		if current.Len() > 0 && runeLen(current.String())+1+runeLen(sentence) > maxChars {
			flush()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(sentence)
	}
	flush()
	return out
}

func splitSentences(text string) []string {
	runes := []rune(text)
	out := make([]string, 0, 8)
	start := 0
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '.', '!', '?', '…':
		default:
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if start < len(runes) {
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func splitWindows(text string, size int) []string {
	runes := []rune(text)
	out := make([]string, 0, len(runes)/size+1)
	for start := 0; start < len(runes); {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else if cut := lastSpace(runes[start:end]); cut > size/2 {
			end = start + cut
		}
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			out = append(out, chunk)
		}
		start = end
	}
	return out
}

func lastSpace(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return -1
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
