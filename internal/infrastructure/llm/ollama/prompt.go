package ollama

import "fmt"

const maxBoundarySnippet = 1500

func buildBoundaryPrompt(left, right string) string {
	return fmt.Sprintf(`You split documents into self-contained passages for search.
Decide whether paragraph B continues the same topic or argument as paragraph A,
so that separating them would lose meaning.
Return strict JSON: {"same_unit": true|false, "confidence": number from 0 to 1, "reason": short string}.
No markdown, no extra keys.

Paragraph A:
%s

Paragraph B:
%s
`, tail(left, maxBoundarySnippet), head(right, maxBoundarySnippet))
}

func head(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func tail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
