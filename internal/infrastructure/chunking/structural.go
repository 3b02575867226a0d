package chunking

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

// StructuralClassifier scores boundaries from punctuation and list layout
// alone. It never calls out and never fails.
type StructuralClassifier struct{}

func NewStructuralClassifier() *StructuralClassifier {
	return &StructuralClassifier{}
}

func (StructuralClassifier) Name() string {
	return "structural"
}

func (StructuralClassifier) SameUnit(_ context.Context, left, right string) (domain.BoundaryDecision, error) {
	left = strings.TrimSpace(left)
	right = strings.TrimSpace(right)
	if left == "" || right == "" {
		return domain.BoundaryDecision{Probability: 1, Reason: "empty side"}, nil
	}

	lastLeft := lastLine(left)
	switch {
	case startsContinuation(right):
		return domain.BoundaryDecision{Probability: 0.9, Reason: "sentence continues"}, nil
	case strings.HasSuffix(lastLeft, ":") && isListItem(right):
		return domain.BoundaryDecision{Probability: 0.9, Reason: "list introduced"}, nil
	case isListItem(lastLeft) && isListItem(right):
		return domain.BoundaryDecision{Probability: 0.85, Reason: "list continues"}, nil
	case !endsSentence(left) && !strings.HasSuffix(left, ":"):
		return domain.BoundaryDecision{Probability: 0.75, Reason: "unterminated paragraph"}, nil
	case isListItem(right):
		return domain.BoundaryDecision{Probability: 0.55, Reason: "list follows prose"}, nil
	default:
		return domain.BoundaryDecision{Probability: 0.3, Reason: "paragraph break"}, nil
	}
}

func startsContinuation(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	if unicode.IsLower(r) {
		return true
	}
	switch r {
	case ',', ';', ')', '—', '–':
		return true
	default:
		return false
	}
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
