package plaintext

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

// Parser reads UTF-8 text. Form feeds separate pages.
type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

func (p *Parser) Parse(raw []byte) ([]domain.Page, error) {
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("parse plaintext: %w: not valid utf-8", domain.ErrInvalidInput)
	}

	text := strings.TrimPrefix(string(raw), "\ufeff")
	parts := strings.Split(text, "\f")
	pages := make([]domain.Page, 0, len(parts))
	for i, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		pages = append(pages, domain.Page{Number: i + 1, Text: part})
	}
	return pages, nil
}
