package pdf

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

// Parser extracts plain text page by page so chunks keep page numbers.
type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

func (p *Parser) Parse(raw []byte) (pages []domain.Page, err error) {
	// The pdf reader panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("parse pdf: %w: %v", domain.ErrInvalidInput, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("parse pdf: %w: %w", domain.ErrInvalidInput, err)
	}

	total := reader.NumPage()
	pages = make([]domain.Page, 0, total)
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("parse pdf page %d: %w", i, err)
		}
		pages = append(pages, domain.Page{Number: i, Text: text})
	}
	return pages, nil
}
