package xlsx

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

// Parser renders each worksheet as one page: a heading with the sheet name
// followed by one paragraph per non-empty row.
type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

func (p *Parser) Parse(raw []byte) ([]domain.Page, error) {
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse xlsx: %w: %w", domain.ErrInvalidInput, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	pages := make([]domain.Page, 0, len(sheets))
	for i, sheet := range sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
		}

		blocks := []string{"# " + sheet}
		for _, row := range rows {
			cells := make([]string, 0, len(row))
			for _, cell := range row {
				if cell = strings.TrimSpace(cell); cell != "" {
					cells = append(cells, cell)
				}
			}
			if len(cells) > 0 {
				blocks = append(blocks, strings.Join(cells, " | "))
			}
		}
		if len(blocks) == 1 {
			continue
		}
		pages = append(pages, domain.Page{Number: i + 1, Text: strings.Join(blocks, "\n\n")})
	}
	return pages, nil
}
