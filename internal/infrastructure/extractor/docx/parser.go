package docx

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
)

// Parser reads word/document.xml. Word has no stable page model, so the
// whole document is page 1; heading styles become markdown headings.
type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

func (p *Parser) Parse(raw []byte) ([]domain.Page, error) {
	reader, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("parse docx: %w: %w", domain.ErrInvalidInput, err)
	}

	for _, file := range reader.File {
		if file.Name != "word/document.xml" {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("open docx body: %w", err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read docx body: %w", err)
		}

		text, err := parseDocumentXML(content)
		if err != nil {
			return nil, err
		}
		if text == "" {
			return nil, nil
		}
		return []domain.Page{{Number: 1, Text: text}}, nil
	}
	return nil, fmt.Errorf("parse docx: %w: word/document.xml missing", domain.ErrInvalidInput)
}

type documentXML struct {
	Body struct {
		Paragraphs []paragraph `xml:"p"`
	} `xml:"body"`
}

type paragraph struct {
	Props struct {
		Style struct {
			Val string `xml:"val,attr"`
		} `xml:"pStyle"`
	} `xml:"pPr"`
	Runs []run `xml:"r"`
}

type run struct {
	Text []textElement `xml:"t"`
}

type textElement struct {
	Content string `xml:",chardata"`
}

func parseDocumentXML(content []byte) (string, error) {
	var doc documentXML
	if err := xml.Unmarshal(content, &doc); err != nil {
		return "", fmt.Errorf("parse docx xml: %w: %w", domain.ErrInvalidInput, err)
	}

	blocks := make([]string, 0, len(doc.Body.Paragraphs))
	for _, para := range doc.Body.Paragraphs {
		var b strings.Builder
		for _, r := range para.Runs {
			for _, t := range r.Text {
				b.WriteString(t.Content)
			}
		}
		text := strings.TrimSpace(b.String())
		if text == "" {
			continue
		}
		if isHeadingStyle(para.Props.Style.Val) {
			text = "# " + text
		}
		blocks = append(blocks, text)
	}
	return strings.Join(blocks, "\n\n"), nil
}

func isHeadingStyle(style string) bool {
	style = strings.ToLower(style)
	return strings.HasPrefix(style, "heading") || style == "title"
}
