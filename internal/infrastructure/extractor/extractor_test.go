package extractor

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/grounded-rag/internal/core/domain"
	"github.com/kirillkom/grounded-rag/internal/infrastructure/storage/localfs"
)

func newExtractorWithFile(t *testing.T, key string, raw []byte) *Extractor {
	t.Helper()
	storage, err := localfs.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, storage.Save(context.Background(), key, bytes.NewReader(raw)))
	return New(storage)
}

func TestExtractPlaintextSplitsFormFeedPages(t *testing.T) {
	ex := newExtractorWithFile(t, "notes.md", []byte("page one\fpage two"))

	pages, err := ex.Extract(context.Background(), &domain.Document{Filename: "notes.md", StoragePath: "notes.md"})
	require.NoError(t, err)
	assert.Equal(t, []domain.Page{{Number: 1, Text: "page one"}, {Number: 2, Text: "page two"}}, pages)
}

func TestExtractDocxKeepsHeadings(t *testing.T) {
	const body = `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` +
		`<w:p><w:pPr><w:pStyle w:val="Heading1"/></w:pPr><w:r><w:t>Overview</w:t></w:r></w:p>` +
		`<w:p><w:r><w:t xml:space="preserve">First </w:t></w:r><w:r><w:t>paragraph.</w:t></w:r></w:p>` +
		`<w:p></w:p>` +
		`</w:body></w:document>`

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	ex := newExtractorWithFile(t, "report.docx", buf.Bytes())
	pages, err := ex.Extract(context.Background(), &domain.Document{Filename: "report.docx", StoragePath: "report.docx"})
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "# Overview\n\nFirst paragraph.", pages[0].Text)
}

func TestExtractXLSXRendersRows(t *testing.T) {
	f := excelize.NewFile()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "Name"))
	require.NoError(t, f.SetCellValue("Sheet1", "B1", "Qty"))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", "apple"))
	require.NoError(t, f.SetCellValue("Sheet1", "B2", 3))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ex := newExtractorWithFile(t, "stock.xlsx", buf.Bytes())
	pages, err := ex.Extract(context.Background(), &domain.Document{Filename: "stock.xlsx", StoragePath: "stock.xlsx"})
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "# Sheet1\n\nName | Qty\n\napple | 3", pages[0].Text)
}

func TestExtractPDFRejectsGarbage(t *testing.T) {
	ex := newExtractorWithFile(t, "broken.pdf", []byte("not a pdf at all"))
	_, err := ex.Extract(context.Background(), &domain.Document{Filename: "broken.pdf", StoragePath: "broken.pdf"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestExtractRejectsUnknownBinary(t *testing.T) {
	ex := newExtractorWithFile(t, "blob.bin", []byte{0xff, 0xfe, 0x00, 0x81})
	_, err := ex.Extract(context.Background(), &domain.Document{Filename: "blob.bin", StoragePath: "blob.bin"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestExtractFallsBackToMimeType(t *testing.T) {
	ex := newExtractorWithFile(t, "upload", []byte("plain body"))
	pages, err := ex.Extract(context.Background(), &domain.Document{Filename: "upload", StoragePath: "upload", MimeType: "text/plain; charset=utf-8"})
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "plain body", pages[0].Text)
}

func TestSupports(t *testing.T) {
	ex := New(nil)
	assert.True(t, ex.Supports("A.PDF"))
	assert.True(t, ex.Supports("notes.md"))
	assert.False(t, ex.Supports("image.png"))
}
