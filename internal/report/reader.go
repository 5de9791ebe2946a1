package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/tmc/langchaingo/documentloaders"
)

// Reader extracts plain text from an uploaded report document.
type Reader interface {
	Extract(ctx context.Context, r io.Reader) (string, error)
}

// PDFReader pulls page text out of a PDF and collapses the formatting noise
// typical of lab report exports.
type PDFReader struct{}

func NewPDFReader() *PDFReader {
	return &PDFReader{}
}

func (p *PDFReader) Extract(ctx context.Context, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}

	loader := documentloaders.NewPDF(bytes.NewReader(data), int64(len(data)))
	docs, err := loader.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("load pdf: %w", err)
	}

	var sb strings.Builder
	for _, doc := range docs {
		sb.WriteString(collapseBlankLines(doc.PageContent))
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// collapseBlankLines squeezes runs of blank lines down to single newlines.
func collapseBlankLines(s string) string {
	for strings.Contains(s, "\n\n") {
		s = strings.ReplaceAll(s, "\n\n", "\n")
	}
	return s
}
