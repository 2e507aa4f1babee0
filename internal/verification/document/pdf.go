package document

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/medflow/rx-verification/internal/verification/domain"
)

// PDFExtractor reads the text layer of a PDF page by page. Scanned PDFs
// yield empty text without error.
type PDFExtractor struct{}

func (PDFExtractor) Name() string { return "pdf" }

func (PDFExtractor) Supports(docType domain.DocumentType) bool {
	return docType == domain.DocumentPDF
}

func (PDFExtractor) Extract(ctx context.Context, data []byte, _ domain.DocumentType) (doc *Document, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// the pdf reader panics on some malformed cross reference tables
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	pages := reader.NumPage()
	var sb strings.Builder
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(text)
	}

	doc = &Document{PageCount: pages}
	if sb.Len() > 0 {
		text := sb.String()
		doc.Text = &text
		doc.WordCount = len(strings.Fields(text))
	}
	return doc, nil
}
