package document

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/medflow/rx-verification/internal/verification/domain"
	"github.com/nguyenthenguyen/docx"
)

// DOCXExtractor extracts plain text and a word count from a Word document.
// It always succeeds once the archive parses.
type DOCXExtractor struct{}

func (DOCXExtractor) Name() string { return "docx" }

func (DOCXExtractor) Supports(docType domain.DocumentType) bool {
	return docType == domain.DocumentDOCX
}

func (DOCXExtractor) Extract(ctx context.Context, data []byte, _ domain.DocumentType) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty docx data")
	}

	r, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open docx: %w", err)
	}
	defer r.Close()

	text := stripDocxXML(r.Editable().GetContent())
	return &Document{
		Text:      &text,
		WordCount: len(strings.Fields(text)),
		PageCount: 1,
	}, nil
}

// stripDocxXML keeps character data and turns paragraph and line breaks
// into newlines.
func stripDocxXML(raw string) string {
	decoder := xml.NewDecoder(strings.NewReader(raw))
	var buf strings.Builder
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return strings.TrimSpace(buf.String())
		}
		switch t := tok.(type) {
		case xml.CharData:
			buf.Write(t)
		case xml.StartElement:
			if t.Name.Local == "tab" {
				buf.WriteString("\t")
			}
		case xml.EndElement:
			if (t.Name.Local == "p" || t.Name.Local == "br") && buf.Len() > 0 {
				buf.WriteString("\n")
			}
		}
	}
	return strings.TrimSpace(buf.String())
}
