// Package document normalises uploaded prescription files into a
// processing-ready buffer plus whatever text can be read directly from them.
package document

import (
	"context"
	"fmt"
	"time"

	"github.com/medflow/rx-verification/internal/verification/domain"
	"github.com/medflow/rx-verification/pkg/errors"
)

// Document is the result of processing one upload
type Document struct {
	Type     domain.DocumentType
	MimeType string
	Data     []byte
	// Text is nil when the format carries no text layer (images, scanned PDFs)
	Text      *string
	WordCount int
	PageCount int
	Image     *domain.ImageMetadata
	// Failed is set when the extractor could not parse the file. The buffer is
	// still usable for recognition.
	Failed           bool
	Error            string
	ProcessingTimeMs int64
}

// HasText reports whether non-empty text was extracted
func (d *Document) HasText() bool {
	return d.Text != nil && *d.Text != ""
}

// Extractor handles one family of document types
type Extractor interface {
	// Supports returns true if this extractor handles the given document type
	Supports(docType domain.DocumentType) bool

	// Extract fills text and metadata for data
	Extract(ctx context.Context, data []byte, docType domain.DocumentType) (*Document, error)

	// Name returns the extractor name for logging
	Name() string
}

// Registry dispatches to the first extractor supporting a document type
type Registry struct {
	extractors []Extractor
}

// NewRegistry creates a registry from extractors in priority order
func NewRegistry(extractors ...Extractor) *Registry {
	return &Registry{extractors: extractors}
}

// DefaultRegistry wires the PDF, DOCX and image extractors
func DefaultRegistry() *Registry {
	return NewRegistry(PDFExtractor{}, DOCXExtractor{}, ImageExtractor{})
}

// Find returns the extractor for docType or nil
func (r *Registry) Find(docType domain.DocumentType) Extractor {
	for _, e := range r.extractors {
		if e.Supports(docType) {
			return e
		}
	}
	return nil
}

// Processor classifies and extracts uploaded documents
type Processor struct {
	registry *Registry
}

// NewProcessor creates a processor over registry
func NewProcessor(registry *Registry) *Processor {
	return &Processor{registry: registry}
}

// Process classifies data and runs the matching extractor. Unsupported types
// are returned as an UnsupportedMedia error. Extraction failures are reported
// on the returned Document instead of as an error.
func (p *Processor) Process(ctx context.Context, data []byte, declaredMime, filename string) (*Document, error) {
	start := time.Now()
	docType, mime := Classify(data, declaredMime, filename)

	if docType == domain.DocumentUnknown || docType == domain.DocumentDOC {
		return nil, errors.UnsupportedMedia(mime)
	}

	extractor := p.registry.Find(docType)
	if extractor == nil {
		return nil, errors.UnsupportedMedia(mime)
	}

	doc, err := extractor.Extract(ctx, data, docType)
	if err != nil {
		doc = &Document{
			Failed: true,
			Error:  fmt.Sprintf("%s: %v", extractor.Name(), err),
		}
	}

	doc.Type = docType
	doc.MimeType = mime
	doc.Data = data
	doc.ProcessingTimeMs = time.Since(start).Milliseconds()
	return doc, nil
}
