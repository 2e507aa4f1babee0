// Package tesseract is the local text recognition backend. It needs the
// tesseract and leptonica shared libraries at build time.
package tesseract

import (
	"context"
	"strings"

	"github.com/medflow/rx-verification/internal/verification/domain"
	"github.com/medflow/rx-verification/internal/verification/ocr"
	"github.com/otiai10/gosseract/v2"
)

// Recognizer runs tesseract in process
type Recognizer struct {
	languages []string
}

// New creates a recognizer for the given tesseract language codes
func New(languages ...string) *Recognizer {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	return &Recognizer{languages: languages}
}

func (r *Recognizer) Name() string { return "tesseract" }

// Recognize runs tesseract over a raster image. PDFs are refused with a
// typed failure so the caller falls back to the document's text layer.
func (r *Recognizer) Recognize(ctx context.Context, data []byte, docType domain.DocumentType) (*ocr.Result, error) {
	if !docType.IsImage() {
		return nil, ocr.Fail(r.Name(), "only raster images are supported", nil)
	}

	type outcome struct {
		res *ocr.Result
		err error
	}
	done := make(chan outcome, 1)

	// tesseract has no cancellation hook; the goroutine finishes on its own
	// after the caller gave up.
	go func() {
		res, err := r.recognize(data)
		done <- outcome{res, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ocr.Fail(r.Name(), "timeout", ctx.Err())
	case o := <-done:
		return o.res, o.err
	}
}

func (r *Recognizer) recognize(data []byte) (*ocr.Result, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(r.languages...); err != nil {
		return nil, ocr.Fail(r.Name(), "set language", err)
	}
	if err := client.SetImageFromBytes(data); err != nil {
		return nil, ocr.Fail(r.Name(), "load image", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return nil, ocr.Fail(r.Name(), "recognize", err)
	}

	lines := make([]ocr.Line, 0, len(boxes))
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" {
			continue
		}
		lines = append(lines, ocr.Line{Text: text, Confidence: b.Confidence})
	}

	return &ocr.Result{
		Lines:      lines,
		Confidence: ocr.MeanConfidence(lines),
		Engine:     r.Name(),
	}, nil
}
