// Package ocr wraps text recognition backends behind one contract and
// handles blob acquisition and raster transcoding for them.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/medflow/rx-verification/internal/verification/domain"
)

// ErrRecognitionFailed is matched by every backend failure
var ErrRecognitionFailed = errors.New("text recognition failed")

// FailureError is the typed failure a backend returns. Callers fall back to
// directly extracted document text when they see it.
type FailureError struct {
	Engine string
	Reason string
	Err    error
}

func (e *FailureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Engine, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Engine, e.Reason)
}

func (e *FailureError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrRecognitionFailed) true for any FailureError
func (e *FailureError) Is(target error) bool { return target == ErrRecognitionFailed }

// Fail builds a FailureError
func Fail(engine, reason string, err error) *FailureError {
	return &FailureError{Engine: engine, Reason: reason, Err: err}
}

// BlobRef points at an object in the blob store
type BlobRef struct {
	Bucket string
	Key    string
}

// Input is what gets recognized. Exactly one of Data or Blob is required.
type Input struct {
	Data    []byte
	Blob    *BlobRef
	DocType domain.DocumentType
}

// Line is one recognized line segment
type Line struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Result is the output of a recognition call
type Result struct {
	Text string
	// Confidence is 0-100, averaged over recognized line segments
	Confidence float64
	Lines      []Line
	KeyValues  map[string]string
	Tables     [][][]string
	Engine     string
}

// Snapshot converts the result to its persisted form
func (r *Result) Snapshot() *domain.OCRSnapshot {
	return &domain.OCRSnapshot{
		Text:       r.Text,
		Confidence: r.Confidence,
		KeyValues:  r.KeyValues,
		Tables:     r.Tables,
		Engine:     r.Engine,
	}
}

// Recognizer is a text recognition backend working on raster or PDF bytes
type Recognizer interface {
	Recognize(ctx context.Context, data []byte, docType domain.DocumentType) (*Result, error)
	Name() string
}

// URLRecognizer is implemented by backends able to fetch the document
// themselves from a signed URL.
type URLRecognizer interface {
	RecognizeURL(ctx context.Context, url string, docType domain.DocumentType) (*Result, error)
}

// BlobReader fetches object bytes
type BlobReader interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// URLSigner issues time-limited read URLs
type URLSigner interface {
	SignedURL(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// Adapter is the entry point of the pipeline into text recognition
type Adapter struct {
	backend Recognizer
	blobs   BlobReader
	signer  URLSigner
	urlTTL  time.Duration
}

// NewAdapter creates an adapter. blobs and signer may be nil when only the
// bytes mode is used.
func NewAdapter(backend Recognizer, blobs BlobReader, signer URLSigner) *Adapter {
	return &Adapter{backend: backend, blobs: blobs, signer: signer, urlTTL: 5 * time.Minute}
}

// Name of the underlying backend
func (a *Adapter) Name() string { return a.backend.Name() }

// Analyze recognizes text from bytes or a blob reference. Word-processing
// formats are refused. WEBP and GIF are transcoded to PNG first.
func (a *Adapter) Analyze(ctx context.Context, in Input) (*Result, error) {
	engine := a.backend.Name()

	if !in.DocType.OCRCompatible() {
		return nil, Fail(engine, fmt.Sprintf("document type %s is not recognizable", in.DocType), nil)
	}

	data := in.Data
	if data == nil {
		if in.Blob == nil {
			return nil, Fail(engine, "no input", nil)
		}
		if res, ok, err := a.viaURL(ctx, in); ok {
			return res, err
		}
		if a.blobs == nil {
			return nil, Fail(engine, "blob input without a blob reader", nil)
		}
		fetched, err := a.blobs.Get(ctx, in.Blob.Bucket, in.Blob.Key)
		if err != nil {
			return nil, Fail(engine, "fetch blob", err)
		}
		data = fetched
	}

	docType := in.DocType
	if NeedsTranscode(docType) {
		png, err := TranscodeToPNG(data)
		if err != nil {
			return nil, Fail(engine, "transcode", err)
		}
		data, docType = png, domain.DocumentPNG
	}

	res, err := a.backend.Recognize(ctx, data, docType)
	if err != nil {
		return nil, asFailure(engine, err)
	}
	return finish(res, engine), nil
}

// viaURL hands a signed URL to backends that can fetch it themselves. Formats
// needing transcoding always go through the bytes path.
func (a *Adapter) viaURL(ctx context.Context, in Input) (*Result, bool, error) {
	ur, ok := a.backend.(URLRecognizer)
	if !ok || a.signer == nil || NeedsTranscode(in.DocType) {
		return nil, false, nil
	}

	engine := a.backend.Name()
	url, err := a.signer.SignedURL(ctx, in.Blob.Bucket, in.Blob.Key, a.urlTTL)
	if err != nil {
		return nil, true, Fail(engine, "sign blob url", err)
	}
	res, err := ur.RecognizeURL(ctx, url, in.DocType)
	if err != nil {
		return nil, true, asFailure(engine, err)
	}
	return finish(res, engine), true, nil
}

func asFailure(engine string, err error) error {
	var fe *FailureError
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Fail(engine, "timeout", err)
	}
	return Fail(engine, "backend error", err)
}

func finish(res *Result, engine string) *Result {
	if res.Engine == "" {
		res.Engine = engine
	}
	if res.Text == "" && len(res.Lines) > 0 {
		parts := make([]string, 0, len(res.Lines))
		for _, l := range res.Lines {
			parts = append(parts, l.Text)
		}
		res.Text = strings.Join(parts, "\n")
	}
	if res.Confidence == 0 && len(res.Lines) > 0 {
		res.Confidence = MeanConfidence(res.Lines)
	}
	return res
}

// MeanConfidence averages line confidences on a 0-100 scale. Backends
// reporting 0-1 fractions are scaled up.
func MeanConfidence(lines []Line) float64 {
	if len(lines) == 0 {
		return 0
	}
	var sum float64
	fractional := true
	for _, l := range lines {
		sum += l.Confidence
		if l.Confidence > 1 {
			fractional = false
		}
	}
	mean := sum / float64(len(lines))
	if fractional {
		mean *= 100
	}
	if mean > 100 {
		return 100
	}
	return mean
}
