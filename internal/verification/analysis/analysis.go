// Package analysis asks a multimodal reasoning model for a second opinion on
// a prescription.
package analysis

import (
	"context"
	"errors"

	"github.com/medflow/rx-verification/internal/verification/domain"
)

// ErrUnavailable is returned whenever no verdict could be obtained. Callers
// treat it as a degraded check, never as a failed run.
var ErrUnavailable = errors.New("analysis backend unavailable")

// Request carries everything the model is shown
type Request struct {
	Text        string
	Fields      domain.ExtractedFields
	PatientName string
	Image       []byte
	ImageMime   string
}

// Result is the model's verdict
type Result struct {
	IsValid        bool              `json:"is_valid"`
	Confidence     float64           `json:"confidence"`
	FraudScore     float64           `json:"fraud_score"`
	Flags          []string          `json:"flags"`
	ExtractedData  map[string]string `json:"extracted_data"`
	PatientSummary string            `json:"patient_summary"`
}

// Analyzer produces a verdict or ErrUnavailable
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (*Result, error)
}

// Disabled is used when no backend is configured
type Disabled struct{}

func (Disabled) Analyze(context.Context, Request) (*Result, error) {
	return nil, ErrUnavailable
}
