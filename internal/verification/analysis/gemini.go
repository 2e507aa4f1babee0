package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const prompt = `You are assisting a pharmacy with prescription verification.
Judge whether the attached prescription looks authentic and internally consistent.
Consider: missing or implausible prescriber details, altered dates or quantities,
medication combinations that make no sense, and whether the patient on the document
could be the account holder named below.

Account holder: %s

Fields already extracted (JSON):
%s

Recognized text:
%s

Answer with JSON only. confidence and fraud_score are 0-100. patient_summary is one or
two plain sentences addressed to the patient explaining the outcome, without medical advice.`

// Gemini analyzes prescriptions with a Gemini model
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a client for the given API key and model name
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

// Close releases the underlying client
func (g *Gemini) Close() error {
	return g.client.Close()
}

func (g *Gemini) Analyze(ctx context.Context, req Request) (*Result, error) {
	model := g.client.GenerativeModel(g.model)
	model.SetTemperature(0)
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = verdictSchema()

	fields, err := json.Marshal(req.Fields)
	if err != nil {
		return nil, fmt.Errorf("%w: encode fields: %v", ErrUnavailable, err)
	}

	parts := []genai.Part{genai.Text(fmt.Sprintf(prompt, req.PatientName, fields, req.Text))}
	if len(req.Image) > 0 && req.ImageMime != "" {
		parts = append(parts, genai.Blob{MIMEType: req.ImageMime, Data: req.Image})
	}

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("%w: empty response", ErrUnavailable)
	}

	var raw strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			raw.WriteString(string(text))
		}
	}
	return ParseVerdict(raw.String())
}

// ParseVerdict decodes a model answer, tolerating markdown code fences
func ParseVerdict(raw string) (*Result, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty answer", ErrUnavailable)
	}

	var res Result
	if err := json.Unmarshal([]byte(s), &res); err != nil {
		return nil, fmt.Errorf("%w: decode answer: %v", ErrUnavailable, err)
	}
	res.Confidence = clamp(res.Confidence)
	res.FraudScore = clamp(res.FraudScore)
	return &res, nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

func verdictSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"is_valid":    {Type: genai.TypeBoolean},
			"confidence":  {Type: genai.TypeNumber},
			"fraud_score": {Type: genai.TypeNumber},
			"flags": {
				Type:  genai.TypeArray,
				Items: &genai.Schema{Type: genai.TypeString},
			},
			"extracted_data": {
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"doctor_name":       {Type: genai.TypeString},
					"patient_name":      {Type: genai.TypeString},
					"prescription_date": {Type: genai.TypeString},
				},
			},
			"patient_summary": {Type: genai.TypeString},
		},
		Required: []string{"is_valid", "confidence", "fraud_score", "flags", "patient_summary"},
	}
}
