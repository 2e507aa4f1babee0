package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/medflow/rx-verification/internal/verification/domain"
)

// VisionRecognizer calls the remote OCR service. It accepts bytes as a
// multipart upload or a signed URL the service downloads itself.
type VisionRecognizer struct {
	baseURL    string
	httpClient *http.Client
}

// NewVisionRecognizer creates a client for the OCR service at baseURL.
// Deadlines come from the caller's context.
func NewVisionRecognizer(baseURL string, httpClient *http.Client) *VisionRecognizer {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &VisionRecognizer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (v *VisionRecognizer) Name() string { return "vision" }

func (v *VisionRecognizer) Recognize(ctx context.Context, data []byte, docType domain.DocumentType) (*Result, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "prescription"+extensionFor(docType))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("write document data: %w", err)
	}
	if err := writer.WriteField("document_type", string(docType)); err != nil {
		return nil, fmt.Errorf("write document_type field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/api/v1/ocr", body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return v.do(req)
}

func (v *VisionRecognizer) RecognizeURL(ctx context.Context, url string, docType domain.DocumentType) (*Result, error) {
	payload, err := json.Marshal(visionURLRequest{URL: url, DocumentType: string(docType)})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/api/v1/ocr/url", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return v.do(req)
}

func (v *VisionRecognizer) do(req *http.Request) (*Result, error) {
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ocr service request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, Fail(v.Name(), "unsupported layout", errors.New(strings.TrimSpace(string(respBody))))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("ocr service returned %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed visionOCRResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	res := &Result{
		Lines:  parsed.Lines,
		Tables: parsed.Tables,
		Engine: v.Name(),
	}
	if len(parsed.KeyValues) > 0 {
		res.KeyValues = make(map[string]string, len(parsed.KeyValues))
		for _, kv := range parsed.KeyValues {
			key := strings.TrimSpace(kv.Key)
			if key == "" || strings.TrimSpace(kv.Value) == "" {
				continue
			}
			res.KeyValues[key] = strings.TrimSpace(kv.Value)
		}
	}
	return res, nil
}

func extensionFor(docType domain.DocumentType) string {
	switch docType {
	case domain.DocumentPDF:
		return ".pdf"
	case domain.DocumentJPEG:
		return ".jpg"
	default:
		return ".png"
	}
}

type visionURLRequest struct {
	URL          string `json:"url"`
	DocumentType string `json:"document_type"`
}

// visionOCRResponse mirrors the OCR service response model
type visionOCRResponse struct {
	Lines            []Line           `json:"lines"`
	KeyValues        []visionKeyValue `json:"key_values"`
	Tables           [][][]string     `json:"tables"`
	ProcessingTimeMs int64            `json:"processing_time_ms"`
}

type visionKeyValue struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}
