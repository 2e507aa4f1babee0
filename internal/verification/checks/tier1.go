package checks

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/medflow/rx-verification/internal/verification/domain"
	"github.com/medflow/rx-verification/pkg/errors"
)

// Tier1Input is what the pipeline observed before Tier 1 is scored
type Tier1Input struct {
	FileSize int64
	MimeType string
	DocType  domain.DocumentType
	Image    *domain.ImageMetadata

	// OCR is nil when no text could be obtained at all
	OCR *domain.OCRSnapshot
	// OCRErr is the recognition failure, if any, even when a document text
	// fallback was used
	OCRErr error
	// OCRSkipped explains why recognition never ran
	OCRSkipped string

	Duplicates    *domain.DuplicateReport
	DuplicatesErr error

	Orders    []domain.Order
	OrdersErr error
}

// Tier1 builds the fast deterministic checks
func (e *Evaluator) Tier1(in Tier1Input) []domain.CheckResult {
	results := []domain.CheckResult{
		e.FileSizeCheck(in.FileSize),
		e.FileTypeCheck(in.MimeType),
		e.OCRConfidenceCheck(in.OCR, in.OCRErr, in.OCRSkipped),
		e.TextLengthCheck(in.OCR),
	}
	if in.DuplicatesErr != nil {
		results = append(results, e.Degraded(DuplicateDetect, "fingerprint store", in.DuplicatesErr))
	} else {
		results = append(results, e.DuplicateCheck(in.Duplicates))
	}
	if in.OrdersErr != nil {
		results = append(results, e.Degraded(AlreadyUsed, "order service", in.OrdersErr))
	} else {
		results = append(results, e.AlreadyUsedCheck(in.Orders))
	}
	if in.DocType.IsImage() {
		results = append(results, e.ImageDimensionsCheck(in.Image))
	}
	return results
}

func (e *Evaluator) FileSizeCheck(size int64) domain.CheckResult {
	limit := e.cfg.MaxFileSizeBytes
	if size <= limit {
		return e.pass(FileSize, 100, fmt.Sprintf("%s within limit of %s", errors.HumanSize(size), errors.HumanSize(limit)))
	}
	return e.fail(FileSize, domain.SeverityError, 0,
		fmt.Sprintf("%s exceeds limit of %s", errors.HumanSize(size), errors.HumanSize(limit)))
}

func (e *Evaluator) FileTypeCheck(mime string) domain.CheckResult {
	m := strings.ToLower(strings.TrimSpace(mime))
	for _, allowed := range e.cfg.AllowedMimeTypes {
		if m == strings.ToLower(allowed) {
			return e.pass(FileType, 100, m+" is allowed")
		}
	}
	return e.fail(FileType, domain.SeverityCritical, 0, fmt.Sprintf("mime type %q is not allowed", mime))
}

// OCRConfidenceCheck judges recognition quality. Text read from the
// document's own text layer is exact and passes outright, unless it is a
// fallback for a failed recognition, which degrades the check.
func (e *Evaluator) OCRConfidenceCheck(snap *domain.OCRSnapshot, ocrErr error, skipped string) domain.CheckResult {
	if ocrErr != nil {
		return e.Degraded(OCRConfidence, "text recognition", ocrErr)
	}
	if snap == nil {
		details := "no text could be recognized"
		if skipped != "" {
			details += ": " + skipped
		}
		return e.fail(OCRConfidence, domain.SeverityError, 0, details)
	}
	if snap.FromDocument {
		return e.pass(OCRConfidence, 100, "text read from document text layer")
	}

	threshold := e.cfg.MinOCRConfidence
	if snap.Confidence >= threshold {
		return e.pass(OCRConfidence, snap.Confidence, fmt.Sprintf("confidence %.1f (engine %s)", snap.Confidence, snap.Engine))
	}
	return e.fail(OCRConfidence, domain.SeverityError, ratioScore(snap.Confidence, threshold),
		fmt.Sprintf("confidence %.1f below minimum %.0f", snap.Confidence, threshold))
}

func (e *Evaluator) TextLengthCheck(snap *domain.OCRSnapshot) domain.CheckResult {
	n := 0
	if snap != nil {
		n = utf8.RuneCountInString(strings.TrimSpace(snap.Text))
	}
	threshold := e.cfg.MinTextLength
	if n >= threshold {
		return e.pass(TextLength, 100, fmt.Sprintf("%d characters", n))
	}
	return e.fail(TextLength, domain.SeverityError, ratioScore(float64(n), float64(threshold)),
		fmt.Sprintf("%d characters, minimum is %d", n, threshold))
}

// DuplicateCheck fails CRITICAL when the document is shared with another
// patient. A resubmission by the same patient is a WARNING.
func (e *Evaluator) DuplicateCheck(report *domain.DuplicateReport) domain.CheckResult {
	if report == nil || !report.HasDuplicates {
		return e.pass(DuplicateDetect, 100, "no duplicates found")
	}
	if report.SharedAcrossPatients {
		return e.fail(DuplicateDetect, domain.SeverityCritical, 0,
			fmt.Sprintf("%d duplicate(s), shared with %d other patient(s)", report.DuplicateCount, len(report.OtherPatientIDs)))
	}
	r := e.fail(DuplicateDetect, domain.SeverityWarning, 25,
		fmt.Sprintf("%d earlier upload(s) by the same patient, highest similarity %.0f", report.DuplicateCount, report.HighestSimilarity))
	r.ReviewRequired = true
	return r
}

// AlreadyUsedCheck fails CRITICAL when any order has consumed the upload
func (e *Evaluator) AlreadyUsedCheck(orders []domain.Order) domain.CheckResult {
	var used []string
	for _, o := range orders {
		if o.Status.ConsumesPrescription() {
			used = append(used, fmt.Sprintf("%s (%s)", o.ID, o.Status))
		}
	}
	if len(used) == 0 {
		return e.pass(AlreadyUsed, 100, "not linked to a paid order")
	}
	return e.fail(AlreadyUsed, domain.SeverityCritical, 0, "linked to order "+strings.Join(used, ", "))
}

func (e *Evaluator) ImageDimensionsCheck(img *domain.ImageMetadata) domain.CheckResult {
	if img == nil {
		return e.fail(ImageDimensions, domain.SeverityWarning, 0, "image could not be decoded")
	}
	if img.Width < e.cfg.MinImageWidth || img.Height < e.cfg.MinImageHeight {
		return e.fail(ImageDimensions, domain.SeverityError, 0,
			fmt.Sprintf("%dx%d below minimum %dx%d", img.Width, img.Height, e.cfg.MinImageWidth, e.cfg.MinImageHeight))
	}
	return e.pass(ImageDimensions, 100, fmt.Sprintf("%dx%d", img.Width, img.Height))
}
