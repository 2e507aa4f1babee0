package checks

import (
	"time"

	"github.com/medflow/rx-verification/internal/verification/domain"
	"github.com/medflow/rx-verification/pkg/config"
)

// Check names. They are persisted and used to pick rejection messages, so
// they must not change.
const (
	FileSize           = "File Size"
	FileType           = "File Type"
	OCRConfidence      = "OCR Confidence"
	TextLength         = "Text Length"
	DuplicateDetect    = "Duplicate Detection"
	AlreadyUsed        = "Prescription Already Used"
	ImageDimensions    = "Image Dimensions"
	DoctorName         = "Doctor Name"
	PrescriptionDate   = "Prescription Date"
	MedicationsFound   = "Medications Present"
	CatalogValidation  = "Medication Catalog Validation"
	DoctorLicense      = "Doctor License Format"
	Controlled         = "Controlled Substances"
	ValidityPeriod     = "Validity Period"
	PatientName        = "Patient Name Match"
	DigitalSignature   = "Digital Signature"
	AIAnalysis         = "AI Analysis"
	PlatformCrosscheck = "Platform Prescription Crosscheck"
)

// SeverityWeight is the weight of a check in its tier's score
func SeverityWeight(s domain.Severity) float64 {
	switch s {
	case domain.SeverityCritical:
		return 3
	case domain.SeverityError:
		return 2
	case domain.SeverityWarning:
		return 1
	default:
		return 0.5
	}
}

// WeightedScore is the severity-weighted mean of check scores, clamped to
// 0..100. No checks score 0.
func WeightedScore(results []domain.CheckResult) float64 {
	var sum, weights float64
	for _, r := range results {
		w := SeverityWeight(r.Severity)
		sum += clamp(r.Score) * w
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return clamp(sum / weights)
}

// HasCriticalFailure reports whether any failed check is CRITICAL
func HasCriticalFailure(results []domain.CheckResult) bool {
	for _, r := range results {
		if !r.Passed && r.Severity == domain.SeverityCritical {
			return true
		}
	}
	return false
}

// Failed returns the failed checks
func Failed(results []domain.CheckResult) []domain.CheckResult {
	var out []domain.CheckResult
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

// Find returns the check with the given name
func Find(results []domain.CheckResult, name string) (domain.CheckResult, bool) {
	for _, r := range results {
		if r.Name == name {
			return r, true
		}
	}
	return domain.CheckResult{}, false
}

// Evaluator turns raw observations into check results and tier verdicts.
// All thresholds come from the VerificationConfig it is built with.
type Evaluator struct {
	cfg config.VerificationConfig
	now func() time.Time
}

// NewEvaluator creates an evaluator
func NewEvaluator(cfg config.VerificationConfig) *Evaluator {
	return &Evaluator{cfg: cfg, now: time.Now}
}

// WithClock replaces the evaluator's clock
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// clock reads the time in UTC, the zone prescription dates are parsed in
func (e *Evaluator) clock() time.Time {
	return e.now().UTC()
}

// Config returns the thresholds the evaluator runs with
func (e *Evaluator) Config() config.VerificationConfig {
	return e.cfg
}

// Tier scores a set of checks. A tier passes only if its score reaches the
// pass score and no CRITICAL check failed. Tier 2 reports NEEDS_REVIEW when
// it passes but a check asked for a pharmacist.
func (e *Evaluator) Tier(tier int, results []domain.CheckResult, started time.Time) *domain.TierResult {
	completed := e.clock()
	score := WeightedScore(results)
	passed := len(results) > 0 && score >= e.cfg.TierPassScore && !HasCriticalFailure(results)

	status := domain.ResultFailed
	if passed {
		status = domain.ResultPassed
		if tier == 2 && reviewRequested(results) {
			status = domain.ResultNeedsReview
		}
	}

	return &domain.TierResult{
		Tier:        tier,
		Status:      status,
		Score:       score,
		Passed:      passed,
		Checks:      results,
		StartedAt:   started,
		CompletedAt: completed,
		DurationMs:  completed.Sub(started).Milliseconds(),
	}
}

func reviewRequested(results []domain.CheckResult) bool {
	for _, r := range results {
		if r.ReviewRequired {
			return true
		}
	}
	return false
}

func (e *Evaluator) pass(name string, score float64, details string) domain.CheckResult {
	return domain.CheckResult{
		Name:      name,
		Passed:    true,
		Score:     clamp(score),
		Severity:  domain.SeverityInfo,
		Details:   details,
		Timestamp: e.clock(),
	}
}

func (e *Evaluator) fail(name string, sev domain.Severity, score float64, details string) domain.CheckResult {
	return domain.CheckResult{
		Name:      name,
		Passed:    false,
		Score:     clamp(score),
		Severity:  sev,
		Details:   details,
		Timestamp: e.clock(),
	}
}

// Degraded is the result of a check whose collaborator failed or timed out
func (e *Evaluator) Degraded(name, collaborator string, err error) domain.CheckResult {
	r := e.fail(name, domain.SeverityWarning, 50, collaborator+" unavailable: "+err.Error())
	r.Degraded = true
	return r
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// ratioScore maps value/threshold onto 0..50 for failed threshold checks
func ratioScore(value, threshold float64) float64 {
	if threshold <= 0 {
		return 0
	}
	r := value / threshold
	if r > 1 {
		r = 1
	}
	if r < 0 {
		r = 0
	}
	return r * 50
}
