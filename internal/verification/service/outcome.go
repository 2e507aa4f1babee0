package service

import (
	"fmt"
	"strconv"

	"github.com/medflow/rx-verification/internal/verification/checks"
	"github.com/medflow/rx-verification/internal/verification/domain"
	"github.com/medflow/rx-verification/pkg/config"
	"github.com/medflow/rx-verification/pkg/errors"
	"github.com/medflow/rx-verification/pkg/i18n"
)

// Assessment is what the outcome of a run is decided on
type Assessment struct {
	Tier1        *domain.TierResult
	Tier2        *domain.TierResult
	Fraud        domain.FraudDetection
	OverallScore float64

	// TrustedSource marks a platform-issued document
	TrustedSource bool
	// Overridden marks a trusted document that failed Tier 1
	Overridden bool
}

// OverallScore weighs the tier scores. A tier that did not run scores 0.
func OverallScore(cfg config.VerificationConfig, tier1, tier2 *domain.TierResult) float64 {
	var score float64
	if tier1 != nil {
		score += cfg.Tier1Weight * tier1.Score
	}
	if tier2 != nil {
		score += cfg.Tier2Weight * tier2.Score
	}
	return score
}

// Decide maps an assessment to PASSED, FAILED or NEEDS_REVIEW. Trusted
// documents are never rejected by a failed Tier 2 and never auto-approved
// after a Tier 1 override. A Tier 1 check asking for a pharmacist also
// blocks auto-approval.
func Decide(cfg config.VerificationConfig, a Assessment) domain.OverallResult {
	if a.Tier2 == nil {
		return domain.ResultFailed
	}
	if a.Tier2.Status == domain.ResultNeedsReview || highRisk(a.Fraud.RiskLevel) {
		return domain.ResultNeedsReview
	}
	if !a.Tier2.Passed {
		if a.TrustedSource {
			return domain.ResultNeedsReview
		}
		return domain.ResultFailed
	}
	if a.Overridden || asksForReview(a.Tier1) {
		return domain.ResultNeedsReview
	}

	switch {
	case a.OverallScore >= cfg.AutoApproveMinScore && a.Fraud.Score <= cfg.AutoApproveMaxFraud:
		return domain.ResultPassed
	case a.OverallScore < cfg.RejectBelowScore:
		return domain.ResultFailed
	}
	return domain.ResultNeedsReview
}

func asksForReview(t *domain.TierResult) bool {
	if t == nil {
		return false
	}
	for _, c := range t.Checks {
		if c.ReviewRequired {
			return true
		}
	}
	return false
}

func highRisk(l domain.RiskLevel) bool {
	return l == domain.RiskHigh || l == domain.RiskCritical
}

// ReviewReasons lists why a pharmacist has to look at a run
func ReviewReasons(cfg config.VerificationConfig, a Assessment) []string {
	var reasons []string
	if a.Tier2 != nil {
		for _, c := range a.Tier2.Checks {
			if c.ReviewRequired {
				reasons = append(reasons, c.Name+": "+c.Details)
			}
		}
		if !a.Tier2.Passed && a.TrustedSource {
			reasons = append(reasons, "tier 2 failed on a platform-issued prescription")
		}
	}
	if a.Tier1 != nil {
		for _, c := range a.Tier1.Checks {
			if c.ReviewRequired {
				reasons = append(reasons, c.Name+": "+c.Details)
			}
		}
	}
	if a.Overridden {
		reasons = append(reasons, "platform-issued prescription failed tier 1")
	}
	if highRisk(a.Fraud.RiskLevel) {
		reasons = append(reasons, fmt.Sprintf("fraud risk %s (score %.0f)", a.Fraud.RiskLevel, a.Fraud.Score))
	}
	if len(reasons) == 0 {
		reasons = append(reasons, fmt.Sprintf("overall score %.0f, fraud score %.0f", a.OverallScore, a.Fraud.Score))
	}
	return reasons
}

var rejectionKeys = map[string]string{
	checks.FileSize:           "rejection.file_size",
	checks.FileType:           "rejection.file_type",
	checks.OCRConfidence:      "rejection.ocr_confidence",
	checks.TextLength:         "rejection.text_length",
	checks.DuplicateDetect:    "rejection.duplicate",
	checks.AlreadyUsed:        "rejection.already_used",
	checks.ImageDimensions:    "rejection.image_dimensions",
	checks.DoctorName:         "rejection.doctor_name",
	checks.PrescriptionDate:   "rejection.prescription_date",
	checks.MedicationsFound:   "rejection.medications",
	checks.CatalogValidation:  "rejection.catalog",
	checks.DoctorLicense:      "rejection.doctor_license",
	checks.ValidityPeriod:     "rejection.validity",
	checks.PatientName:        "rejection.patient_name",
	checks.DigitalSignature:   "rejection.digital_signature",
	checks.AIAnalysis:         "rejection.ai_analysis",
	checks.PlatformCrosscheck: "rejection.platform_crosscheck",
}

// RejectionMessage explains a rejection by the most severe failed check,
// the earliest one winning ties. Degraded checks are not a reason. It never
// returns an empty string.
func RejectionMessage(l *i18n.Localizer, cfg config.VerificationConfig, results []domain.CheckResult, fraud domain.FraudDetection) string {
	var worst *domain.CheckResult
	for i := range results {
		r := &results[i]
		if r.Passed || r.Degraded {
			continue
		}
		if worst == nil || r.Severity.Rank() > worst.Severity.Rank() {
			worst = r
		}
	}
	if worst != nil {
		if key, ok := rejectionKeys[worst.Name]; ok {
			return l.T(key, rejectionParams(cfg, worst.Name))
		}
	}
	for _, f := range fraud.Flags {
		if f.Severity.Rank() >= domain.SeverityError.Rank() {
			return l.T("rejection.fraud")
		}
	}
	return l.T("rejection.generic")
}

func rejectionParams(cfg config.VerificationConfig, check string) map[string]string {
	switch check {
	case checks.FileSize:
		return map[string]string{"limit": errors.HumanSize(cfg.MaxFileSizeBytes)}
	case checks.PrescriptionDate:
		return map[string]string{"days": strconv.Itoa(cfg.MaxPrescriptionAgeDays)}
	}
	return nil
}
