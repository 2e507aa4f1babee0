package checks

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/medflow/rx-verification/internal/verification/domain"
)

var licensePattern = regexp.MustCompile(`^(?:[A-Z]{1,4}[- ]?)?\d{4,10}$`)

// Verdict is the part of an intelligent analysis the checks consume
type Verdict struct {
	IsValid    bool
	Confidence float64
	FraudScore float64
	Flags      []string
}

// PlatformRecord is the original record of a self-issued prescription
type PlatformRecord struct {
	Reference   string
	Found       bool
	Medications []string
}

// Tier2Input is what the pipeline observed before Tier 2 is scored
type Tier2Input struct {
	Fields      domain.ExtractedFields
	AccountName string

	// Medications are the extracted medications after catalog resolution
	Medications []domain.Medication
	CatalogErr  error

	Analysis    *Verdict
	AnalysisErr error

	Platform    *PlatformRecord
	PlatformErr error
}

// Tier2 builds the semantic checks
func (e *Evaluator) Tier2(in Tier2Input) []domain.CheckResult {
	f := in.Fields
	results := []domain.CheckResult{
		e.DoctorNameCheck(f.DoctorName),
		e.PrescriptionDateCheck(f.PrescriptionDate),
		e.MedicationsPresentCheck(f.Medications),
	}

	if len(f.Medications) > 0 {
		if in.CatalogErr != nil {
			results = append(results, e.Degraded(CatalogValidation, "drug catalog", in.CatalogErr))
		} else {
			results = append(results, e.CatalogCheck(in.Medications))
		}
	}

	results = append(results,
		e.LicenseFormatCheck(f.DoctorLicense),
		e.ControlledSubstancesCheck(in.Medications),
		e.ValidityCheck(f.PrescriptionDate, f.ValidityDays),
		e.PatientNameCheck(f.PatientName, in.AccountName),
		e.SignatureCheck(f),
	)

	if in.AnalysisErr != nil {
		results = append(results, e.Degraded(AIAnalysis, "analysis backend", in.AnalysisErr))
	} else {
		results = append(results, e.AnalysisCheck(in.Analysis))
	}

	if f.IsPlatformIssued {
		if in.PlatformErr != nil {
			results = append(results, e.Degraded(PlatformCrosscheck, "prescription service", in.PlatformErr))
		} else {
			results = append(results, e.PlatformCheck(f.Medications, in.Platform))
		}
	}
	return results
}

func (e *Evaluator) DoctorNameCheck(name string) domain.CheckResult {
	if strings.TrimSpace(name) == "" {
		return e.fail(DoctorName, domain.SeverityError, 0, "doctor name not found")
	}
	return e.pass(DoctorName, 100, name)
}

// PrescriptionDateCheck requires a date no older than the maximum age and
// no more than the tolerance in the future. Comparison is by calendar day.
func (e *Evaluator) PrescriptionDateCheck(date *time.Time) domain.CheckResult {
	if date == nil {
		return e.fail(PrescriptionDate, domain.SeverityError, 0, "prescription date not found")
	}
	days := daysBetween(*date, e.clock())
	switch {
	case -days > e.cfg.FutureDateToleranceDays:
		return e.fail(PrescriptionDate, domain.SeverityError, 0,
			fmt.Sprintf("dated %s, %d day(s) in the future", date.Format("2006-01-02"), -days))
	case days > e.cfg.MaxPrescriptionAgeDays:
		return e.fail(PrescriptionDate, domain.SeverityError, 0,
			fmt.Sprintf("dated %s, %d days old (maximum %d)", date.Format("2006-01-02"), days, e.cfg.MaxPrescriptionAgeDays))
	}
	return e.pass(PrescriptionDate, 100, date.Format("2006-01-02"))
}

func (e *Evaluator) MedicationsPresentCheck(meds []domain.Medication) domain.CheckResult {
	if len(meds) == 0 {
		return e.fail(MedicationsFound, domain.SeverityError, 0, "no medication extracted")
	}
	names := make([]string, 0, len(meds))
	for _, m := range meds {
		names = append(names, m.Name)
	}
	return e.pass(MedicationsFound, 100, strings.Join(names, ", "))
}

// CatalogCheck passes only when every medication resolved. Partial matches
// go to a pharmacist.
func (e *Evaluator) CatalogCheck(meds []domain.Medication) domain.CheckResult {
	if len(meds) == 0 {
		return e.fail(CatalogValidation, domain.SeverityWarning, 0, "nothing to validate")
	}
	var invalid []string
	for _, m := range meds {
		if !m.IsValid {
			invalid = append(invalid, m.Name)
		}
	}
	switch {
	case len(invalid) == 0:
		return e.pass(CatalogValidation, 100, fmt.Sprintf("%d medication(s) matched", len(meds)))
	case len(invalid) == len(meds):
		return e.fail(CatalogValidation, domain.SeverityError, 0, "no medication matched: "+strings.Join(invalid, ", "))
	}
	valid := len(meds) - len(invalid)
	r := e.fail(CatalogValidation, domain.SeverityWarning, float64(valid)/float64(len(meds))*100,
		"not in catalog: "+strings.Join(invalid, ", "))
	r.ReviewRequired = true
	return r
}

func (e *Evaluator) LicenseFormatCheck(license string) domain.CheckResult {
	l := strings.ToUpper(strings.TrimSpace(license))
	if l == "" {
		return e.fail(DoctorLicense, domain.SeverityWarning, 0, "license number not found")
	}
	if !licensePattern.MatchString(l) {
		return e.fail(DoctorLicense, domain.SeverityWarning, 30, fmt.Sprintf("%q is not a valid license format", license))
	}
	return e.pass(DoctorLicense, 100, l)
}

// ControlledSubstancesCheck never fails. Controlled items ask for review.
func (e *Evaluator) ControlledSubstancesCheck(meds []domain.Medication) domain.CheckResult {
	var controlled []string
	for _, m := range meds {
		if m.IsControlled {
			controlled = append(controlled, m.Name)
		}
	}
	if len(controlled) == 0 {
		return e.pass(Controlled, 100, "no controlled substances")
	}
	r := e.pass(Controlled, 100, "controlled: "+strings.Join(controlled, ", "))
	r.ReviewRequired = true
	return r
}

func (e *Evaluator) ValidityCheck(date *time.Time, validityDays int) domain.CheckResult {
	if date == nil {
		return e.fail(ValidityPeriod, domain.SeverityWarning, 50, "validity cannot be determined without a date")
	}
	if validityDays <= 0 {
		validityDays = e.cfg.DefaultValidityDays
	}
	expires := date.AddDate(0, 0, validityDays)
	if daysBetween(expires, e.clock()) > 0 {
		return e.fail(ValidityPeriod, domain.SeverityError, 0, "expired on "+expires.Format("2006-01-02"))
	}
	return e.pass(ValidityPeriod, 100, "valid until "+expires.Format("2006-01-02"))
}

// PatientNameCheck compares the name on the prescription to the account.
// Below the critical score it is a strong fraud signal, between the critical
// and pass scores a pharmacist decides.
func (e *Evaluator) PatientNameCheck(extracted, account string) domain.CheckResult {
	if strings.TrimSpace(extracted) == "" {
		r := e.fail(PatientName, domain.SeverityWarning, 50, "patient name not found on prescription")
		r.ReviewRequired = true
		return r
	}
	if strings.TrimSpace(account) == "" {
		r := e.fail(PatientName, domain.SeverityWarning, 50, "account has no name on file")
		r.ReviewRequired = true
		return r
	}

	score := NameMatcher{TokenThreshold: e.cfg.NameTokenMatchScore}.Match(extracted, account)
	details := fmt.Sprintf("%q vs %q: %.0f%%", extracted, account, score)
	switch {
	case score >= e.cfg.NameMatchPassScore:
		return e.pass(PatientName, score, details)
	case score >= e.cfg.NameMatchCriticalScore:
		r := e.fail(PatientName, domain.SeverityWarning, score, details)
		r.ReviewRequired = true
		return r
	}
	return e.fail(PatientName, domain.SeverityCritical, score, details)
}

func (e *Evaluator) SignatureCheck(f domain.ExtractedFields) domain.CheckResult {
	switch {
	case f.PlatformReference != "":
		return e.pass(DigitalSignature, 100, "platform reference "+f.PlatformReference)
	case f.SignatureDetected:
		return e.pass(DigitalSignature, 100, "signature detected")
	}
	return e.fail(DigitalSignature, domain.SeverityWarning, 40, "no signature or reference found")
}

// AnalysisCheck passes when the analysis judged the document valid and its
// fraud score stays below the high-risk threshold.
func (e *Evaluator) AnalysisCheck(v *Verdict) domain.CheckResult {
	if v == nil {
		r := e.fail(AIAnalysis, domain.SeverityWarning, 50, "no analysis available")
		r.Degraded = true
		return r
	}
	details := fmt.Sprintf("valid=%t confidence=%.0f fraud=%.0f", v.IsValid, v.Confidence, v.FraudScore)
	if len(v.Flags) > 0 {
		details += " flags: " + strings.Join(v.Flags, "; ")
	}
	if v.IsValid && v.FraudScore < e.cfg.FraudHighThreshold {
		return e.pass(AIAnalysis, v.Confidence, details)
	}
	return e.fail(AIAnalysis, domain.SeverityError, 100-v.FraudScore, details)
}

// PlatformCheck compares a self-issued document with the record it claims
// to come from.
func (e *Evaluator) PlatformCheck(extracted []domain.Medication, rec *PlatformRecord) domain.CheckResult {
	if rec == nil || !rec.Found {
		r := e.fail(PlatformCrosscheck, domain.SeverityWarning, 0, "no record for the platform reference")
		r.ReviewRequired = true
		return r
	}
	var missing []string
	for _, m := range extracted {
		if !containsSimilar(rec.Medications, m.Name, e.cfg.NameTokenMatchScore) {
			missing = append(missing, m.Name)
		}
	}
	if len(missing) > 0 {
		return e.fail(PlatformCrosscheck, domain.SeverityError, 30,
			fmt.Sprintf("not on record %s: %s", rec.Reference, strings.Join(missing, ", ")))
	}
	return e.pass(PlatformCrosscheck, 100, "matches record "+rec.Reference)
}

func containsSimilar(names []string, name string, threshold float64) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, c := range names {
		if Similarity(strings.ToLower(strings.TrimSpace(c)), n) >= threshold {
			return true
		}
	}
	return false
}

// daysBetween counts calendar days from a to b; negative when a is after b
func daysBetween(a, b time.Time) int {
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}
