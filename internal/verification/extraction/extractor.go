// Package extraction recovers prescription fields from recognized text.
// Everything here is a pure function of its input.
package extraction

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/medflow/rx-verification/internal/verification/domain"
)

// Options configure platform prescription detection
type Options struct {
	PlatformName       string
	PlatformDomain     string
	IndicatorThreshold int
}

// Extractor turns raw text and optional structured key-values into fields
type Extractor struct {
	opts Options
}

// New creates an extractor
func New(opts Options) *Extractor {
	if opts.IndicatorThreshold <= 0 {
		opts.IndicatorThreshold = 3
	}
	return &Extractor{opts: opts}
}

var (
	doctorLabelRe = regexp.MustCompile(`(?im)^[ \t]*(?:doctor|physician|prescriber|prescribed by)(?:[ \t]+name)?[ \t]*[:\-][ \t]*(?:dr\.?[ \t]+)?(.+?)[ \t]*$`)
	doctorTitleRe = regexp.MustCompile(`\b(?:Dr\.?|DR\.?|Doctor)[ \t]+([A-Z][A-Za-z'\-]+(?:\.?[ \t]+[A-Z][A-Za-z'\-]+){0,3})`)
	patientRe     = regexp.MustCompile(`(?im)^[ \t]*(?:patient(?:'s)?(?:[ \t]+name)?|name(?:[ \t]+of[ \t]+patient)?)[ \t]*[:\-][ \t]*(.+?)[ \t]*$`)
	licenseRe     = regexp.MustCompile(`(?i)\b(?:licen[cs]e|lic\.?|reg(?:istration)?\.?)[ \t]*(?:no\.?|number|#)?[ \t]*[:\-]?[ \t]*([A-Z]{0,4}-?\d{4,10})\b`)
	clinicLabelRe = regexp.MustCompile(`(?im)^[ \t]*(?:clinic|hospital|practice|facility)(?:[ \t]+name)?[ \t]*[:\-][ \t]*(.+?)[ \t]*$`)
	clinicLineRe  = regexp.MustCompile(`(?im)^[ \t]*([^\n:]*\b(?:clinic|hospital|medical cent(?:er|re)|health cent(?:er|re)|practice|polyclinic)\b[^\n:]*?)[ \t]*$`)
	validityRe    = regexp.MustCompile(`(?i)\bvalid(?:ity)?(?:[ \t]+(?:for|period))?[ \t]*[:\-]?[ \t]*(\d{1,3})[ \t]*days?\b`)
	nameStopRe    = regexp.MustCompile(`(?i)[ \t]{2,}.*$|[ \t]+(?:dob|d\.o\.b|age|sex|gender|date)\b.*$`)
	signatureRe   = regexp.MustCompile(`(?im)^[ \t]*(?:signature|signed|sign)[ \t]*[:\-][ \t]*\S+|\b(?:digitally|electronically)[ \t]+signed\b`)
	nameCleanupRe = regexp.MustCompile(`[^A-Za-z.'\- ]+`)
	multiSpaceRe  = regexp.MustCompile(`\s+`)
)

// Extract recovers fields from text. Values from keyValues win over
// anything found by pattern matching.
func (e *Extractor) Extract(text string, keyValues map[string]string) domain.ExtractedFields {
	f := domain.ExtractedFields{
		DoctorName:    ExtractDoctorName(text),
		PatientName:   ExtractPatientName(text),
		DoctorLicense: ExtractLicense(text),
		ClinicName:    ExtractClinicName(text),
		Medications:   ExtractMedications(text),
	}

	if d, ok := ExtractPrescriptionDate(text); ok {
		f.PrescriptionDate = &d
	}
	if m := validityRe.FindStringSubmatch(text); m != nil {
		f.ValidityDays, _ = strconv.Atoi(m[1])
	}
	f.SignatureDetected = signatureRe.MatchString(text)

	applyKeyValues(&f, keyValues)

	p := e.DetectPlatform(text)
	f.IsPlatformIssued = p.IsPlatformIssued
	f.PlatformReference = p.Reference
	f.PlatformIndicators = p.Indicators
	if p.Reference != "" {
		f.SignatureDetected = true
	}
	return f
}

// ExtractDoctorName prefers a labelled prescriber over a "Dr." title
func ExtractDoctorName(text string) string {
	if m := doctorLabelRe.FindStringSubmatch(text); m != nil {
		if name := cleanPersonName(m[1]); name != "" {
			return name
		}
	}
	if m := doctorTitleRe.FindStringSubmatch(text); m != nil {
		return cleanPersonName(m[1])
	}
	return ""
}

// ExtractPatientName reads a "Patient:" style label
func ExtractPatientName(text string) string {
	for _, m := range patientRe.FindAllStringSubmatch(text, -1) {
		if name := cleanPersonName(m[1]); name != "" && !isFormWord(firstToken(name)) {
			return name
		}
	}
	return ""
}

// ExtractLicense returns a license or registration number. The format is
// validated by the license check, not here.
func ExtractLicense(text string) string {
	if m := licenseRe.FindStringSubmatch(text); m != nil {
		return strings.ToUpper(m[1])
	}
	return ""
}

// ExtractClinicName reads a labelled clinic or the first line naming one
func ExtractClinicName(text string) string {
	if m := clinicLabelRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := clinicLineRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func cleanPersonName(raw string) string {
	name := nameStopRe.ReplaceAllString(strings.TrimSpace(raw), "")
	name = nameCleanupRe.ReplaceAllString(name, " ")
	name = strings.TrimSpace(multiSpaceRe.ReplaceAllString(name, " "))
	name = strings.TrimPrefix(name, "Dr. ")
	return strings.Trim(name, ".- ")
}

func firstToken(s string) string {
	if fields := strings.Fields(s); len(fields) > 0 {
		return fields[0]
	}
	return ""
}

func applyKeyValues(f *domain.ExtractedFields, kv map[string]string) {
	for rawKey, value := range kv {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		switch normalizeKey(rawKey) {
		case "doctor", "doctor name", "physician", "prescriber", "prescribed by":
			f.DoctorName = cleanPersonName(value)
		case "patient", "patient name", "name":
			f.PatientName = cleanPersonName(value)
		case "license", "license no", "license number", "licence", "licence no", "registration", "registration no":
			f.DoctorLicense = strings.ToUpper(value)
		case "clinic", "clinic name", "hospital", "facility":
			f.ClinicName = value
		case "date", "date issued", "issue date", "date of issue", "prescription date":
			if d, ok := ParseDate(value); ok {
				f.PrescriptionDate = &d
			}
		}
	}
}

func normalizeKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	k = strings.Trim(k, ":.#")
	k = strings.ReplaceAll(k, ".", "")
	return multiSpaceRe.ReplaceAllString(k, " ")
}
