package extraction

import (
	"regexp"
	"strings"

	"github.com/medflow/rx-verification/internal/verification/domain"
)

// Strategy is one medication extraction heuristic. It returns nil when it
// found nothing so the next strategy gets a turn.
type Strategy struct {
	Name    string
	Extract func(text string) []domain.Medication
}

// Strategies in order of preference
var Strategies = []Strategy{
	{"structured_block", StructuredBlock},
	{"inline_strength", InlineStrength},
	{"dosage_form_prefix", DosageFormPrefix},
	{"medication_section", MedicationSection},
	{"name_dosage", NameDosage},
}

// ExtractMedications runs the strategies until one yields results
func ExtractMedications(text string) []domain.Medication {
	for _, s := range Strategies {
		if meds := s.Extract(text); len(meds) > 0 {
			return meds
		}
	}
	return nil
}

const dosePattern = `\d+(?:[.,]\d+)?[ \t]*(?:mg|mcg|µg|g|ml|iu|units?|%)`

var (
	labelValueRe = regexp.MustCompile(`^[ \t]*([A-Za-z][A-Za-z ]{1,30}?)[ \t]*:[ \t]*(.*?)[ \t]*$`)
	inlineRe     = regexp.MustCompile(`(?i)(?:^|[^A-Za-z])([A-Za-z][A-Za-z\-]{2,})(?:[ \t]+[A-Za-z\-]+)?[ \t]*[,\-]?[ \t]*strength[ \t]*:[ \t]*(` + dosePattern + `)`)
	formPrefixRe = regexp.MustCompile(`(?i)^[ \t]*(?:\d+[.)][ \t]*)?(tabs?|tablet|caps?|capsule|syrup|syp|inj|injection|susp|suspension|cream|oint|ointment|drops?)\.?[ \t]+([A-Za-z][A-Za-z\-]+(?:[ \t]+[A-Za-z][A-Za-z\-]+)?)[ \t]*(` + dosePattern + `)?[ \t]*(.*)$`)
	sectionRe    = regexp.MustCompile(`(?i)^[ \t]*(?:prescribed[ \t]+)?(?:medications?|medicines?|drugs?|rx)[ \t]*:?[ \t]*$`)
	sectionEndRe = regexp.MustCompile(`(?i)^[ \t]*(?:signature|signed|notes?|diagnosis|doctor|physician|refills?|valid)\b`)
	sectionLnRe  = regexp.MustCompile(`(?i)^[ \t]*(?:\d+[.)][ \t]*|[-*•][ \t]*)?([A-Za-z][A-Za-z\-]+(?:[ \t]+[A-Za-z][A-Za-z\-]+)?)[ \t]*(` + dosePattern + `)?`)
	nameDoseRe   = regexp.MustCompile(`(?i)\b([A-Za-z][A-Za-z\-]{3,})[ \t]+(` + dosePattern + `)`)
	doseOnlyRe   = regexp.MustCompile(`(?i)` + dosePattern)
)

var formWords = map[string]bool{
	"patient": true, "doctor": true, "dr": true, "license": true, "licence": true,
	"date": true, "name": true, "signature": true, "signed": true, "clinic": true,
	"hospital": true, "address": true, "phone": true, "tel": true, "email": true,
	"age": true, "dob": true, "birth": true, "sex": true, "gender": true,
	"strength": true, "quantity": true, "qty": true, "directions": true, "dose": true,
	"dosage": true, "refills": true, "refill": true, "total": true, "weight": true,
	"height": true, "medication": true, "medications": true, "medicine": true,
	"rx": true, "prescription": true, "diagnosis": true, "take": true, "valid": true,
	"validity": true, "reg": true, "registration": true, "issued": true, "notes": true,
}

func isFormWord(token string) bool {
	return formWords[strings.ToLower(strings.Trim(token, ".:,-"))]
}

func labelValue(line string) (label, value string, ok bool) {
	m := labelValueRe.FindStringSubmatch(line)
	if m == nil {
		return "", "", false
	}
	return strings.ToLower(strings.TrimSpace(m[1])), m[2], true
}

// StructuredBlock reads "Name / Strength: / Quantity: / Directions:" blocks
// where the drug name is the line above the strength label or the value of
// a "Medication:" label.
func StructuredBlock(text string) []domain.Medication {
	lines := strings.Split(text, "\n")
	var meds []domain.Medication

	for i, line := range lines {
		label, value, ok := labelValue(line)
		if !ok || (label != "strength" && label != "dose" && label != "dosage") || value == "" {
			continue
		}

		name := ""
		for j := i - 1; j >= 0 && j >= i-2; j-- {
			prev := strings.TrimSpace(lines[j])
			if prev == "" {
				continue
			}
			if l, v, ok := labelValue(prev); ok {
				if l == "medication" || l == "drug" || l == "medicine" || l == "name" {
					name = v
				}
			} else {
				name = prev
			}
			break
		}
		name = cleanDrugName(name)
		if name == "" || isFormWord(firstToken(name)) {
			continue
		}

		med := domain.Medication{Name: name, Strength: value}
		for j := i + 1; j < len(lines) && j <= i+4; j++ {
			l, v, ok := labelValue(lines[j])
			if !ok {
				break
			}
			switch l {
			case "quantity", "qty":
				med.Quantity = v
			case "directions", "sig", "instructions", "usage":
				med.Directions = v
			case "form":
				med.Form = v
			}
		}
		meds = append(meds, med)
	}
	return dedupe(meds)
}

// InlineStrength reads "Amoxicillin Capsule Strength: 500mg" on one line
func InlineStrength(text string) []domain.Medication {
	var meds []domain.Medication
	for _, line := range strings.Split(text, "\n") {
		m := inlineRe.FindStringSubmatch(line)
		if m == nil || isFormWord(m[1]) {
			continue
		}
		meds = append(meds, domain.Medication{Name: m[1], Strength: normalizeDose(m[2])})
	}
	return dedupe(meds)
}

// DosageFormPrefix reads "Tab. Paracetamol 500mg twice daily" lines
func DosageFormPrefix(text string) []domain.Medication {
	var meds []domain.Medication
	for _, line := range strings.Split(text, "\n") {
		m := formPrefixRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := cleanDrugName(m[2])
		if name == "" || isFormWord(firstToken(name)) {
			continue
		}
		meds = append(meds, domain.Medication{
			Name:       name,
			Form:       canonicalForm(m[1]),
			Strength:   normalizeDose(m[3]),
			Directions: strings.TrimSpace(m[4]),
		})
	}
	return dedupe(meds)
}

// MedicationSection scans the lines below a "MEDICATIONS" heading until the
// section ends.
func MedicationSection(text string) []domain.Medication {
	lines := strings.Split(text, "\n")
	var meds []domain.Medication

	for i, line := range lines {
		if !sectionRe.MatchString(line) {
			continue
		}
		for _, next := range lines[i+1:] {
			trimmed := strings.TrimSpace(next)
			if trimmed == "" {
				if len(meds) > 0 {
					break
				}
				continue
			}
			if sectionEndRe.MatchString(trimmed) {
				break
			}
			if _, _, ok := labelValue(trimmed); ok {
				continue
			}
			m := sectionLnRe.FindStringSubmatch(trimmed)
			if m == nil {
				continue
			}
			name := cleanDrugName(m[1])
			if name == "" || isFormWord(firstToken(name)) {
				continue
			}
			meds = append(meds, domain.Medication{Name: name, Strength: normalizeDose(m[2])})
		}
		if len(meds) > 0 {
			break
		}
	}
	return dedupe(meds)
}

// NameDosage is the last resort: any "Word 250mg" pair in the text
func NameDosage(text string) []domain.Medication {
	var meds []domain.Medication
	for _, m := range nameDoseRe.FindAllStringSubmatch(text, -1) {
		if isFormWord(m[1]) {
			continue
		}
		meds = append(meds, domain.Medication{Name: m[1], Strength: normalizeDose(m[2])})
	}
	return dedupe(meds)
}

func cleanDrugName(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "0123456789.)-*• \t")
	if loc := doseOnlyRe.FindStringIndex(s); loc != nil {
		s = s[:loc[0]]
	}
	return strings.TrimSpace(strings.Trim(s, ",;:"))
}

func normalizeDose(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), " ", "")
}

func canonicalForm(s string) string {
	switch strings.ToLower(strings.TrimSuffix(s, ".")) {
	case "tab", "tabs", "tablet":
		return "tablet"
	case "cap", "caps", "capsule":
		return "capsule"
	case "syrup", "syp":
		return "syrup"
	case "inj", "injection":
		return "injection"
	case "susp", "suspension":
		return "suspension"
	case "oint", "ointment":
		return "ointment"
	case "drop", "drops":
		return "drops"
	default:
		return strings.ToLower(s)
	}
}

func dedupe(meds []domain.Medication) []domain.Medication {
	if len(meds) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(meds))
	out := meds[:0]
	for _, m := range meds {
		key := strings.ToLower(m.Name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m)
	}
	return out
}
