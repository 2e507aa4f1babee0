package extraction

import (
	"regexp"
	"strings"

	"github.com/medflow/rx-verification/internal/verification/domain"
)

// Platform indicator names
const (
	IndicatorPlatformName     = "platform_name"
	IndicatorReferenceNumber  = "reference_number"
	IndicatorVerificationText = "verification_banner"
	IndicatorHashLabel        = "hash_label"
	IndicatorPlatformDomain   = "platform_domain"
	IndicatorDigitalSignature = "digital_signature"
	IndicatorVerifyCode       = "verify_code"
)

var (
	bannerRe   = regexp.MustCompile(`(?i)\bdigital(?:ly)?[ \t]+verifi(?:cation|ed)\b`)
	hashRe     = regexp.MustCompile(`(?i)\b(?:verification|document|digital|sha-?256)[ \t]+hash[ \t]*:|\bsha-?256[ \t]*:`)
	signedRe   = regexp.MustCompile(`(?i)\b(?:digitally|electronically)[ \t]+(?:signed|issued)\b`)
	verifyQRRe = regexp.MustCompile(`(?i)\bscan[ \t]+(?:the[ \t]+)?(?:qr[ \t]+code[ \t]+)?to[ \t]+verify\b|\bverification[ \t]+code[ \t]*:`)
)

// PlatformDetection is the outcome of self-issued prescription detection
type PlatformDetection struct {
	IsPlatformIssued bool
	Reference        string
	Indicators       []string
}

// DetectPlatform counts the textual markers this platform prints on the
// prescriptions it issues. A document is self-issued when at least
// IndicatorThreshold of them are present.
func (e *Extractor) DetectPlatform(text string) PlatformDetection {
	var d PlatformDetection
	lower := strings.ToLower(text)

	if e.opts.PlatformName != "" && strings.Contains(lower, strings.ToLower(e.opts.PlatformName)) {
		d.Indicators = append(d.Indicators, IndicatorPlatformName)
	}
	if m := domain.PrescriptionNumberPattern.FindString(text); m != "" {
		d.Reference = m
		d.Indicators = append(d.Indicators, IndicatorReferenceNumber)
	}
	if bannerRe.MatchString(text) {
		d.Indicators = append(d.Indicators, IndicatorVerificationText)
	}
	if hashRe.MatchString(text) {
		d.Indicators = append(d.Indicators, IndicatorHashLabel)
	}
	if e.opts.PlatformDomain != "" && strings.Contains(lower, strings.ToLower(e.opts.PlatformDomain)) {
		d.Indicators = append(d.Indicators, IndicatorPlatformDomain)
	}
	if signedRe.MatchString(text) {
		d.Indicators = append(d.Indicators, IndicatorDigitalSignature)
	}
	if verifyQRRe.MatchString(text) {
		d.Indicators = append(d.Indicators, IndicatorVerifyCode)
	}

	d.IsPlatformIssued = len(d.Indicators) >= e.opts.IndicatorThreshold
	return d
}
