package domain

// VerificationStatus is the position of an upload in the verification state machine
type VerificationStatus string

const (
	StatusPending               VerificationStatus = "PENDING"
	StatusTier1Processing       VerificationStatus = "TIER1_PROCESSING"
	StatusTier1Passed           VerificationStatus = "TIER1_PASSED"
	StatusTier1Failed           VerificationStatus = "TIER1_FAILED"
	StatusTier2Processing       VerificationStatus = "TIER2_PROCESSING"
	StatusTier2Passed           VerificationStatus = "TIER2_PASSED"
	StatusTier2Failed           VerificationStatus = "TIER2_FAILED"
	StatusNeedsReview           VerificationStatus = "NEEDS_REVIEW"
	StatusPharmacistReview      VerificationStatus = "PHARMACIST_REVIEW"
	StatusClarificationNeeded   VerificationStatus = "CLARIFICATION_NEEDED"
	StatusClarificationReceived VerificationStatus = "CLARIFICATION_RECEIVED"
	StatusApproved              VerificationStatus = "APPROVED"
	StatusRejected              VerificationStatus = "REJECTED"
	StatusExpired               VerificationStatus = "EXPIRED"
)

// IsTerminal reports whether no further pipeline transition is expected
func (s VerificationStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// InFlightStatuses are the states a run passes through before it settles.
// An upload left in one of them belongs to a run that is still going or died.
var InFlightStatuses = []VerificationStatus{
	StatusTier1Processing,
	StatusTier1Passed,
	StatusTier2Processing,
	StatusTier2Passed,
	StatusNeedsReview,
}

// InFlight reports whether s is an intermediate run state
func (s VerificationStatus) InFlight() bool {
	for _, f := range InFlightStatuses {
		if s == f {
			return true
		}
	}
	return false
}

// ProcessingStatus tracks the background run, independent of the verdict
type ProcessingStatus string

const (
	ProcessingPending    ProcessingStatus = "PENDING"
	ProcessingProcessing ProcessingStatus = "PROCESSING"
	ProcessingCompleted  ProcessingStatus = "COMPLETED"
	ProcessingFailed     ProcessingStatus = "FAILED"
)

// Severity of a check result
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities from INFO (0) to CRITICAL (3)
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// RiskLevel is the tier a fraud score falls into
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// MatchType classifies a duplicate match
type MatchType string

const (
	MatchExact         MatchType = "EXACT"
	MatchNearDuplicate MatchType = "NEAR_DUPLICATE"
	MatchSimilar       MatchType = "SIMILAR"
	MatchContent       MatchType = "CONTENT_MATCH"
)

// Similarity is the fixed score a match type carries
func (m MatchType) Similarity() float64 {
	switch m {
	case MatchExact:
		return 100
	case MatchNearDuplicate:
		return 95
	case MatchContent:
		return 90
	case MatchSimilar:
		return 80
	default:
		return 0
	}
}

// DocumentType is the classified format of an uploaded file
type DocumentType string

const (
	DocumentPDF     DocumentType = "PDF"
	DocumentJPEG    DocumentType = "JPEG"
	DocumentPNG     DocumentType = "PNG"
	DocumentWEBP    DocumentType = "WEBP"
	DocumentGIF     DocumentType = "GIF"
	DocumentDOCX    DocumentType = "DOCX"
	DocumentDOC     DocumentType = "DOC"
	DocumentUnknown DocumentType = "UNKNOWN"
)

// IsImage reports whether the type is a raster image
func (d DocumentType) IsImage() bool {
	switch d {
	case DocumentJPEG, DocumentPNG, DocumentWEBP, DocumentGIF:
		return true
	}
	return false
}

// OCRCompatible reports whether the type may be sent to text recognition.
// Word-processing formats never are.
func (d DocumentType) OCRCompatible() bool {
	return d.IsImage() || d == DocumentPDF
}

// OverallResult is the outcome of a tier or of a whole run
type OverallResult string

const (
	ResultPassed      OverallResult = "PASSED"
	ResultFailed      OverallResult = "FAILED"
	ResultNeedsReview OverallResult = "NEEDS_REVIEW"
)

// UploadSource is the channel a prescription arrived through
type UploadSource string

const (
	SourceWeb      UploadSource = "WEB"
	SourceMobile   UploadSource = "MOBILE"
	SourceChat     UploadSource = "CHAT"
	SourcePlatform UploadSource = "PLATFORM"
)

// ReviewStatus tracks the pharmacist review sub-flow
type ReviewStatus string

const (
	ReviewPending   ReviewStatus = "PENDING"
	ReviewWaiting   ReviewStatus = "AWAITING_CLARIFICATION"
	ReviewCompleted ReviewStatus = "COMPLETED"
)

// ReviewResult is the decision a pharmacist recorded
type ReviewResult string

const (
	ReviewApproved      ReviewResult = "APPROVED"
	ReviewRejected      ReviewResult = "REJECTED"
	ReviewClarification ReviewResult = "CLARIFICATION_REQUESTED"
)

// OrderStatus of an order in the order ledger
type OrderStatus string

const (
	OrderPending    OrderStatus = "PENDING"
	OrderPaid       OrderStatus = "PAID"
	OrderProcessing OrderStatus = "PROCESSING"
	OrderShipped    OrderStatus = "SHIPPED"
	OrderDelivered  OrderStatus = "DELIVERED"
	OrderCancelled  OrderStatus = "CANCELLED"
	OrderRefunded   OrderStatus = "REFUNDED"
)

// ConsumesPrescription reports whether an order in this status has used up
// the prescription it references.
func (s OrderStatus) ConsumesPrescription() bool {
	switch s {
	case OrderPaid, OrderProcessing, OrderShipped, OrderDelivered:
		return true
	}
	return false
}
