package domain

import "time"

// Upload is one submitted prescription artifact. Uploads are never physically
// deleted.
type Upload struct {
	ID                  string             `json:"id"`
	PatientID           string             `json:"patient_id"`
	PatientName         string             `json:"patient_name"`
	PatientEmail        string             `json:"patient_email"`
	Locale              string             `json:"locale"`
	BlobBucket          string             `json:"blob_bucket"`
	BlobKey             string             `json:"blob_key"`
	FileName            string             `json:"file_name"`
	MimeType            string             `json:"mime_type"`
	FileSize            int64              `json:"file_size"`
	Source              UploadSource       `json:"source"`
	PrescriptionNumber  string             `json:"prescription_number"`
	ProcessingStatus    ProcessingStatus   `json:"processing_status"`
	VerificationStatus  VerificationStatus `json:"verification_status"`
	OCR                 *OCRSnapshot       `json:"ocr,omitempty"`
	VerifiedMedications []Medication       `json:"verified_medications,omitempty"`
	FraudScore          float64            `json:"fraud_score"`
	UsageCount          int                `json:"usage_count"`
	MaxUsage            int                `json:"max_usage"`
	OrderRefs           []string           `json:"order_refs"`
	ValidUntil          *time.Time         `json:"valid_until,omitempty"`
	IsDeleted           bool               `json:"is_deleted"`
	DeletedAt           *time.Time         `json:"deleted_at,omitempty"`
	StatusChangedAt     time.Time          `json:"status_changed_at"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// OCRSnapshot is the recognized text of an upload together with where it came from
type OCRSnapshot struct {
	Text       string            `json:"text"`
	Confidence float64           `json:"confidence"`
	KeyValues  map[string]string `json:"key_values,omitempty"`
	Tables     [][][]string      `json:"tables,omitempty"`
	Engine     string            `json:"engine"`

	// FromDocument is set when the text came from the document's own text
	// layer because recognition failed or was skipped.
	FromDocument bool `json:"from_document"`
}

// Verification is the durable trace of pipeline execution for one upload
type Verification struct {
	ID               string              `json:"id"`
	UploadID         string              `json:"upload_id"`
	RunID            string              `json:"run_id"`
	Tier1            *TierResult         `json:"tier1,omitempty"`
	Tier2            *TierResult         `json:"tier2,omitempty"`
	Fraud            FraudDetection      `json:"fraud_detection"`
	PharmacistReview *PharmacistReview   `json:"pharmacist_review,omitempty"`
	OverallResult    *OverallResult      `json:"overall_result,omitempty"`
	OverallScore     float64             `json:"overall_score"`
	ConfidenceScore  float64             `json:"confidence_score"`
	PatientSummary   string              `json:"patient_summary,omitempty"`
	RejectionReason  string              `json:"rejection_reason,omitempty"`
	Errors           []VerificationError `json:"errors"`
	RetryCount       int                 `json:"retry_count"`
	IsPlatformIssued bool                `json:"is_platform_issued"`
	StartedAt        *time.Time          `json:"started_at,omitempty"`
	CompletedAt      *time.Time          `json:"completed_at,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// TierResult is the outcome of one tier of checks
type TierResult struct {
	Tier        int           `json:"tier"`
	Status      OverallResult `json:"status"`
	Score       float64       `json:"score"`
	Passed      bool          `json:"passed"`
	Checks      []CheckResult `json:"checks"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	DurationMs  int64         `json:"duration_ms"`
}

// CheckResult is the outcome of one named check
type CheckResult struct {
	Name      string    `json:"name"`
	Passed    bool      `json:"passed"`
	Score     float64   `json:"score"`
	Severity  Severity  `json:"severity"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`

	// Degraded marks a check whose collaborator failed or timed out
	Degraded bool `json:"degraded,omitempty"`

	// ReviewRequired asks for a pharmacist even when the tier passes
	ReviewRequired bool `json:"review_required,omitempty"`
}

// FraudDetection is the fraud assessment of a run
type FraudDetection struct {
	Score     float64     `json:"score"`
	RiskLevel RiskLevel   `json:"risk_level"`
	Flags     []FraudFlag `json:"flags"`
}

// FraudFlag is one contributing fraud signal
type FraudFlag struct {
	Type        string   `json:"type"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// PharmacistReview records the human review sub-flow
type PharmacistReview struct {
	Status                   ReviewStatus  `json:"status"`
	Result                   *ReviewResult `json:"result,omitempty"`
	ReviewerID               string        `json:"reviewer_id,omitempty"`
	Notes                    string        `json:"notes,omitempty"`
	Reasons                  []string      `json:"reasons,omitempty"`
	Question                 string        `json:"question,omitempty"`
	Answer                   string        `json:"answer,omitempty"`
	RequestedAt              time.Time     `json:"requested_at"`
	ClarificationRequestedAt *time.Time    `json:"clarification_requested_at,omitempty"`
	ReviewedAt               *time.Time    `json:"reviewed_at,omitempty"`
}

// VerificationError is one entry of the run error log
type VerificationError struct {
	Tier    int       `json:"tier"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// ImageMetadata describes a decoded raster
type ImageMetadata struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
}

// Fingerprint holds exact and approximate signatures of one upload
type Fingerprint struct {
	ID              string           `json:"id"`
	UploadID        string           `json:"upload_id"`
	PatientID       string           `json:"patient_id"`
	SHA256          string           `json:"sha256"`
	MD5             string           `json:"md5"`
	PHash           *uint64          `json:"phash,omitempty"`
	DHash           *uint64          `json:"dhash,omitempty"`
	AHash           *uint64          `json:"ahash,omitempty"`
	ContentHash     string           `json:"content_hash,omitempty"`
	Image           *ImageMetadata   `json:"image,omitempty"`
	DuplicatesFound []DuplicateMatch `json:"duplicates_found"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// DuplicateMatch is another upload whose fingerprint matched
type DuplicateMatch struct {
	UploadID             string    `json:"upload_id"`
	PatientID            string    `json:"patient_id"`
	MatchType            MatchType `json:"match_type"`
	Similarity           float64   `json:"similarity"`
	Distance             int       `json:"distance,omitempty"`
	SharedAcrossPatients bool      `json:"shared_across_patients"`
	DetectedAt           time.Time `json:"detected_at"`
}

// DuplicateReport aggregates the matches found for one fingerprint
type DuplicateReport struct {
	HasDuplicates        bool             `json:"has_duplicates"`
	DuplicateCount       int              `json:"duplicate_count"`
	HighestSimilarity    float64          `json:"highest_similarity"`
	SharedAcrossPatients bool             `json:"shared_across_patients"`
	OtherPatientIDs      []string         `json:"other_patient_ids"`
	Matches              []DuplicateMatch `json:"matches"`
}

// ExtractedFields is what the field extractor recovered from recognized text
type ExtractedFields struct {
	DoctorName         string       `json:"doctor_name,omitempty"`
	PatientName        string       `json:"patient_name,omitempty"`
	DoctorLicense      string       `json:"doctor_license,omitempty"`
	ClinicName         string       `json:"clinic_name,omitempty"`
	PrescriptionDate   *time.Time   `json:"prescription_date,omitempty"`
	ValidityDays       int          `json:"validity_days,omitempty"`
	Medications        []Medication `json:"medications"`
	IsPlatformIssued   bool         `json:"is_platform_issued"`
	PlatformReference  string       `json:"platform_reference,omitempty"`
	PlatformIndicators []string     `json:"platform_indicators,omitempty"`
	SignatureDetected  bool         `json:"signature_detected"`
}

// Medication is one prescribed item, optionally resolved against the catalog
type Medication struct {
	Name       string `json:"name"`
	Strength   string `json:"strength,omitempty"`
	Form       string `json:"form,omitempty"`
	Quantity   string `json:"quantity,omitempty"`
	Directions string `json:"directions,omitempty"`

	CatalogID            string  `json:"catalog_id,omitempty"`
	CanonicalName        string  `json:"canonical_name,omitempty"`
	GenericName          string  `json:"generic_name,omitempty"`
	MatchScore           float64 `json:"match_score,omitempty"`
	IsValid              bool    `json:"is_valid"`
	IsControlled         bool    `json:"is_controlled"`
	RequiresPrescription bool    `json:"requires_prescription"`
}

// Order is an entry of the order ledger referencing an upload
type Order struct {
	ID        string      `json:"id"`
	UploadID  string      `json:"upload_id"`
	Status    OrderStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}
