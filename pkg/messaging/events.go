package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	// Verification lifecycle
	EventVerificationRequested = "verification.requested"
	EventVerificationStarted   = "verification.started"
	EventTier1Completed        = "verification.tier1.completed"
	EventTier2Completed        = "verification.tier2.completed"
	EventPharmacistRequired    = "verification.pharmacist.required"
	EventVerificationCompleted = "verification.completed"
	EventVerificationFailed    = "verification.failed"

	// Outbound patient notifications
	EventNotificationRequested = "notification.requested"
)

// Exchange names
const (
	ExchangeVerificationEvents = "verification.events"
	ExchangeNotificationEvents = "notification.events"
)

// Event is the base event structure
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event with the given type and data
func NewEvent(eventType, source, correlationID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          dataBytes,
	}, nil
}

// UnmarshalData unmarshals the event data into the provided struct
func (e *Event) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// CheckSummary is the compact form of one check carried on tier events
type CheckSummary struct {
	Name     string  `json:"name"`
	Passed   bool    `json:"passed"`
	Score    float64 `json:"score"`
	Severity string  `json:"severity"`
}

// VerificationRequestedEvent asks a worker to run the pipeline for an upload
type VerificationRequestedEvent struct {
	UploadID string `json:"upload_id"`
	Attempt  int    `json:"attempt"`
}

// VerificationStartedEvent is published when a run begins
type VerificationStartedEvent struct {
	UploadID           string `json:"upload_id"`
	PatientID          string `json:"patient_id"`
	PrescriptionNumber string `json:"prescription_number"`
	RunID              string `json:"run_id"`
	RetryCount         int    `json:"retry_count"`
}

// TierCompletedEvent is published at the end of Tier 1 and Tier 2
type TierCompletedEvent struct {
	UploadID string         `json:"upload_id"`
	RunID    string         `json:"run_id"`
	Tier     int            `json:"tier"`
	Status   string         `json:"status"`
	Score    float64        `json:"score"`
	Passed   bool           `json:"passed"`
	Checks   []CheckSummary `json:"checks"`
}

// PharmacistRequiredEvent is published when an upload enters manual review
type PharmacistRequiredEvent struct {
	UploadID     string   `json:"upload_id"`
	PatientID    string   `json:"patient_id"`
	OverallScore float64  `json:"overall_score"`
	FraudScore   float64  `json:"fraud_score"`
	RiskLevel    string   `json:"risk_level"`
	Reasons      []string `json:"reasons"`
}

// VerificationCompletedEvent is published when a run reaches an outcome
type VerificationCompletedEvent struct {
	UploadID      string  `json:"upload_id"`
	PatientID     string  `json:"patient_id"`
	Status        string  `json:"status"`
	OverallResult string  `json:"overall_result"`
	OverallScore  float64 `json:"overall_score"`
	FraudScore    float64 `json:"fraud_score"`
	RiskLevel     string  `json:"risk_level"`
	Summary       string  `json:"summary,omitempty"`
}

// VerificationFailedEvent is published when a run aborts on a fatal error
type VerificationFailedEvent struct {
	UploadID string `json:"upload_id"`
	RunID    string `json:"run_id"`
	Tier     int    `json:"tier"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// NotificationRequestedEvent hands a patient message to the delivery layer
type NotificationRequestedEvent struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Template  string `json:"template"`
	UploadID  string `json:"upload_id,omitempty"`
}
