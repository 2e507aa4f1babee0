// Package events publishes verification lifecycle events
package events

import (
	"context"

	"github.com/medflow/rx-verification/internal/verification/domain"
	"github.com/medflow/rx-verification/pkg/logger"
	"github.com/medflow/rx-verification/pkg/messaging"
)

// Source is the event source name of this service
const Source = "verification-service"

// VerificationEventPublisher publishes lifecycle events of pipeline runs.
// Publish failures are logged; the run never fails because of them. A nil
// publisher drops every event.
type VerificationEventPublisher struct {
	publisher messaging.EventPublisher
	logger    *logger.Logger
}

// NewVerificationEventPublisher declares the verification exchange and
// returns a publisher on it
func NewVerificationEventPublisher(rmq *messaging.RabbitMQ, log *logger.Logger) (*VerificationEventPublisher, error) {
	publisher, err := messaging.NewPublisher(rmq, messaging.ExchangeVerificationEvents, Source, log)
	if err != nil {
		return nil, err
	}
	return New(publisher, log), nil
}

// New wraps any EventPublisher
func New(publisher messaging.EventPublisher, log *logger.Logger) *VerificationEventPublisher {
	return &VerificationEventPublisher{publisher: publisher, logger: log}
}

// PublishRequested asks a worker to run the pipeline for an upload
func (p *VerificationEventPublisher) PublishRequested(ctx context.Context, uploadID string, attempt int) error {
	if p == nil {
		return nil
	}
	return p.publisher.Publish(ctx, messaging.EventVerificationRequested, messaging.VerificationRequestedEvent{
		UploadID: uploadID,
		Attempt:  attempt,
	})
}

// PublishStarted publishes a run start
func (p *VerificationEventPublisher) PublishStarted(ctx context.Context, u *domain.Upload, v *domain.Verification) {
	p.publish(ctx, messaging.EventVerificationStarted, u.ID, messaging.VerificationStartedEvent{
		UploadID:           u.ID,
		PatientID:          u.PatientID,
		PrescriptionNumber: u.PrescriptionNumber,
		RunID:              v.RunID,
		RetryCount:         v.RetryCount,
	})
}

// PublishTierCompleted publishes the end of Tier 1 or Tier 2
func (p *VerificationEventPublisher) PublishTierCompleted(ctx context.Context, uploadID, runID string, tier *domain.TierResult) {
	eventType := messaging.EventTier1Completed
	if tier.Tier == 2 {
		eventType = messaging.EventTier2Completed
	}

	checks := make([]messaging.CheckSummary, 0, len(tier.Checks))
	for _, c := range tier.Checks {
		checks = append(checks, messaging.CheckSummary{
			Name:     c.Name,
			Passed:   c.Passed,
			Score:    c.Score,
			Severity: string(c.Severity),
		})
	}

	p.publish(ctx, eventType, uploadID, messaging.TierCompletedEvent{
		UploadID: uploadID,
		RunID:    runID,
		Tier:     tier.Tier,
		Status:   string(tier.Status),
		Score:    tier.Score,
		Passed:   tier.Passed,
		Checks:   checks,
	})
}

// PublishPharmacistRequired publishes an upload entering manual review
func (p *VerificationEventPublisher) PublishPharmacistRequired(ctx context.Context, u *domain.Upload, v *domain.Verification, reasons []string) {
	if reasons == nil {
		reasons = []string{}
	}
	p.publish(ctx, messaging.EventPharmacistRequired, u.ID, messaging.PharmacistRequiredEvent{
		UploadID:     u.ID,
		PatientID:    u.PatientID,
		OverallScore: v.OverallScore,
		FraudScore:   v.Fraud.Score,
		RiskLevel:    string(v.Fraud.RiskLevel),
		Reasons:      reasons,
	})
}

// PublishCompleted publishes the outcome of a run or of a review decision
func (p *VerificationEventPublisher) PublishCompleted(ctx context.Context, u *domain.Upload, v *domain.Verification) {
	result := ""
	if v.OverallResult != nil {
		result = string(*v.OverallResult)
	}
	p.publish(ctx, messaging.EventVerificationCompleted, u.ID, messaging.VerificationCompletedEvent{
		UploadID:      u.ID,
		PatientID:     u.PatientID,
		Status:        string(u.VerificationStatus),
		OverallResult: result,
		OverallScore:  v.OverallScore,
		FraudScore:    v.Fraud.Score,
		RiskLevel:     string(v.Fraud.RiskLevel),
		Summary:       v.RejectionReason,
	})
}

// PublishFailed publishes a run aborted by a fatal error
func (p *VerificationEventPublisher) PublishFailed(ctx context.Context, uploadID, runID string, runErr domain.VerificationError) {
	p.publish(ctx, messaging.EventVerificationFailed, uploadID, messaging.VerificationFailedEvent{
		UploadID: uploadID,
		RunID:    runID,
		Tier:     runErr.Tier,
		Code:     runErr.Code,
		Message:  runErr.Message,
	})
}

func (p *VerificationEventPublisher) publish(ctx context.Context, eventType, uploadID string, data interface{}) {
	if p == nil {
		return
	}
	if err := p.publisher.Publish(ctx, eventType, data); err != nil {
		p.logger.Error().Err(err).
			Str("event_type", eventType).
			Str("upload_id", uploadID).
			Msg("failed to publish verification event")
	}
}
