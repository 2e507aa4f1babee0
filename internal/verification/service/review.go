package service

import (
	"context"
	"strings"
	"time"

	"github.com/medflow/rx-verification/internal/verification/domain"
	"github.com/medflow/rx-verification/pkg/errors"
)

// Decision is a pharmacist's review decision
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionClarify Decision = "clarify"
)

// ReviewInput is one pharmacist action on an upload in PHARMACIST_REVIEW
type ReviewInput struct {
	Decision   Decision
	ReviewerID string
	Notes      string
	// Reason is shown to the patient on rejection
	Reason string
	// Question is sent to the patient on a clarification request
	Question string
}

// Review applies a pharmacist decision
func (s *Service) Review(ctx context.Context, uploadID string, in ReviewInput) (*Record, error) {
	switch in.Decision {
	case DecisionApprove:
		return s.Approve(ctx, uploadID, in.ReviewerID, in.Notes)
	case DecisionReject:
		return s.Reject(ctx, uploadID, in.ReviewerID, in.Reason, in.Notes)
	case DecisionClarify:
		return s.RequestClarification(ctx, uploadID, in.ReviewerID, in.Question)
	}
	return nil, errors.Validation(map[string]string{"decision": "must be approve, reject or clarify"})
}

// Approve approves an upload under review
func (s *Service) Approve(ctx context.Context, uploadID, reviewerID, notes string) (*Record, error) {
	rec, err := s.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	u, v := rec.Upload, rec.Verification
	now := s.clock()

	if err := fromReview(u, domain.StatusApproved, now); err != nil {
		return nil, err
	}
	result := domain.ResultPassed
	v.OverallResult = &result
	completeReview(v, domain.ReviewApproved, reviewerID, notes, now)

	var fields domain.ExtractedFields
	if u.OCR != nil {
		fields = s.extractor.Extract(u.OCR.Text, u.OCR.KeyValues)
	}
	u.ValidUntil = s.validUntil(fields, now)

	if err := s.save(ctx, u, v); err != nil {
		return nil, err
	}

	s.logger.Info().Str("upload_id", u.ID).Str("reviewer_id", reviewerID).Msg("prescription approved by pharmacist")
	s.events.PublishCompleted(ctx, u, v)
	s.notifier.Approved(ctx, u)
	return rec, nil
}

// Reject rejects an upload under review. reason is shown to the patient.
func (s *Service) Reject(ctx context.Context, uploadID, reviewerID, reason, notes string) (*Record, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, errors.Validation(map[string]string{"reason": "required"})
	}

	rec, err := s.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	u, v := rec.Upload, rec.Verification
	now := s.clock()

	if err := fromReview(u, domain.StatusRejected, now); err != nil {
		return nil, err
	}
	result := domain.ResultFailed
	v.OverallResult = &result
	v.RejectionReason = reason
	completeReview(v, domain.ReviewRejected, reviewerID, notes, now)

	if err := s.save(ctx, u, v); err != nil {
		return nil, err
	}

	s.logger.Info().Str("upload_id", u.ID).Str("reviewer_id", reviewerID).Msg("prescription rejected by pharmacist")
	s.events.PublishCompleted(ctx, u, v)
	s.notifier.Rejected(ctx, u, reason)
	return rec, nil
}

// RequestClarification asks the patient a question
func (s *Service) RequestClarification(ctx context.Context, uploadID, reviewerID, question string) (*Record, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, errors.Validation(map[string]string{"question": "required"})
	}

	rec, err := s.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	u, v := rec.Upload, rec.Verification
	now := s.clock()

	if err := fromReview(u, domain.StatusClarificationNeeded, now); err != nil {
		return nil, err
	}
	review := reviewOf(v, now)
	result := domain.ReviewClarification
	review.Status = domain.ReviewWaiting
	review.Result = &result
	review.ReviewerID = reviewerID
	review.Question = question
	review.Answer = ""
	review.ClarificationRequestedAt = &now

	if err := s.save(ctx, u, v); err != nil {
		return nil, err
	}

	s.notifier.Clarification(ctx, u, question)
	return rec, nil
}

// SubmitClarification records the patient's answer and returns the upload
// to the review queue
func (s *Service) SubmitClarification(ctx context.Context, uploadID, patientID, answer string) (*Record, error) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return nil, errors.Validation(map[string]string{"answer": "required"})
	}

	rec, err := s.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	u, v := rec.Upload, rec.Verification
	if u.PatientID != patientID {
		return nil, errors.NotFound("upload")
	}
	now := s.clock()

	if err := moveTo(u, domain.StatusClarificationReceived, now); err != nil {
		return nil, err
	}
	if err := moveTo(u, domain.StatusPharmacistReview, now); err != nil {
		return nil, err
	}
	review := reviewOf(v, now)
	review.Status = domain.ReviewPending
	review.Result = nil
	review.Answer = answer

	if err := s.save(ctx, u, v); err != nil {
		return nil, err
	}

	s.events.PublishPharmacistRequired(ctx, u, v, []string{"clarification received"})
	return rec, nil
}

// fromReview moves an upload out of PHARMACIST_REVIEW. Other states that share
// the edge belong to the pipeline, not to a reviewer.
func fromReview(u *domain.Upload, to domain.VerificationStatus, at time.Time) error {
	if u.VerificationStatus != domain.StatusPharmacistReview {
		return errors.InvalidTransition(string(u.VerificationStatus), string(to))
	}
	return moveTo(u, to, at)
}

// moveTo is TransitionTo with the state machine error mapped to a conflict
func moveTo(u *domain.Upload, to domain.VerificationStatus, at time.Time) error {
	from := u.VerificationStatus
	if err := u.TransitionTo(to, at); err != nil {
		return errors.InvalidTransition(string(from), string(to))
	}
	return nil
}

func reviewOf(v *domain.Verification, now time.Time) *domain.PharmacistReview {
	if v.PharmacistReview == nil {
		v.PharmacistReview = &domain.PharmacistReview{Status: domain.ReviewPending, RequestedAt: now}
	}
	return v.PharmacistReview
}

func completeReview(v *domain.Verification, result domain.ReviewResult, reviewerID, notes string, now time.Time) {
	review := reviewOf(v, now)
	review.Status = domain.ReviewCompleted
	review.Result = &result
	review.ReviewerID = reviewerID
	review.Notes = notes
	review.ReviewedAt = &now
}
