package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medflow/rx-verification/internal/verification/document"
	"github.com/medflow/rx-verification/internal/verification/domain"
	"github.com/medflow/rx-verification/internal/verification/storage"
	"github.com/medflow/rx-verification/pkg/errors"
)

// expiryBatch bounds how many uploads one sweep expires per category
const expiryBatch = 100

// Record is an upload together with its verification
type Record struct {
	Upload       *domain.Upload       `json:"upload"`
	Verification *domain.Verification `json:"verification"`
}

// SubmitInput is a newly uploaded prescription
type SubmitInput struct {
	PatientID    string
	PatientName  string
	PatientEmail string
	Locale       string
	FileName     string
	MimeType     string
	Source       domain.UploadSource
	Data         []byte
}

// Get returns a live upload and its verification
func (s *Service) Get(ctx context.Context, uploadID string) (*Record, error) {
	u, err := s.uploads.GetByID(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	v, err := s.verifications.GetByUploadID(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	return &Record{Upload: u, Verification: v}, nil
}

// Submit stores a new upload and dispatches its verification run. Empty,
// oversize and unsupported files are refused before anything is stored.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*Record, error) {
	size := int64(len(in.Data))
	if size == 0 {
		return nil, errors.Validation(map[string]string{"file": "required"})
	}
	if size > s.cfg.MaxFileSizeBytes {
		return nil, errors.PayloadTooLarge(size, s.cfg.MaxFileSizeBytes)
	}
	docType, mime := document.Classify(in.Data, in.MimeType, in.FileName)
	if docType == domain.DocumentUnknown || docType == domain.DocumentDOC || !s.allowedMime(mime) {
		return nil, errors.UnsupportedMedia(mime)
	}
	if in.Source == "" {
		in.Source = domain.SourceWeb
	}

	now := s.clock()
	u := &domain.Upload{
		ID:                 uuid.NewString(),
		PatientID:          in.PatientID,
		PatientName:        in.PatientName,
		PatientEmail:       in.PatientEmail,
		Locale:             in.Locale,
		FileName:           in.FileName,
		MimeType:           mime,
		FileSize:           size,
		Source:             in.Source,
		ProcessingStatus:   domain.ProcessingPending,
		VerificationStatus: domain.StatusPending,
		MaxUsage:           s.cfg.DefaultMaxUsage,
		OrderRefs:          []string{},
		StatusChangedAt:    now,
	}

	loc, err := s.blobs.Put(ctx, s.bucket, storage.ObjectKey(in.PatientID, u.ID, in.FileName), in.Data, mime)
	if err != nil {
		return nil, fmt.Errorf("store document: %w", err)
	}
	u.BlobBucket, u.BlobKey = loc.Bucket, loc.Key

	v := &domain.Verification{
		UploadID: u.ID,
		RunID:    uuid.NewString(),
		Fraud:    domain.FraudDetection{RiskLevel: domain.RiskLow, Flags: []domain.FraudFlag{}},
		Errors:   []domain.VerificationError{},
	}

	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.uploads.Create(ctx, u); err != nil {
			return err
		}
		return s.verifications.Create(ctx, v)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("upload_id", u.ID).
		Str("prescription_number", u.PrescriptionNumber).
		Str("doc_type", string(docType)).
		Int64("size", size).
		Msg("prescription submitted")

	s.dispatch(ctx, u.ID, 0)
	return &Record{Upload: u, Verification: v}, nil
}

func (s *Service) allowedMime(mime string) bool {
	for _, m := range s.cfg.AllowedMimeTypes {
		if strings.EqualFold(m, mime) {
			return true
		}
	}
	return false
}

var retryable = map[domain.VerificationStatus]bool{
	domain.StatusPending:     true,
	domain.StatusTier1Failed: true,
	domain.StatusTier2Failed: true,
	domain.StatusRejected:    true,
}

// Retry starts a fresh run on the same verification. Only failed or pending
// uploads that were never used for an order can be retried, plus uploads
// whose run stopped in an intermediate state longer than the stale run TTL ago.
func (s *Service) Retry(ctx context.Context, uploadID string) (*Record, error) {
	rec, err := s.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	u, v := rec.Upload, rec.Verification

	now := s.clock()
	stale := s.staleRun(u, now)
	if !(retryable[u.VerificationStatus] || stale) || u.UsageCount > 0 {
		return nil, errors.RetryNotAllowed(string(u.VerificationStatus))
	}

	if stale {
		v.Errors = append(v.Errors, domain.VerificationError{
			Tier:    tierOf(u.VerificationStatus),
			Code:    CodeStaleRun,
			Message: "run abandoned in " + string(u.VerificationStatus),
			At:      now,
		})
		if err := moveTo(u, domain.StatusRejected, now); err != nil {
			return nil, err
		}
	}
	if u.VerificationStatus != domain.StatusPending {
		if err := moveTo(u, domain.StatusPending, now); err != nil {
			return nil, err
		}
	}
	u.ProcessingStatus = domain.ProcessingPending
	u.OCR = nil
	u.VerifiedMedications = nil
	u.FraudScore = 0
	u.ValidUntil = nil
	resetRun(v)

	if err := s.save(ctx, u, v); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("upload_id", u.ID).
		Str("run_id", v.RunID).
		Int("retry_count", v.RetryCount).
		Msg("verification retry requested")

	s.dispatch(ctx, u.ID, v.RetryCount)
	return rec, nil
}

func (s *Service) staleRun(u *domain.Upload, now time.Time) bool {
	return u.VerificationStatus.InFlight() && now.Sub(u.StatusChangedAt) > s.cfg.StaleRunTTL
}

// resetRun clears everything a run writes. The error log is kept.
func resetRun(v *domain.Verification) {
	v.RetryCount++
	v.RunID = uuid.NewString()
	v.Tier1 = nil
	v.Tier2 = nil
	v.Fraud = domain.FraudDetection{RiskLevel: domain.RiskLow, Flags: []domain.FraudFlag{}}
	v.PharmacistReview = nil
	v.OverallResult = nil
	v.OverallScore = 0
	v.ConfidenceScore = 0
	v.PatientSummary = ""
	v.RejectionReason = ""
	v.IsPlatformIssued = false
	v.StartedAt = nil
	v.CompletedAt = nil
}

// SoftDelete hides an upload unless it was used for, or is referenced by,
// an active order
func (s *Service) SoftDelete(ctx context.Context, uploadID string) error {
	u, err := s.uploads.GetByID(ctx, uploadID)
	if err != nil {
		return err
	}
	if u.UsageCount > 0 {
		return errors.DeleteNotAllowed()
	}

	orders, err := s.findOrders(ctx, u.ID)
	if err != nil {
		return fmt.Errorf("check orders of upload %s: %w", u.ID, err)
	}
	for _, o := range orders {
		if o.Status.ConsumesPrescription() || o.Status == domain.OrderPending {
			return errors.DeleteNotAllowed()
		}
	}

	if err := s.uploads.SoftDelete(ctx, u.ID); err != nil {
		return err
	}
	s.logger.Info().Str("upload_id", u.ID).Msg("upload soft-deleted")
	return nil
}

// RecordUsage links an order to an approved, unexpired upload and returns
// the new usage count
func (s *Service) RecordUsage(ctx context.Context, uploadID, orderID string) (int, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return 0, errors.Validation(map[string]string{"order_id": "required"})
	}

	u, err := s.uploads.GetByID(ctx, uploadID)
	if err != nil {
		return 0, err
	}
	if u.VerificationStatus != domain.StatusApproved {
		return 0, errors.Conflict("prescription is not approved")
	}
	if u.ValidUntil != nil && s.clock().After(*u.ValidUntil) {
		return 0, errors.Conflict("prescription has expired")
	}

	count, err := s.uploads.RecordUsage(ctx, u.ID, orderID)
	if err != nil {
		return 0, err
	}
	s.logger.Info().
		Str("upload_id", u.ID).
		Str("order_id", orderID).
		Int("usage_count", count).
		Msg("prescription usage recorded")
	return count, nil
}

// ExpireDue expires approved uploads past their validity and clarification
// requests left unanswered longer than the clarification TTL. It returns how
// many uploads were expired.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	now := s.clock()

	due, err := s.uploads.ListPastValidity(ctx, now, expiryBatch)
	if err != nil {
		return 0, fmt.Errorf("list prescriptions past validity: %w", err)
	}
	stale, err := s.uploads.ListStaleClarifications(ctx, now.Add(-s.cfg.ClarificationTTL), expiryBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale clarifications: %w", err)
	}

	expired := 0
	for _, u := range append(due, stale...) {
		if err := s.expire(ctx, u, now); err != nil {
			s.logger.WithUploadID(u.ID).WithError(err).Warn().Msg("failed to expire upload")
			continue
		}
		expired++
	}
	return expired, nil
}

// RecoverStaleRuns rejects uploads whose run stopped in an intermediate state,
// typically because the worker died mid-run. They are marked as processing
// errors and can be retried. It returns how many uploads were recovered.
func (s *Service) RecoverStaleRuns(ctx context.Context) (int, error) {
	now := s.clock()
	stuck, err := s.uploads.ListStaleRuns(ctx, now.Add(-s.cfg.StaleRunTTL), expiryBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale runs: %w", err)
	}

	recovered := 0
	for _, u := range stuck {
		if !s.staleRun(u, now) {
			continue
		}
		v, err := s.verifications.GetByUploadID(ctx, u.ID)
		if err != nil {
			s.logger.WithUploadID(u.ID).WithError(err).Warn().Msg("failed to load stale run")
			continue
		}
		rc := &run{upload: u, verification: v, tier: tierOf(u.VerificationStatus), log: s.logger.WithRun(u.ID, v.RunID)}
		cause := fmt.Errorf("run abandoned in %s since %s", u.VerificationStatus, u.StatusChangedAt.Format(time.RFC3339))
		_ = s.abort(ctx, rc, CodeStaleRun, cause)
		if u.VerificationStatus == domain.StatusRejected {
			recovered++
		}
	}
	return recovered, nil
}

func (s *Service) expire(ctx context.Context, u *domain.Upload, now time.Time) error {
	v, err := s.verifications.GetByUploadID(ctx, u.ID)
	if err != nil {
		return err
	}
	if err := moveTo(u, domain.StatusExpired, now); err != nil {
		return err
	}
	if r := v.PharmacistReview; r != nil && r.Status != domain.ReviewCompleted {
		r.Status = domain.ReviewCompleted
	}
	if err := s.save(ctx, u, v); err != nil {
		return err
	}

	s.events.PublishCompleted(ctx, u, v)
	s.notifier.Expired(ctx, u)
	return nil
}
