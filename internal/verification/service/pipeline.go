package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/medflow/rx-verification/internal/verification/analysis"
	"github.com/medflow/rx-verification/internal/verification/checks"
	"github.com/medflow/rx-verification/internal/verification/document"
	"github.com/medflow/rx-verification/internal/verification/domain"
	"github.com/medflow/rx-verification/internal/verification/drugs"
	"github.com/medflow/rx-verification/internal/verification/ocr"
	"github.com/medflow/rx-verification/pkg/i18n"
	"github.com/medflow/rx-verification/pkg/logger"
)

// Codes of fatal run errors recorded in the verification error log
const (
	CodeBlobFetch   = "BLOB_FETCH_FAILED"
	CodePersistence = "PERSISTENCE_FAILED"
	CodeUnexpected  = "UNEXPECTED_ERROR"
	CodeStaleRun    = "STALE_RUN"
)

// ErrRunAborted wraps every fatal run error. The failure is already recorded
// on the verification when it is returned.
var ErrRunAborted = errors.New("verification run aborted")

type fatalError struct {
	code string
	err  error
}

func (e *fatalError) Error() string { return e.code + ": " + e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func fatal(code string, err error) error {
	return &fatalError{code: code, err: err}
}

// run is the state of one pipeline execution. It is persisted at the end of
// each tier and once the outcome is decided.
type run struct {
	upload       *domain.Upload
	verification *domain.Verification
	log          *logger.Logger
	tier         int

	data        []byte
	doc         *document.Document
	docType     domain.DocumentType
	ocrErr      error
	ocrSkipped  string
	fields      domain.ExtractedFields
	duplicates  *domain.DuplicateReport
	medications []domain.Medication
	analysis    *analysis.Result

	// overridden is set when a platform-issued document continued past a
	// failed Tier 1
	overridden bool
}

func (r *run) text() string {
	if r.upload.OCR == nil {
		return ""
	}
	return r.upload.OCR.Text
}

func (r *run) keyValues() map[string]string {
	if r.upload.OCR == nil {
		return nil
	}
	return r.upload.OCR.KeyValues
}

func (r *run) checks() []domain.CheckResult {
	var out []domain.CheckResult
	if r.verification.Tier1 != nil {
		out = append(out, r.verification.Tier1.Checks...)
	}
	if r.verification.Tier2 != nil {
		out = append(out, r.verification.Tier2.Checks...)
	}
	return out
}

// Run executes the pipeline for a PENDING upload. Fatal errors are recorded
// on the verification and returned wrapped in ErrRunAborted.
func (s *Service) Run(ctx context.Context, uploadID string) (err error) {
	u, err := s.uploads.GetByID(ctx, uploadID)
	if err != nil {
		return fmt.Errorf("load upload %s: %w", uploadID, err)
	}
	v, err := s.verifications.GetByUploadID(ctx, uploadID)
	if err != nil {
		return fmt.Errorf("load verification %s: %w", uploadID, err)
	}
	if u.VerificationStatus != domain.StatusPending {
		s.logger.Warn().
			Str("upload_id", uploadID).
			Str("status", string(u.VerificationStatus)).
			Msg("upload is not pending, skipping run")
		return nil
	}

	rc := &run{upload: u, verification: v, log: s.logger.WithRun(u.ID, v.RunID)}
	defer func() {
		if p := recover(); p != nil {
			err = s.abort(ctx, rc, CodeUnexpected, fmt.Errorf("panic: %v", p))
		}
	}()

	if err := s.execute(ctx, rc); err != nil {
		code := CodePersistence
		var fe *fatalError
		if errors.As(err, &fe) {
			code = fe.code
		}
		return s.abort(ctx, rc, code, err)
	}
	return nil
}

func (s *Service) execute(ctx context.Context, rc *run) error {
	if err := s.start(ctx, rc); err != nil {
		return err
	}
	proceed, err := s.runTier1(ctx, rc)
	if err != nil || !proceed {
		return err
	}
	if err := s.runTier2(ctx, rc); err != nil {
		return err
	}
	return s.conclude(ctx, rc)
}

func (s *Service) start(ctx context.Context, rc *run) error {
	now := s.clock()
	u, v := rc.upload, rc.verification

	u.ProcessingStatus = domain.ProcessingProcessing
	v.StartedAt = &now
	v.CompletedAt = nil
	if v.Errors == nil {
		v.Errors = []domain.VerificationError{}
	}
	rc.tier = 1
	if err := u.TransitionTo(domain.StatusTier1Processing, now); err != nil {
		return err
	}
	if err := s.save(ctx, u, v); err != nil {
		return err
	}

	rc.log.Info().Int("retry_count", v.RetryCount).Msg("verification run started")
	s.events.PublishStarted(ctx, u, v)
	return nil
}

// runTier1 reports whether the run continues to Tier 2. A Tier 1 failure
// rejects the upload unless it is platform-issued and not already used.
func (s *Service) runTier1(ctx context.Context, rc *run) (bool, error) {
	started := s.clock()
	u, v := rc.upload, rc.verification

	data, err := s.fetch(ctx, u)
	if err != nil {
		return false, fatal(CodeBlobFetch, err)
	}
	rc.data = data

	s.prepareText(ctx, rc)
	rc.fields = s.extractor.Extract(rc.text(), rc.keyValues())
	v.IsPlatformIssued = rc.fields.IsPlatformIssued

	in := checks.Tier1Input{
		FileSize:   u.FileSize,
		MimeType:   u.MimeType,
		DocType:    rc.docType,
		OCR:        u.OCR,
		OCRErr:     rc.ocrErr,
		OCRSkipped: rc.ocrSkipped,
	}
	if rc.doc != nil {
		in.Image = rc.doc.Image
	}

	_, report, err := s.fingerprints.Process(ctx, u, data, rc.docType, rc.text())
	switch {
	case err != nil && report == nil:
		in.DuplicatesErr = err
		s.degraded(rc, "fingerprint", err)
	case err != nil:
		rc.log.Warn().Err(err).Msg("duplicate search completed but matches were not fully stored")
	}
	rc.duplicates = report
	in.Duplicates = report
	s.recordDuplicates(report)

	in.Orders, in.OrdersErr = s.findOrders(ctx, u.ID)
	if in.OrdersErr != nil {
		s.degraded(rc, "orders", in.OrdersErr)
	}

	tier := s.evaluator.Tier(1, s.evaluator.Tier1(in), started)
	v.Tier1 = tier
	s.observeTier(tier)

	next := domain.StatusTier1Passed
	if !tier.Passed {
		next = domain.StatusTier1Failed
	}
	if err := u.TransitionTo(next, s.clock()); err != nil {
		return false, err
	}
	if err := s.save(ctx, u, v); err != nil {
		return false, err
	}
	s.events.PublishTierCompleted(ctx, u.ID, v.RunID, tier)

	rc.log.Info().
		Int("tier", 1).
		Float64("score", tier.Score).
		Bool("passed", tier.Passed).
		Bool("platform_issued", rc.fields.IsPlatformIssued).
		Msg("tier completed")

	if tier.Passed {
		return true, nil
	}
	if rc.fields.IsPlatformIssued && !alreadyUsed(tier.Checks) {
		rc.overridden = true
		rc.log.Info().
			Str("reference", rc.fields.PlatformReference).
			Msg("platform-issued prescription failed tier 1, continuing to tier 2")
		return true, nil
	}

	s.assess(rc)
	return false, s.reject(ctx, rc)
}

func alreadyUsed(results []domain.CheckResult) bool {
	r, ok := checks.Find(results, checks.AlreadyUsed)
	return ok && !r.Passed && !r.Degraded
}

func (s *Service) fetch(ctx context.Context, u *domain.Upload) ([]byte, error) {
	ctx, cancel := withTimeout(ctx, s.cfg.BlobTimeout)
	defer cancel()

	data, err := s.blobs.Get(ctx, u.BlobBucket, u.BlobKey)
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", u.BlobBucket, u.BlobKey, err)
	}
	return data, nil
}

// prepareText classifies the document and sets the upload's OCR snapshot.
// Recognition is preferred; the document's own text layer is the fallback.
func (s *Service) prepareText(ctx context.Context, rc *run) {
	u := rc.upload
	u.OCR = nil
	rc.docType = domain.DocumentUnknown

	doc, err := s.documents.Process(ctx, rc.data, u.MimeType, u.FileName)
	if err != nil {
		rc.ocrSkipped = err.Error()
		rc.log.Warn().Err(err).Msg("document could not be classified")
		return
	}
	rc.doc, rc.docType = doc, doc.Type
	if doc.Failed {
		rc.log.Warn().Str("error", doc.Error).Msg("document text extraction failed")
	}

	switch {
	case u.FileSize > s.cfg.MaxFileSizeBytes:
		rc.ocrSkipped = "file exceeds the size limit"
	case !doc.Type.OCRCompatible():
		// word-processing formats are read from their own text
	default:
		res, err := s.recognize(ctx, rc)
		if err != nil {
			rc.ocrErr = err
			s.degraded(rc, "ocr", err)
			break
		}
		if strings.TrimSpace(res.Text) != "" || !doc.HasText() {
			u.OCR = res.Snapshot()
			return
		}
	}
	u.OCR = documentSnapshot(doc)
}

func documentSnapshot(doc *document.Document) *domain.OCRSnapshot {
	if !doc.HasText() {
		return nil
	}
	return &domain.OCRSnapshot{
		Text:         *doc.Text,
		Confidence:   100,
		Engine:       "document",
		FromDocument: true,
	}
}

func (s *Service) recognize(ctx context.Context, rc *run) (*ocr.Result, error) {
	ctx, cancel := withTimeout(ctx, s.cfg.OCRTimeout)
	defer cancel()
	return s.ocr.Analyze(ctx, ocr.Input{Data: rc.data, DocType: rc.docType})
}

func (s *Service) findOrders(ctx context.Context, uploadID string) ([]domain.Order, error) {
	ctx, cancel := withTimeout(ctx, s.cfg.OrderTimeout)
	defer cancel()
	return s.orders.FindByPrescription(ctx, uploadID)
}

func (s *Service) runTier2(ctx context.Context, rc *run) error {
	u, v := rc.upload, rc.verification
	rc.tier = 2
	started := s.clock()

	if err := s.transition(ctx, u, domain.StatusTier2Processing); err != nil {
		return err
	}

	in := checks.Tier2Input{
		Fields:      rc.fields,
		AccountName: u.PatientName,
		Medications: rc.fields.Medications,
	}

	if len(rc.fields.Medications) > 0 {
		res, err := s.resolve(ctx, rc.fields.Medications)
		if err != nil {
			in.CatalogErr = err
			s.degraded(rc, "catalog", err)
		} else {
			in.Medications = res.Medications
		}
	}
	rc.medications = in.Medications

	rc.analysis, in.AnalysisErr = s.analyze(ctx, rc)
	if in.AnalysisErr != nil {
		s.degraded(rc, "analysis", in.AnalysisErr)
	} else {
		in.Analysis = &checks.Verdict{
			IsValid:    rc.analysis.IsValid,
			Confidence: rc.analysis.Confidence,
			FraudScore: rc.analysis.FraudScore,
			Flags:      rc.analysis.Flags,
		}
	}

	if rc.fields.IsPlatformIssued && rc.fields.PlatformReference != "" {
		in.Platform, in.PlatformErr = s.lookupPlatform(ctx, rc.fields.PlatformReference)
		if in.PlatformErr != nil {
			s.degraded(rc, "prescriptions", in.PlatformErr)
		}
	}

	tier := s.evaluator.Tier(2, s.evaluator.Tier2(in), started)
	v.Tier2 = tier
	u.VerifiedMedications = rc.medications
	s.observeTier(tier)

	next := domain.StatusTier2Passed
	if !tier.Passed {
		next = domain.StatusTier2Failed
	}
	if err := u.TransitionTo(next, s.clock()); err != nil {
		return err
	}
	if err := s.save(ctx, u, v); err != nil {
		return err
	}
	s.events.PublishTierCompleted(ctx, u.ID, v.RunID, tier)

	rc.log.Info().
		Int("tier", 2).
		Str("status", string(tier.Status)).
		Float64("score", tier.Score).
		Msg("tier completed")
	return nil
}

func (s *Service) resolve(ctx context.Context, meds []domain.Medication) (*drugs.Resolution, error) {
	ctx, cancel := withTimeout(ctx, s.cfg.CatalogTimeout)
	defer cancel()
	return s.drugs.Resolve(ctx, meds)
}

func (s *Service) analyze(ctx context.Context, rc *run) (*analysis.Result, error) {
	ctx, cancel := withTimeout(ctx, s.cfg.AITimeout)
	defer cancel()

	req := analysis.Request{
		Text:        rc.text(),
		Fields:      rc.fields,
		PatientName: rc.upload.PatientName,
	}
	if rc.docType.IsImage() && rc.doc != nil {
		req.Image = rc.data
		req.ImageMime = rc.doc.MimeType
	}

	res, err := s.analyzer.Analyze(ctx, req)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, analysis.ErrUnavailable
	}
	return res, nil
}

func (s *Service) lookupPlatform(ctx context.Context, ref string) (*checks.PlatformRecord, error) {
	ctx, cancel := withTimeout(ctx, s.cfg.OrderTimeout)
	defer cancel()
	return s.prescriptions.FindByReference(ctx, ref)
}

// assess computes fraud and overall scores from the tiers that ran
func (s *Service) assess(rc *run) {
	u, v := rc.upload, rc.verification

	var ai *checks.AISignal
	if rc.analysis != nil {
		ai = &checks.AISignal{FraudScore: rc.analysis.FraudScore, Flags: rc.analysis.Flags}
	}
	v.Fraud = s.evaluator.Fraud(rc.duplicates, rc.checks(), ai)
	u.FraudScore = v.Fraud.Score
	v.OverallScore = OverallScore(s.cfg, v.Tier1, v.Tier2)

	switch {
	case rc.analysis != nil:
		v.ConfidenceScore = rc.analysis.Confidence
		v.PatientSummary = rc.analysis.PatientSummary
	case u.OCR != nil:
		v.ConfidenceScore = u.OCR.Confidence
	}
	s.metrics.ObserveFraudScore(v.Fraud.Score)
}

func (s *Service) conclude(ctx context.Context, rc *run) error {
	s.assess(rc)
	v := rc.verification

	result := Decide(s.cfg, Assessment{
		Tier1:         v.Tier1,
		Tier2:         v.Tier2,
		Fraud:         v.Fraud,
		OverallScore:  v.OverallScore,
		TrustedSource: rc.fields.IsPlatformIssued,
		Overridden:    rc.overridden,
	})

	switch result {
	case domain.ResultPassed:
		return s.approveRun(ctx, rc)
	case domain.ResultNeedsReview:
		return s.requestReview(ctx, rc)
	default:
		return s.reject(ctx, rc)
	}
}

func (s *Service) approveRun(ctx context.Context, rc *run) error {
	now := s.clock()
	u, v := rc.upload, rc.verification

	result := domain.ResultPassed
	v.OverallResult = &result
	v.CompletedAt = &now
	u.ProcessingStatus = domain.ProcessingCompleted
	u.ValidUntil = s.validUntil(rc.fields, now)

	if err := u.TransitionTo(domain.StatusApproved, now); err != nil {
		return err
	}
	if err := s.save(ctx, u, v); err != nil {
		return err
	}

	s.finish(ctx, rc)
	s.notifier.Approved(ctx, u)
	return nil
}

func (s *Service) requestReview(ctx context.Context, rc *run) error {
	now := s.clock()
	u, v := rc.upload, rc.verification

	result := domain.ResultNeedsReview
	v.OverallResult = &result
	v.CompletedAt = &now
	u.ProcessingStatus = domain.ProcessingCompleted
	reasons := ReviewReasons(s.cfg, Assessment{
		Tier1:         v.Tier1,
		Tier2:         v.Tier2,
		Fraud:         v.Fraud,
		OverallScore:  v.OverallScore,
		TrustedSource: rc.fields.IsPlatformIssued,
		Overridden:    rc.overridden,
	})
	v.PharmacistReview = &domain.PharmacistReview{
		Status:      domain.ReviewPending,
		Reasons:     reasons,
		RequestedAt: now,
	}

	if err := s.transition(ctx, u, domain.StatusNeedsReview); err != nil {
		return err
	}
	if err := u.TransitionTo(domain.StatusPharmacistReview, now); err != nil {
		return err
	}
	if err := s.save(ctx, u, v); err != nil {
		return err
	}

	s.events.PublishPharmacistRequired(ctx, u, v, reasons)
	s.finish(ctx, rc)
	return nil
}

// reject ends a run with a patient-readable explanation
func (s *Service) reject(ctx context.Context, rc *run) error {
	now := s.clock()
	u, v := rc.upload, rc.verification

	result := domain.ResultFailed
	v.OverallResult = &result
	v.CompletedAt = &now
	v.RejectionReason = s.rejectionSummary(rc)
	u.ProcessingStatus = domain.ProcessingCompleted

	if err := u.TransitionTo(domain.StatusRejected, now); err != nil {
		return err
	}
	if err := s.save(ctx, u, v); err != nil {
		return err
	}

	s.finish(ctx, rc)
	s.notifier.Rejected(ctx, u, v.RejectionReason)
	return nil
}

func (s *Service) finish(ctx context.Context, rc *run) {
	u, v := rc.upload, rc.verification
	s.events.PublishCompleted(ctx, u, v)
	s.metrics.RecordRun(string(u.VerificationStatus))

	rc.log.Info().
		Str("status", string(u.VerificationStatus)).
		Float64("overall_score", v.OverallScore).
		Float64("fraud_score", v.Fraud.Score).
		Str("risk_level", string(v.Fraud.RiskLevel)).
		Msg("verification run completed")
}

// rejectionSummary prefers the analysis summary of a document the analysis
// itself judged invalid
func (s *Service) rejectionSummary(rc *run) string {
	if a := rc.analysis; a != nil && !a.IsValid && strings.TrimSpace(a.PatientSummary) != "" {
		return strings.TrimSpace(a.PatientSummary)
	}
	l := i18n.NewLocalizer(rc.upload.Locale)
	return RejectionMessage(l, s.cfg, rc.checks(), rc.verification.Fraud)
}

// abort ends a run on a fatal error. The upload is rejected with a generic
// explanation and processing is marked failed. An upload that already
// settled as approved keeps its verdict and only the error is recorded.
func (s *Service) abort(ctx context.Context, rc *run, code string, cause error) error {
	now := s.clock()
	u, v := rc.upload, rc.verification

	entry := domain.VerificationError{Tier: rc.tier, Code: code, Message: cause.Error(), At: now}
	v.Errors = append(v.Errors, entry)
	s.reporter.Report(ctx, cause, map[string]string{
		"upload_id": u.ID,
		"run_id":    v.RunID,
		"code":      code,
	})

	if !s.rejectable(context.WithoutCancel(ctx), rc) {
		if err := s.verifications.Save(context.WithoutCancel(ctx), v); err != nil {
			rc.log.Error().Err(err).Msg("failed to record fatal run error")
		}
		rc.log.Error().Err(cause).Str("code", code).Str("status", string(u.VerificationStatus)).
			Msg("verification run failed after the upload settled")
		return fmt.Errorf("%w: %s: %v", ErrRunAborted, code, cause)
	}

	result := domain.ResultFailed
	v.OverallResult = &result
	v.CompletedAt = &now
	v.RejectionReason = i18n.NewLocalizer(u.Locale).T("rejection.processing_error")
	u.ProcessingStatus = domain.ProcessingFailed

	if u.VerificationStatus != domain.StatusRejected {
		if err := u.TransitionTo(domain.StatusRejected, now); err != nil {
			rc.log.Error().Err(err).Msg("cannot reject upload after fatal error")
		}
	}

	// the failure must be recorded even when the caller has gone away
	if err := s.save(context.WithoutCancel(ctx), u, v); err != nil {
		rc.log.Error().Err(err).Msg("failed to record fatal run error")
	}

	rc.log.Error().Err(cause).Str("code", code).Int("tier", rc.tier).Msg("verification run aborted")
	s.notifier.Rejected(ctx, u, v.RejectionReason)
	s.events.PublishFailed(ctx, u.ID, v.RunID, entry)
	s.metrics.RecordRun(string(domain.ProcessingFailed))

	return fmt.Errorf("%w: %s: %v", ErrRunAborted, code, cause)
}

// rejectable reports whether the aborted upload can still move to REJECTED.
// A failed save can leave the in-memory upload ahead of the store, e.g.
// APPROVED while the store still holds TIER2_PASSED; the stored status is
// restored in that case.
func (s *Service) rejectable(ctx context.Context, rc *run) bool {
	u := rc.upload
	if u.VerificationStatus == domain.StatusRejected || domain.CanTransition(u.VerificationStatus, domain.StatusRejected) {
		return true
	}

	stored, err := s.uploads.GetByID(ctx, u.ID)
	if err != nil {
		rc.log.Error().Err(err).Msg("cannot reload upload after fatal error")
		return false
	}
	if stored.VerificationStatus != domain.StatusRejected && !domain.CanTransition(stored.VerificationStatus, domain.StatusRejected) {
		return false
	}
	u.VerificationStatus = stored.VerificationStatus
	u.StatusChangedAt = stored.StatusChangedAt
	u.ValidUntil = stored.ValidUntil
	return true
}

// tierOf is the tier an intermediate status belongs to
func tierOf(status domain.VerificationStatus) int {
	switch status {
	case domain.StatusPending, domain.StatusTier1Processing:
		return 1
	}
	return 2
}

// transition moves the upload and persists it so intermediate states are
// observable
func (s *Service) transition(ctx context.Context, u *domain.Upload, to domain.VerificationStatus) error {
	if err := u.TransitionTo(to, s.clock()); err != nil {
		return err
	}
	return s.uploads.Update(ctx, u)
}

func (s *Service) validUntil(f domain.ExtractedFields, now time.Time) *time.Time {
	base := now
	if f.PrescriptionDate != nil {
		base = *f.PrescriptionDate
	}
	days := f.ValidityDays
	if days <= 0 {
		days = s.cfg.DefaultValidityDays
	}
	t := base.AddDate(0, 0, days)
	return &t
}

func (s *Service) degraded(rc *run, collaborator string, err error) {
	s.metrics.RecordCollaboratorError(collaborator)
	rc.log.Warn().Err(err).Str("collaborator", collaborator).Msg("collaborator unavailable, check degraded")
}

func (s *Service) recordDuplicates(report *domain.DuplicateReport) {
	if report == nil {
		return
	}
	for _, m := range report.Matches {
		s.metrics.RecordDuplicate(string(m.MatchType), m.SharedAcrossPatients)
	}
}

func (s *Service) observeTier(tier *domain.TierResult) {
	s.metrics.ObserveTier(tier.Tier, time.Duration(tier.DurationMs)*time.Millisecond)
	for _, c := range tier.Checks {
		s.metrics.RecordCheck(tier.Tier, c.Name, c.Passed)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
