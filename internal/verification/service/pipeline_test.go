package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medflow/rx-verification/internal/verification/analysis"
	"github.com/medflow/rx-verification/internal/verification/checks"
	"github.com/medflow/rx-verification/internal/verification/domain"
	"github.com/medflow/rx-verification/internal/verification/drugs"
	"github.com/medflow/rx-verification/internal/verification/ocr"
	"github.com/medflow/rx-verification/internal/verification/service"
	apperrors "github.com/medflow/rx-verification/pkg/errors"
	"github.com/medflow/rx-verification/pkg/i18n"
	"github.com/medflow/rx-verification/pkg/messaging"
	"github.com/medflow/rx-verification/pkg/testutil"
)

const platformText = `MedFlow Pharmacy
Prescription RX-20250101-0007
Verify at medflow.health
Dr. Sarah Johnson
Patient: John Smith
Date Issued: 2025-01-10

MEDICATIONS
Amoxicillin
Strength: 500mg`

func assertValidTrail(t *testing.T, trail []domain.VerificationStatus) {
	t.Helper()
	for i := 1; i < len(trail); i++ {
		assert.True(t, domain.CanTransition(trail[i-1], trail[i]),
			"%s -> %s is not a state machine edge", trail[i-1], trail[i])
	}
}

func TestRun_CleanPrescriptionIsApproved(t *testing.T) {
	h := newHarness(t)
	id := h.seedPNG(t)

	require.NoError(t, h.svc.Run(context.Background(), id))

	u := h.uploads.get(t, id)
	v := h.verifications.get(t, id)

	assert.Equal(t, domain.StatusApproved, u.VerificationStatus)
	assert.Equal(t, domain.ProcessingCompleted, u.ProcessingStatus)
	require.NotNil(t, v.OverallResult)
	assert.Equal(t, domain.ResultPassed, *v.OverallResult)

	require.NotNil(t, v.Tier1)
	require.NotNil(t, v.Tier2)
	assert.True(t, v.Tier1.Passed)
	assert.True(t, v.Tier2.Passed)
	assert.Equal(t, domain.ResultPassed, v.Tier2.Status)
	assert.GreaterOrEqual(t, v.OverallScore, 90.0)
	assert.InDelta(t, 0.3*v.Tier1.Score+0.7*v.Tier2.Score, v.OverallScore, 0.001)
	assert.Equal(t, 5.0, v.Fraud.Score)
	assert.Equal(t, domain.RiskLow, v.Fraud.RiskLevel)
	assert.Equal(t, 95.0, v.ConfidenceScore)
	assert.Empty(t, v.RejectionReason)
	assert.NotNil(t, v.StartedAt)
	assert.NotNil(t, v.CompletedAt)

	require.NotNil(t, u.OCR)
	assert.Equal(t, testutil.SamplePrescriptionText, u.OCR.Text)
	assert.False(t, u.OCR.FromDocument)

	require.Len(t, u.VerifiedMedications, 1)
	assert.Equal(t, "drug-amox", u.VerifiedMedications[0].CatalogID)
	assert.True(t, u.VerifiedMedications[0].IsValid)

	// dated 2025-01-10 with the default 30 day validity
	require.NotNil(t, u.ValidUntil)
	assert.Equal(t, "2025-02-09", u.ValidUntil.Format("2006-01-02"))

	assert.Equal(t, []domain.VerificationStatus{
		domain.StatusPending,
		domain.StatusTier1Processing,
		domain.StatusTier1Passed,
		domain.StatusTier2Processing,
		domain.StatusTier2Passed,
		domain.StatusApproved,
	}, h.uploads.statusTrail(id))
	assertValidTrail(t, h.uploads.statusTrail(id))

	assert.Equal(t, []string{
		messaging.EventVerificationStarted,
		messaging.EventTier1Completed,
		messaging.EventTier2Completed,
		messaging.EventVerificationCompleted,
	}, h.events.Types())
	h.notifications.AssertEventPublished(t, messaging.EventNotificationRequested)

	require.Len(t, h.analyzer.requests, 1)
	assert.NotEmpty(t, h.analyzer.requests[0].Image, "raster documents are shown to the analysis")
	assert.Equal(t, "John Smith", h.analyzer.requests[0].PatientName)
}

func TestRun_LowOCRConfidenceIsRejected(t *testing.T) {
	h := newHarness(t)
	h.ocr.result = &ocr.Result{Text: "blurry prescription.", Confidence: 40, Engine: "fake"}
	id := h.seedPNG(t)

	require.NoError(t, h.svc.Run(context.Background(), id))

	u := h.uploads.get(t, id)
	v := h.verifications.get(t, id)

	assert.Equal(t, domain.StatusRejected, u.VerificationStatus)
	assert.Equal(t, domain.ProcessingCompleted, u.ProcessingStatus)
	require.NotNil(t, v.Tier1)
	assert.False(t, v.Tier1.Passed)
	assert.Less(t, v.Tier1.Score, 60.0)
	assert.Nil(t, v.Tier2, "tier 2 must not run after a failed tier 1")
	require.NotNil(t, v.OverallResult)
	assert.Equal(t, domain.ResultFailed, *v.OverallResult)
	assert.Equal(t, i18n.NewLocalizer("en").T("rejection.ocr_confidence"), v.RejectionReason)
	assert.Empty(t, h.analyzer.requests)

	assert.Equal(t, []domain.VerificationStatus{
		domain.StatusPending,
		domain.StatusTier1Processing,
		domain.StatusTier1Failed,
		domain.StatusRejected,
	}, h.uploads.statusTrail(id))
	h.events.AssertEventPublished(t, messaging.EventVerificationCompleted)
	h.notifications.AssertEventPublished(t, messaging.EventNotificationRequested)
}

func TestRun_OversizeRecordSkipsRecognition(t *testing.T) {
	h := newHarness(t)
	id := h.seed(t, testutil.PNGImage(800, 1000, 2), "image/png", "big.png", 11<<20)

	require.NoError(t, h.svc.Run(context.Background(), id))

	u := h.uploads.get(t, id)
	v := h.verifications.get(t, id)

	assert.Equal(t, 0, h.ocr.calls)
	assert.Equal(t, domain.StatusRejected, u.VerificationStatus)
	require.NotNil(t, v.Tier1)
	assert.InDelta(t, 25.0, v.Tier1.Score, 0.001)

	size, ok := checks.Find(v.Tier1.Checks, checks.FileSize)
	require.True(t, ok)
	assert.False(t, size.Passed)
	assert.Equal(t, domain.SeverityError, size.Severity)

	assert.Equal(t,
		i18n.NewLocalizer("en").T("rejection.file_size", map[string]string{"limit": "10MB"}),
		v.RejectionReason)
}

func TestRun_PlatformPrescriptionOverridesTier1(t *testing.T) {
	h := newHarness(t)
	h.ocr.result = &ocr.Result{Text: platformText, Confidence: 30, Engine: "fake"}
	h.prescriptions.record = &checks.PlatformRecord{
		Reference:   "RX-20250101-0007",
		Found:       true,
		Medications: []string{"Amoxicillin"},
	}
	id := h.seed(t, testutil.PNGImage(150, 150, 3), "image/png", "rx.png", 0)

	require.NoError(t, h.svc.Run(context.Background(), id))

	u := h.uploads.get(t, id)
	v := h.verifications.get(t, id)

	assert.True(t, v.IsPlatformIssued)
	require.NotNil(t, v.Tier1)
	assert.False(t, v.Tier1.Passed)
	require.NotNil(t, v.Tier2, "platform prescriptions continue to tier 2")
	assert.Equal(t, []string{"RX-20250101-0007"}, h.prescriptions.refs)

	assert.Equal(t, domain.StatusPharmacistReview, u.VerificationStatus)
	require.NotNil(t, v.OverallResult)
	assert.Equal(t, domain.ResultNeedsReview, *v.OverallResult)
	require.NotNil(t, v.PharmacistReview)
	assert.Equal(t, domain.ReviewPending, v.PharmacistReview.Status)
	assert.Contains(t, v.PharmacistReview.Reasons, "platform-issued prescription failed tier 1")

	trail := h.uploads.statusTrail(id)
	assertValidTrail(t, trail)
	assert.Contains(t, trail, domain.StatusTier1Failed)
	assert.Contains(t, trail, domain.StatusTier2Processing)
	assert.Contains(t, trail, domain.StatusNeedsReview)

	h.events.AssertEventPublished(t, messaging.EventPharmacistRequired)
	assert.Empty(t, h.notifications.Events(), "the patient is not notified while a pharmacist reviews")
}

func TestRun_AlreadyUsedIsRejected(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"clinic prescription", testutil.SamplePrescriptionText},
		{"platform prescription", platformText},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.ocr.result = &ocr.Result{Text: tt.text, Confidence: 92, Engine: "fake"}
			h.orders.orders = []domain.Order{{ID: "order-1", Status: domain.OrderPaid}}
			id := h.seedPNG(t)

			require.NoError(t, h.svc.Run(context.Background(), id))

			u := h.uploads.get(t, id)
			v := h.verifications.get(t, id)

			assert.Equal(t, domain.StatusRejected, u.VerificationStatus)
			assert.Nil(t, v.Tier2)
			used, ok := checks.Find(v.Tier1.Checks, checks.AlreadyUsed)
			require.True(t, ok)
			assert.False(t, used.Passed)
			assert.Equal(t, domain.SeverityCritical, used.Severity)
			assert.Equal(t, i18n.NewLocalizer("en").T("rejection.already_used"), v.RejectionReason)
		})
	}
}

func TestRun_MissingBlobAbortsRun(t *testing.T) {
	h := newHarness(t)
	id := h.seedPNG(t)
	seeded := h.uploads.get(t, id)
	h.blobs.Delete(seeded.BlobBucket, seeded.BlobKey)

	err := h.svc.Run(context.Background(), id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, service.ErrRunAborted))

	u := h.uploads.get(t, id)
	v := h.verifications.get(t, id)

	assert.Equal(t, domain.StatusRejected, u.VerificationStatus)
	assert.Equal(t, domain.ProcessingFailed, u.ProcessingStatus)
	require.Len(t, v.Errors, 1)
	assert.Equal(t, service.CodeBlobFetch, v.Errors[0].Code)
	assert.Equal(t, 1, v.Errors[0].Tier)
	assert.Equal(t, i18n.NewLocalizer("en").T("rejection.processing_error"), v.RejectionReason)

	require.Len(t, h.reporter.errs, 1)
	assert.Equal(t, service.CodeBlobFetch, h.reporter.tags[0]["code"])
	assert.Equal(t, id, h.reporter.tags[0]["upload_id"])

	h.events.AssertEventPublished(t, messaging.EventVerificationFailed)
	h.notifications.AssertEventPublished(t, messaging.EventNotificationRequested)
	assertValidTrail(t, h.uploads.statusTrail(id))
}

func TestRun_FailedApprovalSaveRejectsUpload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.seedPNG(t)
	h.uploads.failNextSave(domain.StatusApproved, errors.New("connection reset"))

	err := h.svc.Run(ctx, id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, service.ErrRunAborted))

	u := h.uploads.get(t, id)
	v := h.verifications.get(t, id)
	assert.Equal(t, domain.StatusRejected, u.VerificationStatus)
	assert.Equal(t, domain.ProcessingFailed, u.ProcessingStatus)
	assert.Nil(t, u.ValidUntil)
	require.NotNil(t, v.OverallResult)
	assert.Equal(t, domain.ResultFailed, *v.OverallResult)
	require.Len(t, v.Errors, 1)
	assert.Equal(t, service.CodePersistence, v.Errors[0].Code)

	assert.Len(t, h.notifications.Events(), 1, "only the rejection is announced")
	assert.NotContains(t, h.events.Types(), messaging.EventVerificationCompleted)
	h.events.AssertEventPublished(t, messaging.EventVerificationFailed)
	assertValidTrail(t, h.uploads.statusTrail(id))

	_, err = h.svc.RecordUsage(ctx, id, "order-1")
	require.Error(t, err)
	assert.Equal(t, 409, apperrors.StatusCode(err))
}

func TestRun_UnavailableCollaboratorsDegradeChecks(t *testing.T) {
	t.Run("analysis", func(t *testing.T) {
		h := newHarness(t)
		h.analyzer.err = analysis.ErrUnavailable
		id := h.seedPNG(t)

		require.NoError(t, h.svc.Run(context.Background(), id))

		v := h.verifications.get(t, id)
		ai, ok := checks.Find(v.Tier2.Checks, checks.AIAnalysis)
		require.True(t, ok)
		assert.True(t, ai.Degraded)
		assert.Equal(t, domain.SeverityWarning, ai.Severity)
		assert.Equal(t, 50.0, ai.Score)
		assert.Equal(t, domain.StatusApproved, h.uploads.get(t, id).VerificationStatus)
		assert.Equal(t, 92.0, v.ConfidenceScore, "confidence falls back to recognition")
	})

	t.Run("order service", func(t *testing.T) {
		h := newHarness(t)
		h.orders.err = errors.New("connection refused")
		id := h.seedPNG(t)

		require.NoError(t, h.svc.Run(context.Background(), id))

		v := h.verifications.get(t, id)
		used, ok := checks.Find(v.Tier1.Checks, checks.AlreadyUsed)
		require.True(t, ok)
		assert.True(t, used.Degraded)
		assert.True(t, v.Tier1.Passed)
		assert.NotNil(t, v.Tier2)
	})

	t.Run("recognition falls back to nothing", func(t *testing.T) {
		h := newHarness(t)
		h.ocr.err = ocr.Fail("fake", "engine crashed", errors.New("boom"))
		id := h.seedPNG(t)

		require.NoError(t, h.svc.Run(context.Background(), id))

		v := h.verifications.get(t, id)
		conf, ok := checks.Find(v.Tier1.Checks, checks.OCRConfidence)
		require.True(t, ok)
		assert.True(t, conf.Degraded)
		assert.Nil(t, h.uploads.get(t, id).OCR)
		assert.Equal(t, domain.StatusRejected, h.uploads.get(t, id).VerificationStatus)
	})
}

func TestRun_DocxIsReadWithoutRecognition(t *testing.T) {
	h := newHarness(t)
	data := testutil.DOCX(
		"City Health Clinic",
		"Dr. Sarah Johnson",
		"License No: MD-123456",
		"Patient: John Smith",
		"Date Issued: 2025-01-10",
		"MEDICATIONS",
		"Amoxicillin",
		"Strength: 500mg",
		"Signature: S. Johnson",
	)
	id := h.seed(t, data, "application/vnd.openxmlformats-officedocument.wordprocessingml.document", "rx.docx", 0)

	require.NoError(t, h.svc.Run(context.Background(), id))

	u := h.uploads.get(t, id)
	v := h.verifications.get(t, id)

	assert.Equal(t, 0, h.ocr.calls)
	require.NotNil(t, u.OCR)
	assert.True(t, u.OCR.FromDocument)
	assert.Contains(t, u.OCR.Text, "Amoxicillin")
	_, ok := checks.Find(v.Tier1.Checks, checks.ImageDimensions)
	assert.False(t, ok, "word documents have no dimensions")
	require.Len(t, h.analyzer.requests, 1)
	assert.Empty(t, h.analyzer.requests[0].Image)
}

func TestRun_ControlledSubstanceNeedsReview(t *testing.T) {
	h := newHarness(t)
	h.catalog.hits["amoxicillin"] = []drugs.RankedMatch{{
		ID: "drug-amox", Name: "Amoxicillin", IsControlled: true, RequiresPrescription: true, Score: 95,
	}}
	id := h.seedPNG(t)

	require.NoError(t, h.svc.Run(context.Background(), id))

	v := h.verifications.get(t, id)
	assert.Equal(t, domain.StatusPharmacistReview, h.uploads.get(t, id).VerificationStatus)
	assert.Equal(t, domain.ResultNeedsReview, v.Tier2.Status)
	require.NotNil(t, v.PharmacistReview)
	require.NotEmpty(t, v.PharmacistReview.Reasons)
	assert.Contains(t, v.PharmacistReview.Reasons[0], checks.Controlled)
	assertValidTrail(t, h.uploads.statusTrail(id))
}

func TestRun_SharedDocumentIsCriticalRisk(t *testing.T) {
	h := newHarness(t)
	h.fingerprints.report = &domain.DuplicateReport{
		HasDuplicates:        true,
		DuplicateCount:       1,
		HighestSimilarity:    100,
		SharedAcrossPatients: true,
		OtherPatientIDs:      []string{"patient-2"},
		Matches: []domain.DuplicateMatch{{
			UploadID:             "other-upload",
			PatientID:            "patient-2",
			MatchType:            domain.MatchExact,
			Similarity:           100,
			SharedAcrossPatients: true,
		}},
	}
	id := h.seedPNG(t)

	require.NoError(t, h.svc.Run(context.Background(), id))

	v := h.verifications.get(t, id)
	assert.Equal(t, domain.StatusRejected, h.uploads.get(t, id).VerificationStatus)
	assert.Equal(t, domain.RiskCritical, v.Fraud.RiskLevel)
	assert.GreaterOrEqual(t, v.Fraud.Score, 70.0)
	assert.Equal(t, i18n.NewLocalizer("en").T("rejection.duplicate"), v.RejectionReason)
}

func TestRun_InvalidVerdictUsesAnalysisSummary(t *testing.T) {
	h := newHarness(t)
	h.analyzer.result = &analysis.Result{
		IsValid:        false,
		Confidence:     80,
		FraudScore:     85,
		Flags:          []string{"altered dosage"},
		PatientSummary: "The dosage on this prescription appears to have been altered.",
	}
	id := h.seedPNG(t)

	require.NoError(t, h.svc.Run(context.Background(), id))

	v := h.verifications.get(t, id)
	assert.Equal(t, domain.RiskCritical, v.Fraud.RiskLevel)
	// critical risk is never decided automatically
	assert.Equal(t, domain.StatusPharmacistReview, h.uploads.get(t, id).VerificationStatus)
	assert.Equal(t, "The dosage on this prescription appears to have been altered.", v.PatientSummary)
}

func TestRun_SkipsUploadsThatAreNotPending(t *testing.T) {
	h := newHarness(t)
	id := h.seedPNG(t)
	require.NoError(t, h.svc.Run(context.Background(), id))
	updates := h.uploads.updates

	require.NoError(t, h.svc.Run(context.Background(), id))

	assert.Equal(t, updates, h.uploads.updates)
	assert.Equal(t, domain.StatusApproved, h.uploads.get(t, id).VerificationStatus)
}

func TestRun_UnknownUpload(t *testing.T) {
	h := newHarness(t)
	err := h.svc.Run(context.Background(), "missing")
	require.Error(t, err)
	assert.False(t, errors.Is(err, service.ErrRunAborted))
}

func TestHandleRequested(t *testing.T) {
	h := newHarness(t)
	id := h.seedPNG(t)

	event, err := messaging.NewEvent(messaging.EventVerificationRequested, "test", "corr-1",
		messaging.VerificationRequestedEvent{UploadID: id})
	require.NoError(t, err)
	require.NoError(t, h.svc.HandleRequested(context.Background(), event))
	assert.Equal(t, domain.StatusApproved, h.uploads.get(t, id).VerificationStatus)

	t.Run("aborted runs are acknowledged", func(t *testing.T) {
		id := h.seedPNG(t)
		u := h.uploads.get(t, id)
		h.blobs.Delete(u.BlobBucket, u.BlobKey)

		event, err := messaging.NewEvent(messaging.EventVerificationRequested, "test", "corr-2",
			messaging.VerificationRequestedEvent{UploadID: id})
		require.NoError(t, err)
		assert.NoError(t, h.svc.HandleRequested(context.Background(), event))
		assert.Equal(t, domain.ProcessingFailed, h.uploads.get(t, id).ProcessingStatus)
	})
}
