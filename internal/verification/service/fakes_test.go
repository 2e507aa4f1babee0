package service_test

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/medflow/rx-verification/internal/verification/analysis"
	"github.com/medflow/rx-verification/internal/verification/checks"
	"github.com/medflow/rx-verification/internal/verification/domain"
	"github.com/medflow/rx-verification/internal/verification/drugs"
	"github.com/medflow/rx-verification/internal/verification/events"
	"github.com/medflow/rx-verification/internal/verification/extraction"
	"github.com/medflow/rx-verification/internal/verification/notify"
	"github.com/medflow/rx-verification/internal/verification/ocr"
	"github.com/medflow/rx-verification/internal/verification/service"
	"github.com/medflow/rx-verification/internal/verification/storage"
	"github.com/medflow/rx-verification/pkg/config"
	"github.com/medflow/rx-verification/pkg/errors"
	"github.com/medflow/rx-verification/pkg/logger"
	"github.com/medflow/rx-verification/pkg/monitoring"
	"github.com/medflow/rx-verification/pkg/testutil"
)

var testNow = time.Date(2025, 1, 20, 9, 0, 0, 0, time.UTC)

const testBucket = "prescriptions"

// uploadStore keeps copies so the service only sees what it saved, and
// records every status an upload was persisted in
type uploadStore struct {
	mu      sync.Mutex
	uploads map[string]domain.Upload
	trail   map[string][]domain.VerificationStatus
	updates int
	// failOn fails the next save of an upload in the given status
	failOn map[domain.VerificationStatus]error
}

func newUploadStore() *uploadStore {
	return &uploadStore{
		uploads: make(map[string]domain.Upload),
		trail:   make(map[string][]domain.VerificationStatus),
	}
}

func (s *uploadStore) Create(_ context.Context, u *domain.Upload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.uploads[u.ID]; ok {
		return errors.Conflict("upload exists")
	}
	s.uploads[u.ID] = *u
	s.trail[u.ID] = []domain.VerificationStatus{u.VerificationStatus}
	return nil
}

func (s *uploadStore) GetByID(_ context.Context, id string) (*domain.Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[id]
	if !ok || u.IsDeleted {
		return nil, errors.NotFound("upload")
	}
	return &u, nil
}

func (s *uploadStore) Update(_ context.Context, u *domain.Upload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.uploads[u.ID]; !ok {
		return errors.NotFound("upload")
	}
	if err, ok := s.failOn[u.VerificationStatus]; ok {
		delete(s.failOn, u.VerificationStatus)
		return err
	}
	s.updates++
	trail := s.trail[u.ID]
	if len(trail) == 0 || trail[len(trail)-1] != u.VerificationStatus {
		s.trail[u.ID] = append(trail, u.VerificationStatus)
	}
	s.uploads[u.ID] = *u
	return nil
}

func (s *uploadStore) failNextSave(status domain.VerificationStatus, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn == nil {
		s.failOn = make(map[domain.VerificationStatus]error)
	}
	s.failOn[status] = err
}

func (s *uploadStore) RecordUsage(_ context.Context, id, orderID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[id]
	if !ok {
		return 0, errors.NotFound("upload")
	}
	if u.UsageCount >= u.MaxUsage {
		return 0, errors.UsageExhausted()
	}
	u.UsageCount++
	u.OrderRefs = append(append([]string(nil), u.OrderRefs...), orderID)
	s.uploads[id] = u
	return u.UsageCount, nil
}

func (s *uploadStore) SoftDelete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[id]
	if !ok {
		return errors.NotFound("upload")
	}
	at := testNow
	u.IsDeleted = true
	u.DeletedAt = &at
	s.uploads[id] = u
	return nil
}

func (s *uploadStore) ListPastValidity(_ context.Context, now time.Time, limit int) ([]*domain.Upload, error) {
	return s.list(limit, func(u domain.Upload) bool {
		return u.VerificationStatus == domain.StatusApproved && u.ValidUntil != nil && u.ValidUntil.Before(now)
	}), nil
}

func (s *uploadStore) ListStaleClarifications(_ context.Context, cutoff time.Time, limit int) ([]*domain.Upload, error) {
	return s.list(limit, func(u domain.Upload) bool {
		return u.VerificationStatus == domain.StatusClarificationNeeded && u.StatusChangedAt.Before(cutoff)
	}), nil
}

func (s *uploadStore) ListStaleRuns(_ context.Context, cutoff time.Time, limit int) ([]*domain.Upload, error) {
	return s.list(limit, func(u domain.Upload) bool {
		return u.VerificationStatus.InFlight() && u.StatusChangedAt.Before(cutoff)
	}), nil
}

func (s *uploadStore) list(limit int, match func(domain.Upload) bool) []*domain.Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Upload
	for _, u := range s.uploads {
		if !u.IsDeleted && match(u) {
			u := u
			out = append(out, &u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *uploadStore) get(t *testing.T, id string) domain.Upload {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[id]
	require.True(t, ok, "upload %s not stored", id)
	return u
}

// mutate edits a stored upload without recording a status change
func (s *uploadStore) mutate(t *testing.T, id string, fn func(u *domain.Upload)) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[id]
	require.True(t, ok, "upload %s not stored", id)
	fn(&u)
	s.uploads[id] = u
}

func (s *uploadStore) statusTrail(id string) []domain.VerificationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.VerificationStatus(nil), s.trail[id]...)
}

type verificationStore struct {
	mu            sync.Mutex
	verifications map[string]domain.Verification
}

func newVerificationStore() *verificationStore {
	return &verificationStore{verifications: make(map[string]domain.Verification)}
}

func (s *verificationStore) Create(_ context.Context, v *domain.Verification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	s.verifications[v.UploadID] = *v
	return nil
}

func (s *verificationStore) GetByUploadID(_ context.Context, uploadID string) (*domain.Verification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.verifications[uploadID]
	if !ok {
		return nil, errors.NotFound("verification")
	}
	return &v, nil
}

func (s *verificationStore) Save(_ context.Context, v *domain.Verification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifications[v.UploadID] = *v
	return nil
}

func (s *verificationStore) get(t *testing.T, uploadID string) domain.Verification {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.verifications[uploadID]
	require.True(t, ok, "verification of %s not stored", uploadID)
	return v
}

type fakeOCR struct {
	result *ocr.Result
	err    error
	calls  int
}

func (f *fakeOCR) Analyze(_ context.Context, _ ocr.Input) (*ocr.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.result == nil {
		return &ocr.Result{Engine: "fake"}, nil
	}
	res := *f.result
	return &res, nil
}

type fakeFingerprinter struct {
	report *domain.DuplicateReport
	err    error
}

func (f *fakeFingerprinter) Process(_ context.Context, u *domain.Upload, _ []byte, _ domain.DocumentType, _ string) (*domain.Fingerprint, *domain.DuplicateReport, error) {
	report := f.report
	if report == nil {
		report = &domain.DuplicateReport{OtherPatientIDs: []string{}, Matches: []domain.DuplicateMatch{}}
	}
	if f.err != nil {
		return nil, nil, f.err
	}
	return &domain.Fingerprint{UploadID: u.ID, PatientID: u.PatientID}, report, nil
}

type fakeOrders struct {
	orders []domain.Order
	err    error
}

func (f *fakeOrders) FindByPrescription(_ context.Context, uploadID string) ([]domain.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Order
	for _, o := range f.orders {
		o.UploadID = uploadID
		out = append(out, o)
	}
	return out, nil
}

type fakePrescriptions struct {
	record *checks.PlatformRecord
	err    error
	refs   []string
}

func (f *fakePrescriptions) FindByReference(_ context.Context, ref string) (*checks.PlatformRecord, error) {
	f.refs = append(f.refs, ref)
	if f.err != nil {
		return nil, f.err
	}
	if f.record == nil {
		return &checks.PlatformRecord{Reference: ref}, nil
	}
	return f.record, nil
}

type fakeAnalyzer struct {
	result   *analysis.Result
	err      error
	requests []analysis.Request
}

func (f *fakeAnalyzer) Analyze(_ context.Context, req analysis.Request) (*analysis.Result, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.result == nil {
		return nil, analysis.ErrUnavailable
	}
	return f.result, nil
}

// fakeCatalog answers searches by lowercase query
type fakeCatalog struct {
	hits map[string][]drugs.RankedMatch
	err  error
}

func (f *fakeCatalog) Search(_ context.Context, query string) ([]drugs.RankedMatch, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.hits[strings.ToLower(query)], nil
}

type dispatched struct {
	UploadID string
	Attempt  int
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatched
}

func (f *fakeDispatcher) Dispatch(_ context.Context, uploadID string, attempt int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatched{UploadID: uploadID, Attempt: attempt})
	return nil
}

type fakeReporter struct {
	mu   sync.Mutex
	errs []error
	tags []map[string]string
}

func (f *fakeReporter) Report(_ context.Context, err error, tags map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
	f.tags = append(f.tags, tags)
}

type harness struct {
	svc           *service.Service
	cfg           config.VerificationConfig
	uploads       *uploadStore
	verifications *verificationStore
	blobs         *storage.Memory
	ocr           *fakeOCR
	fingerprints  *fakeFingerprinter
	orders        *fakeOrders
	prescriptions *fakePrescriptions
	analyzer      *fakeAnalyzer
	catalog       *fakeCatalog
	dispatcher    *fakeDispatcher
	reporter      *fakeReporter
	events        *testutil.MockPublisher
	notifications *testutil.MockPublisher
}

// newHarness wires the service to in-memory collaborators. By default every
// collaborator answers the way it would for a clean clinic prescription.
func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.DefaultVerificationConfig()
	clock := func() time.Time { return testNow }

	h := &harness{
		cfg:           cfg,
		uploads:       newUploadStore(),
		verifications: newVerificationStore(),
		blobs:         storage.NewMemory(""),
		ocr: &fakeOCR{result: &ocr.Result{
			Text:       testutil.SamplePrescriptionText,
			Confidence: 92,
			Engine:     "fake",
		}},
		fingerprints:  &fakeFingerprinter{},
		orders:        &fakeOrders{},
		prescriptions: &fakePrescriptions{},
		analyzer: &fakeAnalyzer{result: &analysis.Result{
			IsValid:        true,
			Confidence:     95,
			FraudScore:     5,
			Flags:          []string{},
			PatientSummary: "Your prescription for Amoxicillin looks good.",
		}},
		catalog: &fakeCatalog{hits: map[string][]drugs.RankedMatch{
			"amoxicillin": {{ID: "drug-amox", Name: "Amoxicillin", GenericName: "amoxicillin", RequiresPrescription: true, Score: 95}},
		}},
		dispatcher:    &fakeDispatcher{},
		reporter:      &fakeReporter{},
		events:        testutil.NewMockPublisher(),
		notifications: testutil.NewMockPublisher(),
	}

	h.svc = service.New(service.Deps{
		Uploads:       h.uploads,
		Verifications: h.verifications,
		Blobs:         h.blobs,
		Bucket:        testBucket,
		OCR:           h.ocr,
		Extractor: extraction.New(extraction.Options{
			PlatformName:       cfg.PlatformName,
			PlatformDomain:     cfg.PlatformDomain,
			IndicatorThreshold: cfg.PlatformIndicatorThreshold,
		}),
		Fingerprints:  h.fingerprints,
		Evaluator:     checks.NewEvaluator(cfg).WithClock(clock),
		Drugs:         drugs.NewMatcher(h.catalog, 70),
		Analyzer:      h.analyzer,
		Orders:        h.orders,
		Prescriptions: h.prescriptions,
		Events:        events.New(h.events, logger.Nop()),
		Notifier:      notify.New(h.notifications, logger.Nop()),
		Metrics:       monitoring.NewMetrics(prometheus.NewRegistry()),
		Reporter:      h.reporter,
		Dispatcher:    h.dispatcher,
		Logger:        logger.Nop(),
	}).WithClock(clock)
	return h
}

// seed stores a PENDING upload the way Submit leaves it, bypassing Submit's
// own checks. size overrides the recorded file size when positive.
func (h *harness) seed(t *testing.T, data []byte, mime, fileName string, size int64) string {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()

	loc, err := h.blobs.Put(ctx, testBucket, storage.ObjectKey("patient-1", id, fileName), data, mime)
	require.NoError(t, err)
	if size <= 0 {
		size = int64(len(data))
	}

	require.NoError(t, h.uploads.Create(ctx, &domain.Upload{
		ID:                 id,
		PatientID:          "patient-1",
		PatientName:        "John Smith",
		PatientEmail:       "john@example.com",
		Locale:             "en",
		BlobBucket:         loc.Bucket,
		BlobKey:            loc.Key,
		FileName:           fileName,
		MimeType:           mime,
		FileSize:           size,
		Source:             domain.SourceWeb,
		ProcessingStatus:   domain.ProcessingPending,
		VerificationStatus: domain.StatusPending,
		MaxUsage:           1,
		OrderRefs:          []string{},
		StatusChangedAt:    testNow,
		CreatedAt:          testNow,
	}))
	require.NoError(t, h.verifications.Create(ctx, &domain.Verification{
		UploadID: id,
		RunID:    uuid.NewString(),
		Fraud:    domain.FraudDetection{RiskLevel: domain.RiskLow, Flags: []domain.FraudFlag{}},
		Errors:   []domain.VerificationError{},
	}))
	return id
}

// seedPNG seeds a clean 800x1000 PNG upload
func (h *harness) seedPNG(t *testing.T) string {
	t.Helper()
	return h.seed(t, testutil.PNGImage(800, 1000, 1), "image/png", "rx.png", 0)
}

// seedInReview runs a seeded upload to PHARMACIST_REVIEW by flagging the
// document as a same-patient duplicate
func (h *harness) seedInReview(t *testing.T) string {
	t.Helper()
	h.fingerprints.report = &domain.DuplicateReport{
		HasDuplicates:     true,
		DuplicateCount:    1,
		HighestSimilarity: 95,
		OtherPatientIDs:   []string{},
		Matches: []domain.DuplicateMatch{{
			UploadID:   "earlier-upload",
			PatientID:  "patient-1",
			MatchType:  domain.MatchNearDuplicate,
			Similarity: 95,
		}},
	}
	id := h.seedPNG(t)
	require.NoError(t, h.svc.Run(context.Background(), id))
	require.Equal(t, domain.StatusPharmacistReview, h.uploads.get(t, id).VerificationStatus)
	h.fingerprints.report = nil
	return id
}
