// Package service runs the verification pipeline for uploaded prescriptions
// and owns every state change of an upload after submission.
package service

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/medflow/rx-verification/internal/verification/analysis"
	"github.com/medflow/rx-verification/internal/verification/checks"
	"github.com/medflow/rx-verification/internal/verification/document"
	"github.com/medflow/rx-verification/internal/verification/domain"
	"github.com/medflow/rx-verification/internal/verification/drugs"
	"github.com/medflow/rx-verification/internal/verification/events"
	"github.com/medflow/rx-verification/internal/verification/extraction"
	"github.com/medflow/rx-verification/internal/verification/notify"
	"github.com/medflow/rx-verification/internal/verification/ocr"
	"github.com/medflow/rx-verification/internal/verification/storage"
	"github.com/medflow/rx-verification/pkg/config"
	"github.com/medflow/rx-verification/pkg/logger"
	"github.com/medflow/rx-verification/pkg/monitoring"
)

// UploadStore persists uploads
type UploadStore interface {
	Create(ctx context.Context, u *domain.Upload) error
	GetByID(ctx context.Context, id string) (*domain.Upload, error)
	Update(ctx context.Context, u *domain.Upload) error
	RecordUsage(ctx context.Context, id, orderID string) (int, error)
	SoftDelete(ctx context.Context, id string) error
	ListPastValidity(ctx context.Context, now time.Time, limit int) ([]*domain.Upload, error)
	ListStaleClarifications(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Upload, error)
	ListStaleRuns(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Upload, error)
}

// VerificationStore persists verifications
type VerificationStore interface {
	Create(ctx context.Context, v *domain.Verification) error
	GetByUploadID(ctx context.Context, uploadID string) (*domain.Verification, error)
	Save(ctx context.Context, v *domain.Verification) error
}

// Transactor runs fn in one database transaction carried by ctx
type Transactor interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// TextRecognizer is the OCR entry point
type TextRecognizer interface {
	Analyze(ctx context.Context, in ocr.Input) (*ocr.Result, error)
}

// Fingerprinter computes a fingerprint and searches duplicates
type Fingerprinter interface {
	Process(ctx context.Context, upload *domain.Upload, data []byte, docType domain.DocumentType, text string) (*domain.Fingerprint, *domain.DuplicateReport, error)
}

// MedicationResolver matches medications against the drug catalog
type MedicationResolver interface {
	Resolve(ctx context.Context, meds []domain.Medication) (*drugs.Resolution, error)
}

// OrderLedger lists the orders referencing an upload
type OrderLedger interface {
	FindByPrescription(ctx context.Context, uploadID string) ([]domain.Order, error)
}

// PrescriptionLookup resolves a platform reference to the record it was issued with
type PrescriptionLookup interface {
	FindByReference(ctx context.Context, ref string) (*checks.PlatformRecord, error)
}

// Dispatcher hands a run to whichever worker executes it
type Dispatcher interface {
	Dispatch(ctx context.Context, uploadID string, attempt int) error
}

// Deps are the collaborators of the service. Analyzer, Reporter, Metrics
// and Dispatcher are optional.
type Deps struct {
	Uploads       UploadStore
	Verifications VerificationStore
	Tx            Transactor
	Blobs         storage.BlobStore
	Bucket        string
	Documents     *document.Processor
	OCR           TextRecognizer
	Extractor     *extraction.Extractor
	Fingerprints  Fingerprinter
	Evaluator     *checks.Evaluator
	Drugs         MedicationResolver
	Analyzer      analysis.Analyzer
	Orders        OrderLedger
	Prescriptions PrescriptionLookup
	Events        *events.VerificationEventPublisher
	Notifier      *notify.Sender
	Metrics       *monitoring.Metrics
	Reporter      monitoring.ErrorReporter
	Dispatcher    Dispatcher
	Logger        *logger.Logger
}

// Service orchestrates verification runs, pharmacist review and the upload
// lifecycle
type Service struct {
	uploads       UploadStore
	verifications VerificationStore
	tx            Transactor
	blobs         storage.BlobStore
	bucket        string
	documents     *document.Processor
	ocr           TextRecognizer
	extractor     *extraction.Extractor
	fingerprints  Fingerprinter
	evaluator     *checks.Evaluator
	drugs         MedicationResolver
	analyzer      analysis.Analyzer
	orders        OrderLedger
	prescriptions PrescriptionLookup
	events        *events.VerificationEventPublisher
	notifier      *notify.Sender
	metrics       *monitoring.Metrics
	reporter      monitoring.ErrorReporter
	dispatcher    Dispatcher
	cfg           config.VerificationConfig
	now           func() time.Time
	logger        *logger.Logger
}

// New creates the service
func New(d Deps) *Service {
	s := &Service{
		uploads:       d.Uploads,
		verifications: d.Verifications,
		tx:            d.Tx,
		blobs:         d.Blobs,
		bucket:        d.Bucket,
		documents:     d.Documents,
		ocr:           d.OCR,
		extractor:     d.Extractor,
		fingerprints:  d.Fingerprints,
		evaluator:     d.Evaluator,
		drugs:         d.Drugs,
		analyzer:      d.Analyzer,
		orders:        d.Orders,
		prescriptions: d.Prescriptions,
		events:        d.Events,
		notifier:      d.Notifier,
		metrics:       d.Metrics,
		reporter:      d.Reporter,
		dispatcher:    d.Dispatcher,
		cfg:           d.Evaluator.Config(),
		now:           time.Now,
		logger:        d.Logger.WithComponent("verification"),
	}
	if s.analyzer == nil {
		s.analyzer = analysis.Disabled{}
	}
	if s.reporter == nil {
		s.reporter = monitoring.NopReporter{}
	}
	if s.metrics == nil {
		s.metrics = monitoring.NewMetrics(prometheus.NewRegistry())
	}
	if s.documents == nil {
		s.documents = document.NewProcessor(document.DefaultRegistry())
	}
	return s
}

// WithClock replaces the service clock. The evaluator keeps its own.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// inTx runs fn in a transaction when a transactor is configured
func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.tx == nil {
		return fn(ctx)
	}
	return s.tx.Transaction(ctx, fn)
}

// save writes an upload and its verification together
func (s *Service) save(ctx context.Context, u *domain.Upload, v *domain.Verification) error {
	return s.inTx(ctx, func(ctx context.Context) error {
		if err := s.uploads.Update(ctx, u); err != nil {
			return err
		}
		return s.verifications.Save(ctx, v)
	})
}
