package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/medflow/rx-verification/internal/verification/domain"
	"github.com/medflow/rx-verification/pkg/database"
	"github.com/medflow/rx-verification/pkg/errors"
)

const uploadColumns = `id, patient_id, patient_name, patient_email, locale,
	blob_bucket, blob_key, file_name, mime_type, file_size, source, rx_number,
	processing_status, verification_status, ocr, verified_medications, fraud_score,
	usage_count, max_usage, order_refs, valid_until, is_deleted, deleted_at,
	status_changed_at, created_at, updated_at`

type uploadRow struct {
	ID                  string         `db:"id"`
	PatientID           string         `db:"patient_id"`
	PatientName         string         `db:"patient_name"`
	PatientEmail        string         `db:"patient_email"`
	Locale              string         `db:"locale"`
	BlobBucket          string         `db:"blob_bucket"`
	BlobKey             string         `db:"blob_key"`
	FileName            string         `db:"file_name"`
	MimeType            string         `db:"mime_type"`
	FileSize            int64          `db:"file_size"`
	Source              string         `db:"source"`
	RxNumber            string         `db:"rx_number"`
	ProcessingStatus    string         `db:"processing_status"`
	VerificationStatus  string         `db:"verification_status"`
	OCR                 []byte         `db:"ocr"`
	VerifiedMedications []byte         `db:"verified_medications"`
	FraudScore          float64        `db:"fraud_score"`
	UsageCount          int            `db:"usage_count"`
	MaxUsage            int            `db:"max_usage"`
	OrderRefs           pq.StringArray `db:"order_refs"`
	ValidUntil          *time.Time     `db:"valid_until"`
	IsDeleted           bool           `db:"is_deleted"`
	DeletedAt           *time.Time     `db:"deleted_at"`
	StatusChangedAt     time.Time      `db:"status_changed_at"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

func (r *uploadRow) toDomain() (*domain.Upload, error) {
	u := &domain.Upload{
		ID:                 r.ID,
		PatientID:          r.PatientID,
		PatientName:        r.PatientName,
		PatientEmail:       r.PatientEmail,
		Locale:             r.Locale,
		BlobBucket:         r.BlobBucket,
		BlobKey:            r.BlobKey,
		FileName:           r.FileName,
		MimeType:           r.MimeType,
		FileSize:           r.FileSize,
		Source:             domain.UploadSource(r.Source),
		PrescriptionNumber: r.RxNumber,
		ProcessingStatus:   domain.ProcessingStatus(r.ProcessingStatus),
		VerificationStatus: domain.VerificationStatus(r.VerificationStatus),
		FraudScore:         r.FraudScore,
		UsageCount:         r.UsageCount,
		MaxUsage:           r.MaxUsage,
		OrderRefs:          []string(r.OrderRefs),
		ValidUntil:         r.ValidUntil,
		IsDeleted:          r.IsDeleted,
		DeletedAt:          r.DeletedAt,
		StatusChangedAt:    r.StatusChangedAt,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if len(r.OCR) > 0 {
		u.OCR = &domain.OCRSnapshot{}
		if err := unjsonb(r.OCR, u.OCR); err != nil {
			return nil, fmt.Errorf("decode ocr snapshot: %w", err)
		}
	}
	if err := unjsonb(r.VerifiedMedications, &u.VerifiedMedications); err != nil {
		return nil, fmt.Errorf("decode medications: %w", err)
	}
	if u.OrderRefs == nil {
		u.OrderRefs = []string{}
	}
	return u, nil
}

// UploadRepository handles upload persistence
type UploadRepository struct {
	db *database.DB
}

// NewUploadRepository creates a new upload repository
func NewUploadRepository(db *database.DB) *UploadRepository {
	return &UploadRepository{db: db}
}

// NextPrescriptionNumber draws the next number of the day's sequence. The
// counter row is incremented atomically so concurrent callers never share
// a number.
func (r *UploadRepository) NextPrescriptionNumber(ctx context.Context, day time.Time) (string, error) {
	query := `
		INSERT INTO rx_number_sequences (day, last_value) VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET last_value = rx_number_sequences.last_value + 1
		RETURNING last_value
	`

	var seq int
	d := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	if err := r.db.Conn(ctx).QueryRowxContext(ctx, query, d).Scan(&seq); err != nil {
		return "", fmt.Errorf("failed to draw prescription number: %w", err)
	}
	return domain.FormatPrescriptionNumber(d, seq)
}

// Create inserts an upload, assigning its id and prescription number when
// they are empty.
func (r *UploadRepository) Create(ctx context.Context, u *domain.Upload) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.OrderRefs == nil {
		u.OrderRefs = []string{}
	}
	if u.StatusChangedAt.IsZero() {
		u.StatusChangedAt = time.Now().UTC()
	}

	return r.db.Transaction(ctx, func(ctx context.Context) error {
		if u.PrescriptionNumber == "" {
			n, err := r.NextPrescriptionNumber(ctx, u.StatusChangedAt)
			if err != nil {
				return err
			}
			u.PrescriptionNumber = n
		}

		ocr, err := jsonb(u.OCR)
		if err != nil {
			return err
		}
		meds, err := jsonb(medsOrEmpty(u.VerifiedMedications))
		if err != nil {
			return err
		}

		query := `
			INSERT INTO uploads (
				id, patient_id, patient_name, patient_email, locale,
				blob_bucket, blob_key, file_name, mime_type, file_size, source, rx_number,
				processing_status, verification_status, ocr, verified_medications,
				fraud_score, usage_count, max_usage, order_refs, status_changed_at
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21
			) RETURNING created_at, updated_at
		`

		err = r.db.Conn(ctx).QueryRowxContext(ctx, query,
			u.ID, u.PatientID, u.PatientName, u.PatientEmail, u.Locale,
			u.BlobBucket, u.BlobKey, u.FileName, u.MimeType, u.FileSize, string(u.Source), u.PrescriptionNumber,
			string(u.ProcessingStatus), string(u.VerificationStatus), ocr, meds,
			u.FraudScore, u.UsageCount, u.MaxUsage, pq.StringArray(u.OrderRefs), u.StatusChangedAt,
		).Scan(&u.CreatedAt, &u.UpdatedAt)
		if appErr := database.MapPQError(err); appErr != nil {
			return appErr
		}
		return err
	})
}

// GetByID returns a live upload
func (r *UploadRepository) GetByID(ctx context.Context, id string) (*domain.Upload, error) {
	query := `SELECT ` + uploadColumns + ` FROM uploads WHERE id = $1 AND NOT is_deleted`

	var row uploadRow
	err := r.db.Conn(ctx).GetContext(ctx, &row, query, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("upload")
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

// Update writes the pipeline-owned fields of an upload
func (r *UploadRepository) Update(ctx context.Context, u *domain.Upload) error {
	ocr, err := jsonb(u.OCR)
	if err != nil {
		return err
	}
	meds, err := jsonb(medsOrEmpty(u.VerifiedMedications))
	if err != nil {
		return err
	}

	query := `
		UPDATE uploads SET
			processing_status = $2, verification_status = $3, ocr = $4,
			verified_medications = $5, fraud_score = $6, valid_until = $7,
			status_changed_at = $8, updated_at = NOW()
		WHERE id = $1 AND NOT is_deleted
		RETURNING updated_at
	`

	err = r.db.Conn(ctx).QueryRowxContext(ctx, query,
		u.ID, string(u.ProcessingStatus), string(u.VerificationStatus), ocr,
		meds, u.FraudScore, u.ValidUntil, u.StatusChangedAt,
	).Scan(&u.UpdatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.NotFound("upload")
	}
	if appErr := database.MapPQError(err); appErr != nil {
		return appErr
	}
	return err
}

// RecordUsage links an order to the upload. It fails with UsageExhausted
// once usage_count has reached max_usage.
func (r *UploadRepository) RecordUsage(ctx context.Context, id, orderID string) (int, error) {
	query := `
		UPDATE uploads SET
			usage_count = usage_count + 1,
			order_refs = array_append(order_refs, $2),
			updated_at = NOW()
		WHERE id = $1 AND NOT is_deleted AND usage_count < max_usage
		RETURNING usage_count
	`

	var count int
	err := r.db.Conn(ctx).QueryRowxContext(ctx, query, id, orderID).Scan(&count)
	if stderrors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return 0, getErr
		}
		return 0, errors.UsageExhausted()
	}
	if appErr := database.MapPQError(err); appErr != nil {
		return 0, appErr
	}
	return count, err
}

// SoftDelete hides an upload. The row is kept as evidence.
func (r *UploadRepository) SoftDelete(ctx context.Context, id string) error {
	query := `
		UPDATE uploads SET is_deleted = TRUE, deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND NOT is_deleted
	`

	res, err := r.db.Conn(ctx).ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.NotFound("upload")
	}
	return nil
}

// ListPastValidity returns approved uploads whose validity ended before now
func (r *UploadRepository) ListPastValidity(ctx context.Context, now time.Time, limit int) ([]*domain.Upload, error) {
	query := `SELECT ` + uploadColumns + ` FROM uploads
		WHERE verification_status = $1 AND valid_until < $2 AND NOT is_deleted
		ORDER BY valid_until LIMIT $3`
	return r.list(ctx, query, string(domain.StatusApproved), now, limit)
}

// ListStaleClarifications returns uploads waiting for a clarification
// since before cutoff
func (r *UploadRepository) ListStaleClarifications(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Upload, error) {
	query := `SELECT ` + uploadColumns + ` FROM uploads
		WHERE verification_status = $1 AND status_changed_at < $2 AND NOT is_deleted
		ORDER BY status_changed_at LIMIT $3`
	return r.list(ctx, query, string(domain.StatusClarificationNeeded), cutoff, limit)
}

// ListStaleRuns returns uploads stuck in an intermediate run state since
// before cutoff
func (r *UploadRepository) ListStaleRuns(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Upload, error) {
	statuses := make([]string, len(domain.InFlightStatuses))
	for i, s := range domain.InFlightStatuses {
		statuses[i] = string(s)
	}
	query := `SELECT ` + uploadColumns + ` FROM uploads
		WHERE verification_status = ANY($1) AND status_changed_at < $2 AND NOT is_deleted
		ORDER BY status_changed_at LIMIT $3`
	return r.list(ctx, query, pq.Array(statuses), cutoff, limit)
}

func (r *UploadRepository) list(ctx context.Context, query string, args ...interface{}) ([]*domain.Upload, error) {
	var rows []uploadRow
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*domain.Upload, 0, len(rows))
	for i := range rows {
		u, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func medsOrEmpty(m []domain.Medication) []domain.Medication {
	if m == nil {
		return []domain.Medication{}
	}
	return m
}
