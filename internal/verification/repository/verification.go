package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medflow/rx-verification/internal/verification/domain"
	"github.com/medflow/rx-verification/pkg/database"
	"github.com/medflow/rx-verification/pkg/errors"
)

const verificationColumns = `id, upload_id, run_id, tier1, tier2, fraud, pharmacist_review,
	overall_result, overall_score, confidence_score, patient_summary, rejection_reason,
	errors, retry_count, is_platform_issued, started_at, completed_at, created_at, updated_at`

type verificationRow struct {
	ID               string         `db:"id"`
	UploadID         string         `db:"upload_id"`
	RunID            string         `db:"run_id"`
	Tier1            []byte         `db:"tier1"`
	Tier2            []byte         `db:"tier2"`
	Fraud            []byte         `db:"fraud"`
	PharmacistReview []byte         `db:"pharmacist_review"`
	OverallResult    sql.NullString `db:"overall_result"`
	OverallScore     float64        `db:"overall_score"`
	ConfidenceScore  float64        `db:"confidence_score"`
	PatientSummary   string         `db:"patient_summary"`
	RejectionReason  string         `db:"rejection_reason"`
	Errors           []byte         `db:"errors"`
	RetryCount       int            `db:"retry_count"`
	IsPlatformIssued bool           `db:"is_platform_issued"`
	StartedAt        *time.Time     `db:"started_at"`
	CompletedAt      *time.Time     `db:"completed_at"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (r *verificationRow) toDomain() (*domain.Verification, error) {
	v := &domain.Verification{
		ID:               r.ID,
		UploadID:         r.UploadID,
		RunID:            r.RunID,
		OverallScore:     r.OverallScore,
		ConfidenceScore:  r.ConfidenceScore,
		PatientSummary:   r.PatientSummary,
		RejectionReason:  r.RejectionReason,
		RetryCount:       r.RetryCount,
		IsPlatformIssued: r.IsPlatformIssued,
		StartedAt:        r.StartedAt,
		CompletedAt:      r.CompletedAt,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.OverallResult.Valid {
		res := domain.OverallResult(r.OverallResult.String)
		v.OverallResult = &res
	}

	decode := []struct {
		name string
		raw  []byte
		into interface{}
	}{
		{"tier1", r.Tier1, &v.Tier1},
		{"tier2", r.Tier2, &v.Tier2},
		{"fraud", r.Fraud, &v.Fraud},
		{"pharmacist_review", r.PharmacistReview, &v.PharmacistReview},
		{"errors", r.Errors, &v.Errors},
	}
	for _, d := range decode {
		if err := unjsonb(d.raw, d.into); err != nil {
			return nil, fmt.Errorf("decode %s: %w", d.name, err)
		}
	}
	if v.Errors == nil {
		v.Errors = []domain.VerificationError{}
	}
	if v.Fraud.Flags == nil {
		v.Fraud.Flags = []domain.FraudFlag{}
	}
	return v, nil
}

type verificationArgs struct {
	tier1  interface{}
	tier2  interface{}
	fraud  interface{}
	review interface{}
	errs   interface{}
	result interface{}
}

func encodeVerification(v *domain.Verification) (*verificationArgs, error) {
	a := &verificationArgs{}
	var err error
	if a.tier1, err = jsonb(v.Tier1); err != nil {
		return nil, err
	}
	if a.tier2, err = jsonb(v.Tier2); err != nil {
		return nil, err
	}
	if a.fraud, err = jsonb(v.Fraud); err != nil {
		return nil, err
	}
	if a.review, err = jsonb(v.PharmacistReview); err != nil {
		return nil, err
	}
	errs := v.Errors
	if errs == nil {
		errs = []domain.VerificationError{}
	}
	if a.errs, err = jsonb(errs); err != nil {
		return nil, err
	}
	if v.OverallResult != nil {
		a.result = string(*v.OverallResult)
	}
	return a, nil
}

// VerificationRepository handles verification persistence. There is at most
// one verification per upload; retries update it in place.
type VerificationRepository struct {
	db *database.DB
}

// NewVerificationRepository creates a new verification repository
func NewVerificationRepository(db *database.DB) *VerificationRepository {
	return &VerificationRepository{db: db}
}

// Create inserts a verification
func (r *VerificationRepository) Create(ctx context.Context, v *domain.Verification) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.RunID == "" {
		v.RunID = uuid.New().String()
	}
	a, err := encodeVerification(v)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO verifications (
			id, upload_id, run_id, tier1, tier2, fraud, pharmacist_review,
			overall_result, overall_score, confidence_score, patient_summary, rejection_reason,
			errors, retry_count, is_platform_issued, started_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		) RETURNING created_at, updated_at
	`

	err = r.db.Conn(ctx).QueryRowxContext(ctx, query,
		v.ID, v.UploadID, v.RunID, a.tier1, a.tier2, a.fraud, a.review,
		a.result, v.OverallScore, v.ConfidenceScore, v.PatientSummary, v.RejectionReason,
		a.errs, v.RetryCount, v.IsPlatformIssued, v.StartedAt, v.CompletedAt,
	).Scan(&v.CreatedAt, &v.UpdatedAt)
	if appErr := database.MapPQError(err); appErr != nil {
		return appErr
	}
	return err
}

// GetByUploadID returns the verification of an upload
func (r *VerificationRepository) GetByUploadID(ctx context.Context, uploadID string) (*domain.Verification, error) {
	query := `SELECT ` + verificationColumns + ` FROM verifications WHERE upload_id = $1`

	var row verificationRow
	err := r.db.Conn(ctx).GetContext(ctx, &row, query, uploadID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("verification")
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

// Save overwrites every mutable column of a verification
func (r *VerificationRepository) Save(ctx context.Context, v *domain.Verification) error {
	a, err := encodeVerification(v)
	if err != nil {
		return err
	}

	query := `
		UPDATE verifications SET
			run_id = $2, tier1 = $3, tier2 = $4, fraud = $5, pharmacist_review = $6,
			overall_result = $7, overall_score = $8, confidence_score = $9,
			patient_summary = $10, rejection_reason = $11, errors = $12,
			retry_count = $13, is_platform_issued = $14, started_at = $15,
			completed_at = $16, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err = r.db.Conn(ctx).QueryRowxContext(ctx, query,
		v.ID, v.RunID, a.tier1, a.tier2, a.fraud, a.review,
		a.result, v.OverallScore, v.ConfidenceScore,
		v.PatientSummary, v.RejectionReason, a.errs,
		v.RetryCount, v.IsPlatformIssued, v.StartedAt,
		v.CompletedAt,
	).Scan(&v.UpdatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.NotFound("verification")
	}
	return err
}
