package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/medflow/rx-verification/internal/verification/domain"
	"github.com/medflow/rx-verification/internal/verification/fingerprint"
	"github.com/medflow/rx-verification/pkg/database"
	"github.com/medflow/rx-verification/pkg/errors"
)

// FingerprintRepository stores fingerprints in Postgres. Perceptual hashes
// are kept as BIGINT bit patterns and compared with XOR and a popcount.
type FingerprintRepository struct {
	db *database.DB
}

var _ fingerprint.Store = (*FingerprintRepository)(nil)

// NewFingerprintRepository creates a new fingerprint repository
func NewFingerprintRepository(db *database.DB) *FingerprintRepository {
	return &FingerprintRepository{db: db}
}

// Save inserts the fingerprint, replacing the one from an earlier run of
// the same upload.
func (r *FingerprintRepository) Save(ctx context.Context, fp *domain.Fingerprint) error {
	if fp.ID == "" {
		fp.ID = uuid.New().String()
	}
	image, err := jsonb(fp.Image)
	if err != nil {
		return err
	}
	dups := fp.DuplicatesFound
	if dups == nil {
		dups = []domain.DuplicateMatch{}
	}
	found, err := jsonb(dups)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO fingerprints (
			id, upload_id, patient_id, sha256, md5, phash, dhash, ahash,
			content_hash, image, duplicates_found
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (upload_id) DO UPDATE SET
			sha256 = EXCLUDED.sha256, md5 = EXCLUDED.md5,
			phash = EXCLUDED.phash, dhash = EXCLUDED.dhash, ahash = EXCLUDED.ahash,
			content_hash = EXCLUDED.content_hash, image = EXCLUDED.image,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`

	err = r.db.Conn(ctx).QueryRowxContext(ctx, query,
		fp.ID, fp.UploadID, fp.PatientID, fp.SHA256, fp.MD5,
		hashArg(fp.PHash), hashArg(fp.DHash), hashArg(fp.AHash),
		fp.ContentHash, image, found,
	).Scan(&fp.ID, &fp.CreatedAt, &fp.UpdatedAt)
	if appErr := database.MapPQError(err); appErr != nil {
		return appErr
	}
	return err
}

const candidateSelect = `
	SELECT f.upload_id, f.patient_id, f.phash, f.dhash
	FROM fingerprints f
	JOIN uploads u ON u.id = f.upload_id
	WHERE NOT u.is_deleted AND f.upload_id::text <> $1 AND `

func (r *FingerprintRepository) FindBySHA256(ctx context.Context, sha256, excludeUploadID string) ([]fingerprint.Candidate, error) {
	return r.candidates(ctx, candidateSelect+`f.sha256 = $2 ORDER BY f.created_at`, excludeUploadID, sha256)
}

func (r *FingerprintRepository) FindByMD5(ctx context.Context, md5, excludeUploadID string) ([]fingerprint.Candidate, error) {
	return r.candidates(ctx, candidateSelect+`f.md5 = $2 ORDER BY f.created_at`, excludeUploadID, md5)
}

// FindByPerceptual returns fingerprints whose pHash lies within maxDistance bits
func (r *FingerprintRepository) FindByPerceptual(ctx context.Context, phash uint64, maxDistance int, excludeUploadID string) ([]fingerprint.Candidate, error) {
	query := candidateSelect + `f.phash IS NOT NULL
		AND length(replace(((f.phash # $2)::bit(64))::text, '0', '')) <= $3
		ORDER BY f.created_at`
	return r.candidates(ctx, query, excludeUploadID, int64(phash), maxDistance)
}

func (r *FingerprintRepository) FindByContentHash(ctx context.Context, contentHash, excludeUploadID string) ([]fingerprint.Candidate, error) {
	if contentHash == "" {
		return nil, nil
	}
	return r.candidates(ctx, candidateSelect+`f.content_hash = $2 ORDER BY f.created_at`, excludeUploadID, contentHash)
}

func (r *FingerprintRepository) SetDuplicates(ctx context.Context, uploadID string, matches []domain.DuplicateMatch) error {
	if matches == nil {
		matches = []domain.DuplicateMatch{}
	}
	found, err := jsonb(matches)
	if err != nil {
		return err
	}
	_, err = r.db.Conn(ctx).ExecContext(ctx,
		`UPDATE fingerprints SET duplicates_found = $2, updated_at = NOW() WHERE upload_id = $1`,
		uploadID, found)
	return err
}

// AppendDuplicate records a match on an earlier upload's fingerprint. A
// match for an upload already listed is not added twice.
func (r *FingerprintRepository) AppendDuplicate(ctx context.Context, uploadID string, match domain.DuplicateMatch) error {
	entry, err := jsonb([]domain.DuplicateMatch{match})
	if err != nil {
		return err
	}
	query := `
		UPDATE fingerprints SET
			duplicates_found = duplicates_found || $2::jsonb,
			updated_at = NOW()
		WHERE upload_id = $1
		  AND NOT duplicates_found @> jsonb_build_array(jsonb_build_object('upload_id', $3::text))
	`
	_, err = r.db.Conn(ctx).ExecContext(ctx, query, uploadID, entry, match.UploadID)
	return err
}

// GetByUploadID returns the fingerprint of an upload
func (r *FingerprintRepository) GetByUploadID(ctx context.Context, uploadID string) (*domain.Fingerprint, error) {
	var row struct {
		ID              string        `db:"id"`
		UploadID        string        `db:"upload_id"`
		PatientID       string        `db:"patient_id"`
		SHA256          string        `db:"sha256"`
		MD5             string        `db:"md5"`
		PHash           sql.NullInt64 `db:"phash"`
		DHash           sql.NullInt64 `db:"dhash"`
		AHash           sql.NullInt64 `db:"ahash"`
		ContentHash     string        `db:"content_hash"`
		Image           []byte        `db:"image"`
		DuplicatesFound []byte        `db:"duplicates_found"`
	}
	query := `
		SELECT id, upload_id, patient_id, sha256, md5, phash, dhash, ahash,
		       content_hash, image, duplicates_found
		FROM fingerprints WHERE upload_id = $1
	`
	err := r.db.Conn(ctx).GetContext(ctx, &row, query, uploadID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("fingerprint")
	}
	if err != nil {
		return nil, fmt.Errorf("get fingerprint: %w", err)
	}

	fp := &domain.Fingerprint{
		ID:          row.ID,
		UploadID:    row.UploadID,
		PatientID:   row.PatientID,
		SHA256:      row.SHA256,
		MD5:         row.MD5,
		PHash:       hashValue(row.PHash),
		DHash:       hashValue(row.DHash),
		AHash:       hashValue(row.AHash),
		ContentHash: row.ContentHash,
	}
	if len(row.Image) > 0 {
		fp.Image = &domain.ImageMetadata{}
		if err := unjsonb(row.Image, fp.Image); err != nil {
			return nil, err
		}
	}
	if err := unjsonb(row.DuplicatesFound, &fp.DuplicatesFound); err != nil {
		return nil, err
	}
	return fp, nil
}

func (r *FingerprintRepository) candidates(ctx context.Context, query string, args ...interface{}) ([]fingerprint.Candidate, error) {
	rows, err := r.db.Conn(ctx).QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []fingerprint.Candidate
	for rows.Next() {
		var (
			c            fingerprint.Candidate
			phash, dhash sql.NullInt64
		)
		if err := rows.Scan(&c.UploadID, &c.PatientID, &phash, &dhash); err != nil {
			return nil, err
		}
		c.PHash = hashValue(phash)
		c.DHash = hashValue(dhash)
		out = append(out, c)
	}
	return out, rows.Err()
}

func hashArg(h *uint64) interface{} {
	if h == nil {
		return nil
	}
	return int64(*h)
}

func hashValue(n sql.NullInt64) *uint64 {
	if !n.Valid {
		return nil
	}
	v := uint64(n.Int64)
	return &v
}
