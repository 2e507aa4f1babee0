package fingerprint

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/corona10/goimagehash"
	"github.com/medflow/rx-verification/internal/verification/domain"
)

// Candidate is a stored fingerprint matching a lookup
type Candidate struct {
	UploadID  string
	PatientID string
	// PHash and DHash are set for perceptual lookups
	PHash *uint64
	DHash *uint64
}

// Store persists fingerprints and answers indexed lookups. Lookups exclude
// the given upload id and soft-deleted uploads.
type Store interface {
	Save(ctx context.Context, fp *domain.Fingerprint) error
	FindBySHA256(ctx context.Context, sha256, excludeUploadID string) ([]Candidate, error)
	FindByMD5(ctx context.Context, md5, excludeUploadID string) ([]Candidate, error)
	FindByPerceptual(ctx context.Context, phash uint64, maxDistance int, excludeUploadID string) ([]Candidate, error)
	FindByContentHash(ctx context.Context, contentHash, excludeUploadID string) ([]Candidate, error)
	SetDuplicates(ctx context.Context, uploadID string, matches []domain.DuplicateMatch) error
	AppendDuplicate(ctx context.Context, uploadID string, match domain.DuplicateMatch) error
}

// Engine computes, stores and searches fingerprints
type Engine struct {
	store       Store
	maxDistance int
	now         func() time.Time
}

// NewEngine creates an engine. maxDistance is the largest Hamming distance
// between perceptual hashes still treated as a near duplicate.
func NewEngine(store Store, maxDistance int) *Engine {
	return &Engine{store: store, maxDistance: maxDistance, now: time.Now}
}

// Process fingerprints an upload, stores the fingerprint, searches for
// duplicates and records the matches on both sides.
func (e *Engine) Process(ctx context.Context, upload *domain.Upload, data []byte, docType domain.DocumentType, text string) (*domain.Fingerprint, *domain.DuplicateReport, error) {
	// a raster that fails to decode still gets exact and content hashes
	fp, _ := Compute(data, docType, text)
	fp.UploadID = upload.ID
	fp.PatientID = upload.PatientID

	if err := e.store.Save(ctx, fp); err != nil {
		return nil, nil, fmt.Errorf("save fingerprint: %w", err)
	}

	report, err := e.FindDuplicates(ctx, fp, upload.PatientID, upload.ID)
	if err != nil {
		return fp, nil, err
	}

	fp.DuplicatesFound = report.Matches
	if err := e.store.SetDuplicates(ctx, upload.ID, report.Matches); err != nil {
		return fp, report, fmt.Errorf("store duplicates: %w", err)
	}
	for _, m := range report.Matches {
		reverse := domain.DuplicateMatch{
			UploadID:             upload.ID,
			PatientID:            upload.PatientID,
			MatchType:            m.MatchType,
			Similarity:           m.Similarity,
			Distance:             m.Distance,
			SharedAcrossPatients: m.SharedAcrossPatients,
			DetectedAt:           m.DetectedAt,
		}
		if err := e.store.AppendDuplicate(ctx, m.UploadID, reverse); err != nil {
			return fp, report, fmt.Errorf("append reverse duplicate: %w", err)
		}
	}
	return fp, report, nil
}

// FindDuplicates searches exact SHA-256 matches, then MD5 (only without a
// SHA-256 hit), then perceptual matches and finally content matches, each
// stage skipping uploads an earlier stage already reported.
func (e *Engine) FindDuplicates(ctx context.Context, fp *domain.Fingerprint, patientID, excludeUploadID string) (*domain.DuplicateReport, error) {
	now := e.now().UTC()
	seen := make(map[string]bool)
	var matches []domain.DuplicateMatch

	add := func(c Candidate, mt domain.MatchType, distance int) {
		if seen[c.UploadID] {
			return
		}
		seen[c.UploadID] = true
		matches = append(matches, domain.DuplicateMatch{
			UploadID:             c.UploadID,
			PatientID:            c.PatientID,
			MatchType:            mt,
			Similarity:           mt.Similarity(),
			Distance:             distance,
			SharedAcrossPatients: c.PatientID != patientID,
			DetectedAt:           now,
		})
	}

	exact, err := e.store.FindBySHA256(ctx, fp.SHA256, excludeUploadID)
	if err != nil {
		return nil, fmt.Errorf("sha256 lookup: %w", err)
	}
	if len(exact) == 0 && fp.MD5 != "" {
		if exact, err = e.store.FindByMD5(ctx, fp.MD5, excludeUploadID); err != nil {
			return nil, fmt.Errorf("md5 lookup: %w", err)
		}
	}
	for _, c := range exact {
		add(c, domain.MatchExact, 0)
	}

	if fp.PHash != nil {
		near, err := e.store.FindByPerceptual(ctx, *fp.PHash, e.maxDistance, excludeUploadID)
		if err != nil {
			return nil, fmt.Errorf("perceptual lookup: %w", err)
		}
		sort.SliceStable(near, func(i, j int) bool {
			return e.distance(fp.PHash, near[i].PHash, goimagehash.PHash) < e.distance(fp.PHash, near[j].PHash, goimagehash.PHash)
		})
		for _, c := range near {
			pd := e.distance(fp.PHash, c.PHash, goimagehash.PHash)
			if pd > e.maxDistance {
				continue
			}
			mt := domain.MatchNearDuplicate
			if fp.DHash != nil && c.DHash != nil && e.distance(fp.DHash, c.DHash, goimagehash.DHash) > e.maxDistance {
				mt = domain.MatchSimilar
			}
			add(c, mt, pd)
		}
	}

	if fp.ContentHash != "" {
		content, err := e.store.FindByContentHash(ctx, fp.ContentHash, excludeUploadID)
		if err != nil {
			return nil, fmt.Errorf("content lookup: %w", err)
		}
		for _, c := range content {
			add(c, domain.MatchContent, 0)
		}
	}

	return BuildReport(matches), nil
}

func (e *Engine) distance(a, b *uint64, kind goimagehash.Kind) int {
	if a == nil || b == nil {
		return 64
	}
	return Distance(*a, *b, kind)
}

// BuildReport aggregates matches
func BuildReport(matches []domain.DuplicateMatch) *domain.DuplicateReport {
	r := &domain.DuplicateReport{
		Matches:         matches,
		OtherPatientIDs: []string{},
	}
	if r.Matches == nil {
		r.Matches = []domain.DuplicateMatch{}
	}

	patients := make(map[string]bool)
	for _, m := range matches {
		r.DuplicateCount++
		if m.Similarity > r.HighestSimilarity {
			r.HighestSimilarity = m.Similarity
		}
		if m.SharedAcrossPatients {
			r.SharedAcrossPatients = true
			if !patients[m.PatientID] {
				patients[m.PatientID] = true
				r.OtherPatientIDs = append(r.OtherPatientIDs, m.PatientID)
			}
		}
	}
	r.HasDuplicates = r.DuplicateCount > 0
	return r
}
