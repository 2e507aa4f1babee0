package fingerprint_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/corona10/goimagehash"
	"github.com/medflow/rx-verification/internal/verification/domain"
	"github.com/medflow/rx-verification/internal/verification/fingerprint"
	"github.com/medflow/rx-verification/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory fingerprint.Store
type memStore struct {
	mu  sync.Mutex
	fps map[string]*domain.Fingerprint
}

func newMemStore() *memStore {
	return &memStore{fps: make(map[string]*domain.Fingerprint)}
}

func (s *memStore) Save(_ context.Context, fp *domain.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *fp
	s.fps[fp.UploadID] = &cp
	return nil
}

func (s *memStore) find(exclude string, match func(fp *domain.Fingerprint) bool) []fingerprint.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []fingerprint.Candidate
	for id, fp := range s.fps {
		if id == exclude || !match(fp) {
			continue
		}
		out = append(out, fingerprint.Candidate{UploadID: id, PatientID: fp.PatientID, PHash: fp.PHash, DHash: fp.DHash})
	}
	return out
}

func (s *memStore) FindBySHA256(_ context.Context, h, exclude string) ([]fingerprint.Candidate, error) {
	return s.find(exclude, func(fp *domain.Fingerprint) bool { return fp.SHA256 == h }), nil
}

func (s *memStore) FindByMD5(_ context.Context, h, exclude string) ([]fingerprint.Candidate, error) {
	return s.find(exclude, func(fp *domain.Fingerprint) bool { return fp.MD5 == h }), nil
}

func (s *memStore) FindByPerceptual(_ context.Context, h uint64, max int, exclude string) ([]fingerprint.Candidate, error) {
	return s.find(exclude, func(fp *domain.Fingerprint) bool {
		return fp.PHash != nil && fingerprint.Distance(*fp.PHash, h, goimagehash.PHash) <= max
	}), nil
}

func (s *memStore) FindByContentHash(_ context.Context, h, exclude string) ([]fingerprint.Candidate, error) {
	return s.find(exclude, func(fp *domain.Fingerprint) bool { return fp.ContentHash == h }), nil
}

func (s *memStore) SetDuplicates(_ context.Context, uploadID string, m []domain.DuplicateMatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fps[uploadID].DuplicatesFound = m
	return nil
}

func (s *memStore) AppendDuplicate(_ context.Context, uploadID string, m domain.DuplicateMatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fps[uploadID].DuplicatesFound = append(s.fps[uploadID].DuplicatesFound, m)
	return nil
}

func TestCompute_Deterministic(t *testing.T) {
	data := testutil.PNGImage(256, 256, 2)

	a, err := fingerprint.Compute(data, domain.DocumentPNG, testutil.SamplePrescriptionText)
	require.NoError(t, err)
	b, err := fingerprint.Compute(data, domain.DocumentPNG, testutil.SamplePrescriptionText)
	require.NoError(t, err)

	assert.Equal(t, a.SHA256, b.SHA256)
	assert.Equal(t, a.MD5, b.MD5)
	assert.Equal(t, a.ContentHash, b.ContentHash)
	require.NotNil(t, a.PHash)
	assert.Equal(t, *a.PHash, *b.PHash)
	assert.Len(t, a.SHA256, 64)
	assert.Len(t, a.MD5, 32)
	assert.Equal(t, &domain.ImageMetadata{Width: 256, Height: 256, Format: "png"}, a.Image)
}

func TestCompute_NonImageHasNoPerceptualHash(t *testing.T) {
	fp, err := fingerprint.Compute(testutil.PDF("hello"), domain.DocumentPDF, "")
	require.NoError(t, err)
	assert.Nil(t, fp.PHash)
	assert.Nil(t, fp.Image)
	assert.Empty(t, fp.ContentHash)
}

func TestCompute_ReencodedJPEGStaysClose(t *testing.T) {
	hi, err := fingerprint.Compute(testutil.SmoothJPEG(300, 300, 0, 95), domain.DocumentJPEG, "")
	require.NoError(t, err)
	lo, err := fingerprint.Compute(testutil.SmoothJPEG(300, 300, 0, 60), domain.DocumentJPEG, "")
	require.NoError(t, err)

	assert.NotEqual(t, hi.SHA256, lo.SHA256)
	assert.LessOrEqual(t, fingerprint.Distance(*hi.PHash, *lo.PHash, goimagehash.PHash), 10)
}

func TestContentHash_IgnoresOCRNoise(t *testing.T) {
	assert.Equal(t,
		fingerprint.ContentHash("Amoxicillin, 500mg!\n  Take   daily."),
		fingerprint.ContentHash("amoxicillin 500mg take daily"),
	)
	assert.NotEqual(t, fingerprint.ContentHash("amoxicillin 500mg"), fingerprint.ContentHash("amoxicillin 250mg"))
	assert.Empty(t, fingerprint.ContentHash(" ,.;! "))
	assert.Equal(t, "dr sarah johnson md123456", fingerprint.NormalizeText("Dr. Sarah JOHNSON\tMD-123456"))
}

func TestEngine_ExactDuplicateIsSymmetric(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	engine := fingerprint.NewEngine(store, 10)
	data := testutil.PNGImage(200, 200, 1)

	a := &domain.Upload{ID: "upload-a", PatientID: "patient-1"}
	_, reportA, err := engine.Process(ctx, a, data, domain.DocumentPNG, "")
	require.NoError(t, err)
	assert.False(t, reportA.HasDuplicates)

	b := &domain.Upload{ID: "upload-b", PatientID: "patient-2"}
	_, reportB, err := engine.Process(ctx, b, data, domain.DocumentPNG, "")
	require.NoError(t, err)

	require.True(t, reportB.HasDuplicates)
	assert.Equal(t, 1, reportB.DuplicateCount)
	assert.Equal(t, 100.0, reportB.HighestSimilarity)
	assert.True(t, reportB.SharedAcrossPatients)
	assert.Equal(t, []string{"patient-1"}, reportB.OtherPatientIDs)
	assert.Equal(t, domain.MatchExact, reportB.Matches[0].MatchType)

	// the earlier upload now lists the later one as well
	require.Len(t, store.fps["upload-a"].DuplicatesFound, 1)
	assert.Equal(t, "upload-b", store.fps["upload-a"].DuplicatesFound[0].UploadID)

	// and a fresh search from A reports B
	fpA, err := fingerprint.Compute(data, domain.DocumentPNG, "")
	require.NoError(t, err)
	again, err := engine.FindDuplicates(ctx, fpA, "patient-1", "upload-a")
	require.NoError(t, err)
	require.Equal(t, 1, again.DuplicateCount)
	assert.Equal(t, "upload-b", again.Matches[0].UploadID)
}

func TestEngine_PriorityAndExclusion(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	engine := fingerprint.NewEngine(store, 10)

	text := testutil.SamplePrescriptionText
	original := testutil.SmoothJPEG(300, 300, 0, 95)

	_, _, err := engine.Process(ctx, &domain.Upload{ID: "exact", PatientID: "p1"}, original, domain.DocumentJPEG, text)
	require.NoError(t, err)
	_, _, err = engine.Process(ctx, &domain.Upload{ID: "reencoded", PatientID: "p1"}, testutil.SmoothJPEG(300, 300, 0, 60), domain.DocumentJPEG, "unrelated")
	require.NoError(t, err)
	_, _, err = engine.Process(ctx, &domain.Upload{ID: "retyped", PatientID: "p1"}, testutil.DOCX(text), domain.DocumentDOCX, text)
	require.NoError(t, err)

	_, report, err := engine.Process(ctx, &domain.Upload{ID: "new", PatientID: "p1"}, original, domain.DocumentJPEG, text)
	require.NoError(t, err)

	byID := map[string]domain.DuplicateMatch{}
	for _, m := range report.Matches {
		byID[m.UploadID] = m
	}
	require.Len(t, byID, 3)
	assert.Equal(t, domain.MatchExact, byID["exact"].MatchType, "exact wins over perceptual and content")
	assert.Contains(t, []domain.MatchType{domain.MatchNearDuplicate, domain.MatchSimilar}, byID["reencoded"].MatchType)
	assert.Equal(t, domain.MatchContent, byID["retyped"].MatchType)
	assert.Equal(t, 90.0, byID["retyped"].Similarity)
	assert.Equal(t, 100.0, report.HighestSimilarity)
	assert.False(t, report.SharedAcrossPatients)
	assert.Empty(t, report.OtherPatientIDs)
}

func TestBuildReport(t *testing.T) {
	now := time.Now()
	r := fingerprint.BuildReport([]domain.DuplicateMatch{
		{UploadID: "a", PatientID: "p2", MatchType: domain.MatchContent, Similarity: 90, SharedAcrossPatients: true, DetectedAt: now},
		{UploadID: "b", PatientID: "p2", MatchType: domain.MatchNearDuplicate, Similarity: 95, SharedAcrossPatients: true, DetectedAt: now},
		{UploadID: "c", PatientID: "p3", MatchType: domain.MatchContent, Similarity: 90, SharedAcrossPatients: true, DetectedAt: now},
	})
	assert.True(t, r.HasDuplicates)
	assert.Equal(t, 3, r.DuplicateCount)
	assert.Equal(t, 95.0, r.HighestSimilarity)
	assert.Equal(t, []string{"p2", "p3"}, r.OtherPatientIDs)

	empty := fingerprint.BuildReport(nil)
	assert.False(t, empty.HasDuplicates)
	assert.NotNil(t, empty.Matches)
}
