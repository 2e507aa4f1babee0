package drugs_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medflow/rx-verification/internal/verification/domain"
	"github.com/medflow/rx-verification/internal/verification/drugs"
)

type fakeCatalog struct {
	entries []drugs.RankedMatch
	err     error
	queries []string
}

func (f *fakeCatalog) Search(_ context.Context, query string) ([]drugs.RankedMatch, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	prefix := strings.ToLower(query[:3])
	var out []drugs.RankedMatch
	for _, e := range f.entries {
		if strings.HasPrefix(strings.ToLower(e.Name), prefix) || strings.HasPrefix(strings.ToLower(e.GenericName), prefix) {
			out = append(out, e)
		}
	}
	return out, nil
}

func catalog() *fakeCatalog {
	return &fakeCatalog{entries: []drugs.RankedMatch{
		{ID: "d1", Name: "Amoxicillin", GenericName: "amoxicillin", RequiresPrescription: true},
		{ID: "d2", Name: "Amoxil", GenericName: "amoxicillin", RequiresPrescription: true},
		{ID: "d3", Name: "OxyContin", GenericName: "oxycodone", IsControlled: true, RequiresPrescription: true},
		{ID: "d4", Name: "Ibuprofen", GenericName: "ibuprofen"},
	}}
}

func TestMatcher_Resolve(t *testing.T) {
	m := drugs.NewMatcher(catalog(), 70)

	res, err := m.Resolve(context.Background(), []domain.Medication{
		{Name: "Amoxicilin", Strength: "500mg"},
		{Name: "Oxycodone", Strength: "10mg"},
		{Name: "Ibuprofen"},
	})
	require.NoError(t, err)
	require.Len(t, res.Medications, 3)
	assert.True(t, res.AllValid)

	amox := res.Medications[0]
	assert.Equal(t, "d1", amox.CatalogID)
	assert.Equal(t, "Amoxicillin", amox.CanonicalName)
	assert.Equal(t, "500mg", amox.Strength)
	assert.True(t, amox.RequiresPrescription)

	oxy := res.Medications[1]
	assert.Equal(t, "d3", oxy.CatalogID, "matched through the generic name")
	assert.True(t, oxy.IsControlled)
	assert.Equal(t, []string{"Oxycodone"}, res.Controlled)

	assert.False(t, res.Medications[2].RequiresPrescription)
}

func TestMatcher_UnmatchedIsConservative(t *testing.T) {
	m := drugs.NewMatcher(catalog(), 70)

	res, err := m.Resolve(context.Background(), []domain.Medication{{Name: "Ibuprofen"}, {Name: "Zyxolamab"}})
	require.NoError(t, err)
	assert.False(t, res.AllValid)

	unknown := res.Medications[1]
	assert.False(t, unknown.IsValid)
	assert.True(t, unknown.RequiresPrescription)
	assert.Empty(t, unknown.CatalogID)
}

func TestMatcher_EmptyListIsNotAllValid(t *testing.T) {
	res, err := drugs.NewMatcher(catalog(), 70).Resolve(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, res.AllValid)
	assert.Empty(t, res.Medications)
}

func TestMatcher_CatalogScoreWins(t *testing.T) {
	cat := &fakeCatalog{entries: []drugs.RankedMatch{
		{ID: "weak", Name: "Metformin", Score: 72},
		{ID: "strong", Name: "Metformin XR", Score: 96},
	}}
	res, err := drugs.NewMatcher(cat, 70).Resolve(context.Background(), []domain.Medication{{Name: "Metformin"}})
	require.NoError(t, err)
	assert.Equal(t, "strong", res.Medications[0].CatalogID)
	assert.Equal(t, 96.0, res.Medications[0].MatchScore)
}

func TestMatcher_CatalogError(t *testing.T) {
	cat := &fakeCatalog{err: errors.New("connection refused")}
	_, err := drugs.NewMatcher(cat, 70).Resolve(context.Background(), []domain.Medication{{Name: "Ibuprofen"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
