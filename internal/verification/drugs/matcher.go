// Package drugs resolves extracted medications against the drug catalog.
package drugs

import (
	"context"
	"fmt"
	"strings"

	"github.com/medflow/rx-verification/internal/verification/checks"
	"github.com/medflow/rx-verification/internal/verification/domain"
)

// RankedMatch is one catalog search hit
type RankedMatch struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	GenericName          string `json:"generic_name"`
	IsControlled         bool   `json:"is_controlled"`
	RequiresPrescription bool   `json:"requires_prescription"`

	// Score is the catalog's own relevance, 0..100. Zero means unranked.
	Score float64 `json:"score"`
}

// Catalog searches the drug catalog
type Catalog interface {
	Search(ctx context.Context, query string) ([]RankedMatch, error)
}

// Resolution is the outcome of matching a medication list
type Resolution struct {
	Medications []domain.Medication
	AllValid    bool
	Controlled  []string
}

// Matcher picks the best catalog match for each medication
type Matcher struct {
	catalog  Catalog
	minScore float64
}

// NewMatcher creates a matcher. Hits scoring below minScore are ignored.
func NewMatcher(catalog Catalog, minScore float64) *Matcher {
	return &Matcher{catalog: catalog, minScore: minScore}
}

// Resolve matches every medication. Unmatched medications are marked invalid
// and assumed to require a prescription. A catalog error aborts the whole
// resolution so the caller can degrade the check.
func (m *Matcher) Resolve(ctx context.Context, meds []domain.Medication) (*Resolution, error) {
	res := &Resolution{Medications: make([]domain.Medication, 0, len(meds)), AllValid: len(meds) > 0}

	for _, med := range meds {
		hits, err := m.catalog.Search(ctx, med.Name)
		if err != nil {
			return nil, fmt.Errorf("search catalog for %q: %w", med.Name, err)
		}

		resolved := med
		best, score, ok := m.best(med.Name, hits)
		if ok {
			resolved.CatalogID = best.ID
			resolved.CanonicalName = best.Name
			resolved.GenericName = best.GenericName
			resolved.IsControlled = best.IsControlled
			resolved.RequiresPrescription = best.RequiresPrescription
			resolved.MatchScore = score
			resolved.IsValid = true
		} else {
			resolved.IsValid = false
			resolved.RequiresPrescription = true
			res.AllValid = false
		}
		if resolved.IsControlled {
			res.Controlled = append(res.Controlled, resolved.Name)
		}
		res.Medications = append(res.Medications, resolved)
	}
	return res, nil
}

// best ranks hits by the catalog score when present, else by name
// similarity to either the brand or the generic name.
func (m *Matcher) best(query string, hits []RankedMatch) (RankedMatch, float64, bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	var (
		top      RankedMatch
		topScore float64
		found    bool
	)
	for _, h := range hits {
		s := h.Score
		if s == 0 {
			s = checks.Similarity(q, strings.ToLower(h.Name))
			if g := checks.Similarity(q, strings.ToLower(h.GenericName)); h.GenericName != "" && g > s {
				s = g
			}
		}
		if s >= m.minScore && (!found || s > topScore) {
			top, topScore, found = h, s, true
		}
	}
	return top, topScore, found
}
