package checks

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// NameMatcher scores how well a name read from a prescription matches the
// account holder's stored name, 0..100.
type NameMatcher struct {
	// TokenThreshold is the per-token similarity at which a token counts as matched
	TokenThreshold float64
}

// Match returns the best score over the exact, reversed-order, per-token
// and whole-string strategies.
func (m NameMatcher) Match(extracted, account string) float64 {
	a, b := normalizeName(extracted), normalizeName(account)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 100
	}

	ta, tb := strings.Fields(a), strings.Fields(b)
	if reversed(ta, tb) {
		return 100
	}

	best := Similarity(a, b)
	if s := m.tokenScore(ta, tb); s > best {
		best = s
	}
	return best
}

// tokenScore is the share of extracted tokens that match some account token
func (m NameMatcher) tokenScore(extracted, account []string) float64 {
	if len(extracted) == 0 {
		return 0
	}
	matched := 0
	for _, t := range extracted {
		for _, u := range account {
			if Similarity(t, u) >= m.TokenThreshold {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(extracted)) * 100
}

func reversed(a, b []string) bool {
	if len(a) < 2 || len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[len(b)-1-i] {
			return false
		}
	}
	return true
}

// Similarity is 100 minus the edit distance as a share of the longer string
func Similarity(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 100
	}
	d := levenshtein.ComputeDistance(a, b)
	return (1 - float64(d)/float64(longest)) * 100
}

func normalizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == ',' || r == '.':
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
