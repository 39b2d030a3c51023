package aggregate

import (
	"strings"
	"unicode/utf8"

	"github.com/agext/levenshtein"
)

// normalizeName lowercases, trims and collapses internal whitespace.
func normalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// NameSimilarity scores two activity names in [0, 1] as one minus the
// Levenshtein distance of their normalized forms divided by the longer
// length. Empty names score 0.
func NameSimilarity(a, b string) float64 {
	na, nb := normalizeName(a), normalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	longest := max(utf8.RuneCountInString(na), utf8.RuneCountInString(nb))
	dist := levenshtein.Distance(na, nb, nil)
	return 1 - float64(dist)/float64(longest)
}
