package syllable

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Similarity scores how close the spoken romanization is to the expected one
// on a 0–1 scale using Jaro-Winkler over the space-joined TONE3 forms. Tones
// therefore count as single-character differences.
//
// The value feeds the correction prompt and metrics; it never decides whether
// an attempt passes.
func Similarity(expected, actual []Syllable) float64 {
	if len(expected) == 0 && len(actual) == 0 {
		return 1
	}
	return matchr.JaroWinkler(romanize(expected), romanize(actual), false)
}

func romanize(seq []Syllable) string {
	parts := make([]string, len(seq))
	for i, s := range seq {
		parts[i] = s.Romanized
	}
	return strings.Join(parts, " ")
}
