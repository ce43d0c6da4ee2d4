package pipeline

import (
	"strings"
	"unicode"
)

// ExtractTail compares translatedFull against the committed translation at
// word granularity and returns the unseen tail plus the match ratio
// (matched prefix words over committed words). Comparison is lowercase and
// edge-punctuation-insensitive; the returned tail keeps the original casing
// and punctuation.
func ExtractTail(committed, translatedFull string) (string, float64) {
	commNorm := normalizeWords(committed)
	if len(commNorm) == 0 {
		return translatedFull, 1.0
	}
	origWords := strings.Fields(translatedFull)
	fullNorm := make([]string, len(origWords))
	for i, w := range origWords {
		fullNorm[i] = normalizeWord(w)
	}

	match := 0
	for match < len(commNorm) && match < len(fullNorm) && fullNorm[match] == commNorm[match] {
		match++
	}
	ratio := float64(match) / float64(len(commNorm))

	if match >= len(origWords) {
		return "", ratio
	}
	return strings.Join(origWords[match:], " "), ratio
}

func normalizeWords(s string) []string {
	fields := strings.Fields(s)
	out := make([]string, len(fields))
	for i, w := range fields {
		out[i] = normalizeWord(w)
	}
	return out
}

func normalizeWord(w string) string {
	return strings.ToLower(strings.TrimFunc(w, unicode.IsPunct))
}
