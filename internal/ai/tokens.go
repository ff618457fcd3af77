package ai

import (
	"math"
	"strings"
)

func isCJK(r rune) bool {
	return (r >= 0x3040 && r <= 0x309F) || // hiragana
		(r >= 0x30A0 && r <= 0x30FF) || // katakana
		(r >= 0x4E00 && r <= 0x9FAF)
}

func isASCIIAlphaWord(w string) bool {
	if w == "" {
		return false
	}
	for i := 0; i < len(w); i++ {
		c := w[i]
		if !(c >= 'a' && c <= 'z') && !(c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}

// EstimateTokens is a rough display-only count for mixed Japanese/English
// text. The authoritative number comes from the model's usage report.
func EstimateTokens(text string) int {
	var chars, cjk int
	for _, r := range text {
		chars++
		if isCJK(r) {
			cjk++
		}
	}
	words := 0
	for _, w := range strings.Fields(text) {
		if isASCIIAlphaWord(w) {
			words++
		}
	}
	est := float64(cjk) + float64(words)*1.3 + float64(chars-cjk)*0.75
	return int(math.Ceil(est))
}
