package automod

import (
	"unicode"
	"unicode/utf8"
)

// CheckCaps reports whether text is shouting: at least cfg.MinLength
// characters, with uppercase letters making up at least cfg.CapsPercentage
// percent of all characters. Uppercase is any Unicode uppercase letter, so
// Ä, Ö, Ü and other non-ASCII capitals count.
func CheckCaps(text string, cfg CapsConfig) bool {
	n := utf8.RuneCountInString(text)
	if n == 0 || n < cfg.MinLength {
		return false
	}
	upper := 0
	for _, r := range text {
		if unicode.IsUpper(r) {
			upper++
		}
	}
	// upper/n*100 >= pct, kept in products so integer boundaries are exact.
	return float64(upper)*100 >= cfg.CapsPercentage*float64(n)
}

// CapsRatio returns the uppercase share of text in percent.
func CapsRatio(text string) float64 {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	upper := 0
	for _, r := range text {
		if unicode.IsUpper(r) {
			upper++
		}
	}
	return float64(upper) / float64(n) * 100
}
