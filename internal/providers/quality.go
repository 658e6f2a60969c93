package providers

import (
	"regexp"
	"strings"
)

// TextQuality scores extracted text in [0,1]: printable and alphanumeric
// ratios up, replacement characters and unusual bytes down, with a bonus
// for sentence-like structure. Providers attach it as object confidence
// when they have no better signal.
func TextQuality(text string) float64 {
	if len(text) == 0 {
		return 0.0
	}
	text = strings.TrimSpace(text)
	if len(text) < 10 {
		return 0.1
	}

	var alphanumeric, printable, corrupted int
	for _, r := range text {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			alphanumeric++
			printable++
		case r == ' ' || r == '\n' || r == '\t':
			printable++
		case r == '.' || r == ',' || r == ';' || r == ':' || r == '!' || r == '?' || r == '-' || r == '_':
			printable++
		case r == '�':
			corrupted++
		case r >= 32 && r <= 126:
			printable++
		default:
			if r > 127 && !isCommonUnicodeChar(r) {
				corrupted++
			} else {
				printable++
			}
		}
	}

	total := len([]rune(text))
	if total == 0 {
		return 0.0
	}

	alphanumericRatio := float64(alphanumeric) / float64(total)
	printableRatio := float64(printable) / float64(total)
	corruptedRatio := float64(corrupted) / float64(total)

	score := printableRatio * 0.4
	if alphanumericRatio >= 0.3 {
		score += 0.3
	} else {
		score += alphanumericRatio
	}
	score -= corruptedRatio * 2.0
	if len(text) > 100 {
		score += 0.1
	}
	if hasGoodPatterns(text) {
		score += 0.2
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

func isCommonUnicodeChar(r rune) bool {
	common := []rune{'—', '“', '”', '‘', '’', '…', '€', '£', '¥', '©', '®', '™'}
	for _, c := range common {
		if r == c {
			return true
		}
	}
	return false
}

var goodTextPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b[A-Z][a-z]+\b`),
	regexp.MustCompile(`\b\d{1,3}[,.]?\d{3}\b`),
	regexp.MustCompile(`[.!?]\s+[A-Z]`),
	regexp.MustCompile(`\b(the|and|or|of|to|in|for|with|on|at|by|from)\b`),
}

func hasGoodPatterns(text string) bool {
	matches := 0
	for _, pattern := range goodTextPatterns {
		if pattern.MatchString(text) {
			matches++
		}
	}
	return matches >= 3
}

// DetectLanguage is a cheap stopword heuristic; "unknown" is a valid answer.
func DetectLanguage(text string) string {
	lowerText := strings.ToLower(text)

	englishWords := []string{"the", "and", "or", "of", "to", "in", "for", "with", "on", "at"}
	englishCount := 0
	for _, word := range englishWords {
		englishCount += strings.Count(lowerText, " "+word+" ")
	}
	if englishCount > 10 {
		return "en"
	}
	return "unknown"
}
