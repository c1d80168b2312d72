package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	multiSpace  = regexp.MustCompile(`[ \t\x{3000}\x{00a0}]+`)
	blankLines  = regexp.MustCompile(`\n{3,}`)
	pageMarkers = regexp.MustCompile(`^(第\s*\d+\s*页(\s*共\s*\d+\s*页)?|-\s*\d+\s*-|Page \d+( of \d+)?)$`)
)

// CleanText normalizes extracted text while keeping its line structure. Headings
// and bullets keep their markers, page number lines are dropped, and blank runs are
// collapsed to one empty line.
func CleanText(content string) string {
	if content == "" {
		return ""
	}

	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	content = strings.ReplaceAll(content, "\f", "\n")

	lines := strings.Split(content, "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		cleaned = append(cleaned, cleanLine(line))
	}

	result := strings.Join(cleaned, "\n")
	result = blankLines.ReplaceAllString(result, "\n\n")
	return strings.TrimSpace(result)
}

func cleanLine(line string) string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || pageMarkers.MatchString(trimmed) {
		return ""
	}
	if strings.HasPrefix(trimmed, "#") || isBulletLine(trimmed) {
		return trimmed
	}
	return multiSpace.ReplaceAllString(trimmed, " ")
}

func isBulletLine(line string) bool {
	return strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") ||
		strings.HasPrefix(line, "• ") || strings.HasPrefix(line, "· ")
}

// Hash returns the SHA-256 hex digest of content
func Hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Truncate cuts text to at most maxRunes runes
func Truncate(text string, maxRunes int) string {
	if maxRunes <= 0 {
		return text
	}
	r := []rune(text)
	if len(r) <= maxRunes {
		return text
	}
	return string(r[:maxRunes])
}
