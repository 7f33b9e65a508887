package content

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"
)

var (
	horizontalSpace    = regexp.MustCompile(`[ \t\f\v\p{Zs}]+`)
	spaceAroundNewline = regexp.MustCompile(` ?\n ?`)
	manyNewlines       = regexp.MustCompile(`\n{3,}`)
)

// CleanText normalizes line endings, drops control characters and collapses
// whitespace. Paragraph breaks survive as a single blank line.
func CleanText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r == '\uFEFF' || unicode.IsControl(r):
			return -1
		}
		return r
	}, text)
	text = horizontalSpace.ReplaceAllString(text, " ")
	text = spaceAroundNewline.ReplaceAllString(text, "\n")
	text = manyNewlines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// CalculateHash returns the hex SHA-256 of text.
func CalculateHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
