// Package strcase converts identifiers between casing conventions. It is
// used to turn Go struct field names into the snake_case names clients see
// in validation messages.
package strcase

import (
	"strings"
	"unicode"
)

// ToLowerSnake converts a string to snake_case. Initialisms are kept
// together, so HTTPServer becomes http_server and userID becomes user_id.
func ToLowerSnake(s string) string {
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(s))

	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			var next rune
			if i+1 < len(runes) {
				next = runes[i+1]
			}

			// Boundary either after a lower/digit run or between an
			// acronym and the word that follows it.
			if unicode.IsLower(prev) || unicode.IsDigit(prev) {
				b.WriteRune('_')
			} else if unicode.IsUpper(prev) && next != 0 && unicode.IsLower(next) {
				b.WriteRune('_')
			}
		}

		b.WriteRune(unicode.ToLower(r))
	}

	return b.String()
}
