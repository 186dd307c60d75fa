package store

import (
	"strings"
	"unicode"
)

// Tokenize splits text on Unicode word breaks and lowercases every token.
// Stopword removal is deliberately disabled: queries over prose lose too
// much signal when common words vanish.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		tokens = append(tokens, strings.ToLower(f))
	}
	return tokens
}
