package rag

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var unsafeQueryChars = regexp.MustCompile(`[^\p{L}\p{M}\p{N}\s]+`)

// SanitizeQuery turns free text into a conjunctive tsquery such as
// "alpha & beta". It returns "" when no token longer than one rune survives.
func SanitizeQuery(text string) string {
	text = unsafeQueryChars.ReplaceAllString(strings.ToLower(text), " ")
	var tokens []string
	for _, tok := range strings.Fields(text) {
		if utf8.RuneCountInString(tok) > 1 {
			tokens = append(tokens, tok)
		}
	}
	return strings.Join(tokens, " & ")
}
