// Package tokenizer splits mirror text fields into index terms. Content is
// multilingual, so terms are only lower-cased: no stemming and no stop-word
// removal.
package tokenizer

import (
	"strings"
	"unicode"
)

// Token represents a single normalised term and its position in the
// original text.
type Token struct {
	Term     string
	Position int
}

// Tokenize lower-cases text and splits it on every rune that is neither a
// letter, a digit nor a combining mark.
func Tokenize(text string) []Token {
	words := strings.FieldsFunc(strings.ToLower(text), isSeparator)
	tokens := make([]Token, 0, len(words))
	for pos, word := range words {
		tokens = append(tokens, Token{
			Term:     word,
			Position: pos,
		})
	}
	return tokens
}

// Terms returns the distinct terms of text with their frequencies.
func Terms(text string) map[string]int {
	freq := make(map[string]int)
	for _, tok := range Tokenize(text) {
		freq[tok.Term]++
	}
	return freq
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.Is(unicode.Mn, r)
}
