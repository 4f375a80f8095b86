package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	tokens := Tokenize("Hello, World! Perché l'acqua è 42°")
	terms := make([]string, 0, len(tokens))
	for i, tok := range tokens {
		assert.Equal(t, i, tok.Position)
		terms = append(terms, tok.Term)
	}
	assert.Equal(t, []string{"hello", "world", "perché", "l", "acqua", "è", "42"}, terms)
}

func TestTokenizeEmpty(t *testing.T) {
	assert.Empty(t, Tokenize(""))
	assert.Empty(t, Tokenize(" ,.;  "))
}

func TestTerms(t *testing.T) {
	assert.Equal(t, map[string]int{"the": 2, "cat": 1, "hat": 1}, Terms("The cat, the HAT"))
}
