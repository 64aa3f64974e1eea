package similarity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSimilar_PizzaPizzyScenario(t *testing.T) {
	assert.True(t, Similar("pizzy", "pizza"))
}

func TestSimilar_ExactMatchIsNotSimilar(t *testing.T) {
	assert.False(t, Similar("apple", "apple"))
}

func TestSimilar_TooShortGuessIsNeverSimilar(t *testing.T) {
	assert.False(t, Similar("ax", "cat"))
}

func TestSimilar_LengthGateRejectsFarApartLengths(t *testing.T) {
	assert.False(t, Similar("cats", "caterpillar"))
}

func TestSimilar_DistanceTwoIsNotSimilar(t *testing.T) {
	assert.False(t, Similar("xyzzy", "pizza"))
}

func TestSimilar_CaseInsensitiveAndTrimmed(t *testing.T) {
	assert.True(t, Similar("  PIZZY ", "pizza"))
}

func TestLevenshtein_InsertionAndDeletion(t *testing.T) {
	assert.Equal(t, 1, levenshtein("cat", "cats"))
	assert.Equal(t, 1, levenshtein("cats", "cat"))
}
