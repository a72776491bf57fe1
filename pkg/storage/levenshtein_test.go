package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevenshteinIdentical(t *testing.T) {
	assert.Equal(t, 0, levenshtein("person", "person"))
}

func TestLevenshteinSingleEdit(t *testing.T) {
	assert.Equal(t, 1, levenshtein("person", "persom"))
	assert.Equal(t, 1, levenshtein("person", "persons"))
}

func TestNearestMatchFindsCloseCandidate(t *testing.T) {
	got, ok := nearestMatch("Persn", []string{"Person", "Organization", "Concept"}, 3)
	assert.True(t, ok)
	assert.Equal(t, "Person", got)
}

func TestNearestMatchRejectsFarCandidate(t *testing.T) {
	_, ok := nearestMatch("Xyzzy", []string{"Person", "Organization"}, 3)
	assert.False(t, ok)
}
