package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentHashIsDeterministic(t *testing.T) {
	a := ContentHash("Apple Inc.", "relstore://chunk/c1", 10, 20)
	b := ContentHash("Apple Inc.", "relstore://chunk/c1", 10, 20)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
}

func TestContentHashVariesWithEveryField(t *testing.T) {
	base := ContentHash("Apple Inc.", "relstore://chunk/c1", 10, 20)
	assert.NotEqual(t, base, ContentHash("Apple Corp.", "relstore://chunk/c1", 10, 20))
	assert.NotEqual(t, base, ContentHash("Apple Inc.", "relstore://chunk/c2", 10, 20))
	assert.NotEqual(t, base, ContentHash("Apple Inc.", "relstore://chunk/c1", 11, 20))
	assert.NotEqual(t, base, ContentHash("Apple Inc.", "relstore://chunk/c1", 10, 21))
}

func TestNormalizeName(t *testing.T) {
	cases := map[string]string{
		"Apple Inc.":      "apple inc",
		"  APPLE   inc  ": "apple inc",
		"O'Brien & Sons":  "obrien sons",
		"apple inc":       "apple inc",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeName(in), in)
	}
}

func TestNewIDCarriesPrefix(t *testing.T) {
	id := NewID("ent")
	assert.True(t, strings.HasPrefix(id, "ent_"))
	assert.NotEqual(t, id, NewID("ent"))
}
