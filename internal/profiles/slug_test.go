package profiles

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSlug(t *testing.T) {
	cases := map[string]string{
		"alice":             "alice",
		"Alice Example":     "alice-example",
		"  Crème Brûlée!! ": "creme-brulee",
		"a__b--c":           "a-b-c",
		"Ünïcödé 2024":      "unicode-2024",
	}
	for in, want := range cases {
		got, err := NormalizeSlug(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestNormalizeSlugRejectsEmpty(t *testing.T) {
	_, err := NormalizeSlug("!!!")
	assert.ErrorIs(t, err, ErrInvalidProfile)
}
