package sha256

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasher_Deterministic(t *testing.T) {
	t.Parallel()
	h := New()
	a, err := h.Hash([]byte("market rise today"))
	require.NoError(t, err)
	b, err := h.Hash([]byte("market rise today"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestHasher_DistinctInputs(t *testing.T) {
	t.Parallel()
	h := New()
	a, err := h.Hash([]byte("one"))
	require.NoError(t, err)
	b, err := h.Hash([]byte("two"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
