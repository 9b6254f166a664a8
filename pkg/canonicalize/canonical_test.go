package canonicalize_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tillerworks/tiller/pkg/canonicalize"
)

func TestCanonicalSortsKeys(t *testing.T) {
	out, err := canonicalize.Canonical(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, string(out))
}

func TestHashStableAcrossCalls(t *testing.T) {
	v := map[string]any{"mission_id": "m-1", "steps": []string{"plan", "apply"}}

	h1, err := canonicalize.Hash(v)
	require.NoError(t, err)
	h2, err := canonicalize.Hash(v)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHashIgnoresMapOrder(t *testing.T) {
	h1, err := canonicalize.Hash(map[string]any{"x": "1", "y": "2"})
	require.NoError(t, err)
	h2, err := canonicalize.Hash(map[string]any{"y": "2", "x": "1"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestShortHashLength(t *testing.T) {
	h, err := canonicalize.ShortHash("seed")
	require.NoError(t, err)
	assert.Len(t, h, 16)
}

func TestCanonicalRejectsUnmarshalable(t *testing.T) {
	_, err := canonicalize.Canonical(make(chan int))
	assert.Error(t, err)
}
