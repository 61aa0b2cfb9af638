package identity

import (
	"bytes"
	"errors"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateUnique(t *testing.T) {
	a, err := Generate(nil)
	require.NoError(t, err)
	b, err := Generate(nil)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NoError(t, a.ID.Validate())
}

func TestGenerateDerivesPeerID(t *testing.T) {
	id, err := Generate(nil)
	require.NoError(t, err)

	derived, err := peer.IDFromPrivateKey(id.PrivKey)
	require.NoError(t, err)
	assert.Equal(t, id.ID, derived)
	assert.True(t, id.ID.MatchesPublicKey(id.PubKey))
	assert.Equal(t, id.ID.String(), id.String())
}

func TestGenerateDeterministicReader(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 64)
	a, err := Generate(bytes.NewReader(seed))
	require.NoError(t, err)
	b, err := Generate(bytes.NewReader(seed))
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestGenerateEntropyFailure(t *testing.T) {
	_, err := Generate(failingReader{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entropy exhausted")
}
