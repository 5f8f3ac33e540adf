package dkg

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	kek := make([]byte, 32)
	_, err := rand.Read(kek)
	require.NoError(t, err)

	plaintext := make([]byte, 32)
	_, err = rand.Read(plaintext)
	require.NoError(t, err)

	wrapped, err := WrapKey(kek, plaintext)
	require.NoError(t, err)
	require.Len(t, wrapped, 40)

	unwrapped, err := UnwrapKey(kek, wrapped)
	require.NoError(t, err)
	require.True(t, bytes.Equal(plaintext, unwrapped))
}

func TestUnwrapDetectsTamper(t *testing.T) {
	kek := make([]byte, 32)
	_, err := rand.Read(kek)
	require.NoError(t, err)
	plaintext := make([]byte, 16)
	_, err = rand.Read(plaintext)
	require.NoError(t, err)

	wrapped, err := WrapKey(kek, plaintext)
	require.NoError(t, err)
	wrapped[len(wrapped)-1] ^= 0xFF

	_, err = UnwrapKey(kek, wrapped)
	require.Error(t, err)
}

func TestWrapRejectsShortPlaintext(t *testing.T) {
	kek := make([]byte, 32)
	_, err := WrapKey(kek, make([]byte, 8))
	require.Error(t, err)
}
