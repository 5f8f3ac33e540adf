package store

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/signing"
)

func TestSecretCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	kek := make([]byte, 32)
	_, err := rand.Read(kek)
	require.NoError(t, err)

	cache, err := OpenSecretCache(dir, kek)
	require.NoError(t, err)
	defer cache.Close()

	var k, chi secp256k1.ModNScalar
	k.SetInt(7)
	chi.SetInt(11)

	id := uuid.New()
	err = cache.PutShare(context.Background(), &signing.Share{PresigID: id, K: k, Chi: chi})
	require.NoError(t, err)

	got, err := cache.GetShare(context.Background(), id)
	require.NoError(t, err)
	require.True(t, got.K.Equals(&k))
	require.True(t, got.Chi.Equals(&chi))

	require.NoError(t, cache.DeleteShare(context.Background(), id))
	_, err = cache.GetShare(context.Background(), id)
	require.Error(t, err)
}
