package identity

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meszmate/omemo-go/backend"
	"github.com/meszmate/omemo-go/storage"
	"github.com/meszmate/omemo-go/storage/memory"
)

func TestLoadCreatesAndReloads(t *testing.T) {
	ctx := context.Background()
	kv := memory.New()
	bucket := storage.NewBucket(kv, "identity")

	kp, created, err := Load(ctx, bucket)
	require.NoError(t, err)
	require.True(t, created)
	require.True(t, kp.IsEd())
	require.Len(t, kp.PublicEd(), ed25519.PublicKeySize)
	require.Len(t, kp.PublicMont(), 32)

	reloaded, created, err := Load(ctx, bucket)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, kp.PublicEd(), reloaded.PublicEd())
	require.Equal(t, kp.PublicMont(), reloaded.PublicMont())
	require.Equal(t, kp.Fingerprint(), reloaded.Fingerprint())
}

// TestMontgomeryConversionAgreement checks the birational map: the
// Curve25519 public key derived from the scalar must equal the one
// converted from the Ed25519 public key.
func TestMontgomeryConversionAgreement(t *testing.T) {
	ctx := context.Background()
	kp, _, err := Load(ctx, storage.NewBucket(memory.New(), "identity"))
	require.NoError(t, err)

	converted, err := MontgomeryFromEd(kp.PublicEd())
	require.NoError(t, err)
	require.Equal(t, kp.PublicMont(), converted)
}

func TestSecretForFormats(t *testing.T) {
	ctx := context.Background()
	kp, _, err := Load(ctx, storage.NewBucket(memory.New(), "identity"))
	require.NoError(t, err)

	seed, err := kp.SecretFor(backend.FormatEd)
	require.NoError(t, err)
	require.Len(t, seed, ed25519.SeedSize)

	flexible, err := kp.SecretFor(backend.FormatFlexible)
	require.NoError(t, err)
	require.Equal(t, seed, flexible)

	scalar, err := kp.SecretFor(backend.FormatMont)
	require.NoError(t, err)
	require.Len(t, scalar, 32)
}

func TestLegacyMontOnlyKey(t *testing.T) {
	ctx := context.Background()
	kv := memory.New()
	bucket := storage.NewBucket(kv, "identity")

	// A historical installation stored only the Curve25519 scalar.
	scalar := make([]byte, 32)
	scalar[0] = 0x40
	require.NoError(t, bucket.StoreBytes(ctx, scalar, "secret"))
	require.NoError(t, bucket.StoreBytes(ctx, []byte("curve25519-scalar"), "format"))

	kp, created, err := Load(ctx, bucket)
	require.NoError(t, err)
	require.False(t, created)
	require.False(t, kp.IsEd())
	require.Nil(t, kp.PublicEd())

	_, err = kp.SecretFor(backend.FormatEd)
	require.ErrorIs(t, err, ErrFormatIncompatible)

	_, err = kp.SecretFor(backend.FormatMont)
	require.NoError(t, err)

	// Regeneration replaces it with an Ed25519 seed.
	fresh, err := Generate(ctx, bucket)
	require.NoError(t, err)
	require.True(t, fresh.IsEd())
	reloaded, created, err := Load(ctx, bucket)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, fresh.PublicEd(), reloaded.PublicEd())
}
