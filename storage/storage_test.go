package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meszmate/omemo-go/storage"
	"github.com/meszmate/omemo-go/storage/memory"
)

func TestKeyEscapesSeparators(t *testing.T) {
	// A segment containing the separator must not collide with a
	// deeper path.
	a := storage.Key("sessions", "ns", "evil:jid", "1")
	b := storage.Key("sessions", "ns", "evil", "jid:1")
	require.NotEqual(t, string(a), string(b))

	last, err := storage.LastSegment(a)
	require.NoError(t, err)
	require.Equal(t, "1", last)
}

func TestBucketRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := memory.New()
	bucket := storage.NewBucket(kv, "devices")

	type record struct {
		Label  string `json:"label"`
		Active bool   `json:"active"`
	}
	in := record{Label: "laptop", Active: true}
	require.NoError(t, bucket.StoreJSON(ctx, in, "alice@example.com"))

	var out record
	require.NoError(t, bucket.LoadJSON(ctx, &out, "alice@example.com"))
	require.Equal(t, in, out)

	err := bucket.LoadJSON(ctx, &out, "bob@example.com")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBucketPrefixOps(t *testing.T) {
	ctx := context.Background()
	kv := memory.New()
	sessions := storage.NewBucket(kv, "sessions")

	require.NoError(t, sessions.StoreBytes(ctx, []byte("a"), "ns1", "alice@example.com", "1"))
	require.NoError(t, sessions.StoreBytes(ctx, []byte("b"), "ns1", "alice@example.com", "2"))
	require.NoError(t, sessions.StoreBytes(ctx, []byte("c"), "ns1", "bob@example.com", "1"))

	keys, err := sessions.ListKeys(ctx, "ns1", "alice@example.com")
	require.NoError(t, err)
	require.Len(t, keys, 2)

	require.NoError(t, sessions.DeletePrefix(ctx, "ns1", "alice@example.com"))
	keys, err = sessions.ListKeys(ctx, "ns1", "alice@example.com")
	require.NoError(t, err)
	require.Empty(t, keys)

	_, err = sessions.LoadBytes(ctx, "ns1", "bob@example.com", "1")
	require.NoError(t, err, "other JIDs' sessions survive the prefix delete")
}

func TestSubBucket(t *testing.T) {
	ctx := context.Background()
	kv := memory.New()
	root := storage.NewBucket(kv, "meta")
	sub := root.Sub("rotation")

	require.NoError(t, sub.StoreJSON(ctx, int64(42), "ns1"))
	var v int64
	require.NoError(t, root.LoadJSON(ctx, &v, "rotation", "ns1"))
	require.Equal(t, int64(42), v)
}
