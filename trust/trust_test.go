package trust

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meszmate/omemo-go/storage"
	"github.com/meszmate/omemo-go/storage/memory"
)

func newEngine(defaultLabel string) *Engine {
	return NewEngine(storage.NewBucket(memory.New(), "trust"), defaultLabel, nil)
}

func TestDefaultLabelOnFirstSight(t *testing.T) {
	ctx := context.Background()
	e := newEngine("undecided")
	key := []byte{1, 2, 3}

	label, err := e.Label(ctx, "alice@example.com", key)
	require.NoError(t, err)
	require.Equal(t, "undecided", label)

	level, err := e.Evaluate(ctx, "alice@example.com", key)
	require.NoError(t, err)
	require.Equal(t, Undecided, level)
}

func TestSetOverwrites(t *testing.T) {
	ctx := context.Background()
	e := newEngine("undecided")
	key := []byte{1, 2, 3}

	require.NoError(t, e.Set(ctx, "alice@example.com", key, "trusted"))
	level, err := e.Evaluate(ctx, "alice@example.com", key)
	require.NoError(t, err)
	require.Equal(t, Trusted, level)

	require.NoError(t, e.Set(ctx, "alice@example.com", key, "distrusted"))
	level, err = e.Evaluate(ctx, "alice@example.com", key)
	require.NoError(t, err)
	require.Equal(t, Distrusted, level)
}

// TestKeyedByJIDAndKey verifies entries are per (bare JID, identity
// key): the same key under another JID and another key under the same
// JID are independent.
func TestKeyedByJIDAndKey(t *testing.T) {
	ctx := context.Background()
	e := newEngine("undecided")
	keyA, keyB := []byte{1}, []byte{2}

	require.NoError(t, e.Set(ctx, "alice@example.com", keyA, "trusted"))

	level, err := e.Evaluate(ctx, "bob@example.com", keyA)
	require.NoError(t, err)
	require.Equal(t, Undecided, level)

	level, err = e.Evaluate(ctx, "alice@example.com", keyB)
	require.NoError(t, err)
	require.Equal(t, Undecided, level)
}

func TestPurgeJID(t *testing.T) {
	ctx := context.Background()
	e := newEngine("undecided")
	key := []byte{1, 2, 3}

	require.NoError(t, e.Set(ctx, "alice@example.com", key, "trusted"))
	require.NoError(t, e.Set(ctx, "bob@example.com", key, "trusted"))
	require.NoError(t, e.PurgeJID(ctx, "alice@example.com"))

	level, err := e.Evaluate(ctx, "alice@example.com", key)
	require.NoError(t, err)
	require.Equal(t, Undecided, level, "purged entry should fall back to the default")

	level, err = e.Evaluate(ctx, "bob@example.com", key)
	require.NoError(t, err)
	require.Equal(t, Trusted, level, "other JIDs keep their entries")
}

func TestCustomEvaluator(t *testing.T) {
	ctx := context.Background()
	eval := func(_ context.Context, _ string, _ []byte, label string) (Level, error) {
		if label == "verified-in-person" {
			return Trusted, nil
		}
		return Distrusted, nil
	}
	e := NewEngine(storage.NewBucket(memory.New(), "trust"), "new", eval)
	key := []byte{9}

	level, err := e.Evaluate(ctx, "alice@example.com", key)
	require.NoError(t, err)
	require.Equal(t, Distrusted, level)

	require.NoError(t, e.Set(ctx, "alice@example.com", key, "verified-in-person"))
	level, err = e.Evaluate(ctx, "alice@example.com", key)
	require.NoError(t, err)
	require.Equal(t, Trusted, level)
}
