package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/meszmate/omemo-go/storage"
)

func newTestKV(t *testing.T) *KV {
	t.Helper()
	kv, err := New(filepath.Join(t.TempDir(), "omemo.db"))
	if err != nil {
		t.Fatal("opening sqlite:", err)
	}
	t.Cleanup(func() { kv.Close() })
	return kv
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)

	if _, err := kv.Load(ctx, []byte("missing")); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Load(missing) = %v, want ErrNotFound", err)
	}

	if err := kv.Store(ctx, []byte("k"), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	// Upsert overwrites.
	if err := kv.Store(ctx, []byte("k"), []byte("v2")); err != nil {
		t.Fatal(err)
	}
	got, err := kv.Load(ctx, []byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v2" {
		t.Errorf("Load = %q, want %q", got, "v2")
	}

	if err := kv.Delete(ctx, []byte("k")); err != nil {
		t.Fatal(err)
	}
	if _, err := kv.Load(ctx, []byte("k")); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Load after delete = %v, want ErrNotFound", err)
	}
}

func TestListPrefix(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)

	for _, k := range []string{"omemo:v1:a:1", "omemo:v1:a:2", "omemo:v1:b:1"} {
		if err := kv.Store(ctx, []byte(k), []byte("v")); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := kv.ListPrefix(ctx, []byte("omemo:v1:a:"))
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("ListPrefix = %d keys, want 2", len(keys))
	}

	// Binary prefixes ending in 0xFF still range correctly.
	if err := kv.Store(ctx, []byte{0xFF, 0x01}, []byte("v")); err != nil {
		t.Fatal(err)
	}
	keys, err = kv.ListPrefix(ctx, []byte{0xFF})
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 {
		t.Errorf("ListPrefix(0xFF) = %d keys, want 1", len(keys))
	}
}
