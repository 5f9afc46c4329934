package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/meszmate/omemo-go/storage"
)

func TestLoadStoreDelete(t *testing.T) {
	ctx := context.Background()
	kv := New()

	if _, err := kv.Load(ctx, []byte("missing")); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Load(missing) = %v, want ErrNotFound", err)
	}

	if err := kv.Store(ctx, []byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	got, err := kv.Load(ctx, []byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v" {
		t.Errorf("Load = %q, want %q", got, "v")
	}

	// The returned slice is a copy; mutating it must not affect the
	// stored value.
	got[0] = 'x'
	got, err = kv.Load(ctx, []byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v" {
		t.Errorf("stored value mutated through returned slice")
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
	kv := New()
	for _, k := range []string{"a:1", "a:2", "b:1"} {
		if err := kv.Store(ctx, []byte(k), []byte("v")); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := kv.ListPrefix(ctx, []byte("a:"))
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("ListPrefix = %d keys, want 2", len(keys))
	}
	if string(keys[0]) != "a:1" || string(keys[1]) != "a:2" {
		t.Errorf("ListPrefix order = %q, %q", keys[0], keys[1])
	}
}

func TestFailWrites(t *testing.T) {
	ctx := context.Background()
	kv := New()
	boom := errors.New("disk full")
	kv.FailWrites = boom

	if err := kv.Store(ctx, []byte("k"), []byte("v")); !errors.Is(err, boom) {
		t.Errorf("Store = %v, want injected error", err)
	}
	if err := kv.Delete(ctx, []byte("k")); !errors.Is(err, boom) {
		t.Errorf("Delete = %v, want injected error", err)
	}
}
