// Package storage defines the pluggable key-value storage contract for
// omemo-go and the typed views the core builds on top of it.
//
// The application supplies a KV implementation; the core performs only
// write-through operations against it. Keys are opaque bytes below the
// versioned "omemo:v1" prefix; the layout is stable across releases of
// the same major key-space version.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNotFound is returned by Load when no value exists for a key.
var ErrNotFound = errors.New("storage: not found")

// KV is the storage interface the application provides.
//
// Store and Delete must be durable before they return; the core never
// batches or defers writes. Load returns ErrNotFound for absent keys.
type KV interface {
	Load(ctx context.Context, key []byte) ([]byte, error)
	Store(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error

	// ListPrefix returns every key starting with prefix.
	ListPrefix(ctx context.Context, prefix []byte) ([][]byte, error)
}

// keySpaceVersion prefixes every key written by this module. Bump only
// with a migration path.
const keySpaceVersion = "omemo:v1"

// Key builds a key from escaped segments below the versioned prefix.
// Segments may contain arbitrary bytes (bare JIDs, hex key material);
// the separator can never collide with segment content.
func Key(segments ...string) []byte {
	parts := make([]string, 0, len(segments)+1)
	parts = append(parts, keySpaceVersion)
	for _, s := range segments {
		parts = append(parts, url.QueryEscape(s))
	}
	return []byte(strings.Join(parts, ":"))
}

// LastSegment decodes the final segment of a key built by Key.
func LastSegment(key []byte) (string, error) {
	parts := strings.Split(string(key), ":")
	return url.QueryUnescape(parts[len(parts)-1])
}

// Bucket is a typed view over a KV rooted at a fixed segment path.
type Bucket struct {
	kv   KV
	path []string
}

// NewBucket returns a bucket rooted at the given segments.
func NewBucket(kv KV, segments ...string) Bucket {
	return Bucket{kv: kv, path: segments}
}

// Sub returns a bucket rooted one or more segments deeper.
func (b Bucket) Sub(segments ...string) Bucket {
	path := make([]string, 0, len(b.path)+len(segments))
	path = append(path, b.path...)
	path = append(path, segments...)
	return Bucket{kv: b.kv, path: path}
}

func (b Bucket) key(segments ...string) []byte {
	return Key(append(append([]string{}, b.path...), segments...)...)
}

// Prefix returns the raw key prefix covering every key below the given
// segments.
func (b Bucket) Prefix(segments ...string) []byte {
	return append(b.key(segments...), ':')
}

// LoadBytes loads a raw value. Returns ErrNotFound when absent.
func (b Bucket) LoadBytes(ctx context.Context, segments ...string) ([]byte, error) {
	return b.kv.Load(ctx, b.key(segments...))
}

// StoreBytes writes a raw value through to the KV.
func (b Bucket) StoreBytes(ctx context.Context, value []byte, segments ...string) error {
	return b.kv.Store(ctx, b.key(segments...), value)
}

// Delete removes a value. Deleting an absent key is not an error.
func (b Bucket) Delete(ctx context.Context, segments ...string) error {
	return b.kv.Delete(ctx, b.key(segments...))
}

// LoadJSON loads and decodes a JSON value into v.
func (b Bucket) LoadJSON(ctx context.Context, v any, segments ...string) error {
	data, err := b.kv.Load(ctx, b.key(segments...))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("storage: decoding %q: %w", b.key(segments...), err)
	}
	return nil
}

// StoreJSON encodes v as JSON and writes it through.
func (b Bucket) StoreJSON(ctx context.Context, v any, segments ...string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: encoding %q: %w", b.key(segments...), err)
	}
	return b.kv.Store(ctx, b.key(segments...), data)
}

// ListKeys returns the raw keys below the bucket's prefix extended by
// the given segments.
func (b Bucket) ListKeys(ctx context.Context, segments ...string) ([][]byte, error) {
	return b.kv.ListPrefix(ctx, b.Prefix(segments...))
}

// DeletePrefix removes every key below the bucket's prefix extended by
// the given segments. Deletion is per-key; the KV guarantees durability
// per operation, the caller guarantees no concurrent writers.
func (b Bucket) DeletePrefix(ctx context.Context, segments ...string) error {
	keys, err := b.ListKeys(ctx, segments...)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := b.kv.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}
