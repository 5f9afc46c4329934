// Package redis provides a Redis-backed implementation of the storage
// contract, for hosted deployments that keep OMEMO state server-side.
package redis

import (
	"context"
	"fmt"

	"github.com/meszmate/omemo-go/storage"

	"github.com/redis/go-redis/v9"
)

// KV implements storage.KV on a Redis client.
type KV struct {
	rdb *redis.Client
}

// New creates a Redis-backed KV.
func New(opts *redis.Options) *KV {
	return &KV{rdb: redis.NewClient(opts)}
}

// Ping verifies connectivity.
func (k *KV) Ping(ctx context.Context) error {
	return k.rdb.Ping(ctx).Err()
}

// Close closes the underlying client.
func (k *KV) Close() error { return k.rdb.Close() }

func (k *KV) Load(ctx context.Context, key []byte) ([]byte, error) {
	data, err := k.rdb.Get(ctx, string(key)).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: load: %w", err)
	}
	return data, nil
}

func (k *KV) Store(ctx context.Context, key, value []byte) error {
	if err := k.rdb.Set(ctx, string(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis: store: %w", err)
	}
	return nil
}

func (k *KV) Delete(ctx context.Context, key []byte) error {
	if err := k.rdb.Del(ctx, string(key)).Err(); err != nil {
		return fmt.Errorf("redis: delete: %w", err)
	}
	return nil
}

func (k *KV) ListPrefix(ctx context.Context, prefix []byte) ([][]byte, error) {
	pattern := escapeGlob(string(prefix)) + "*"
	var keys [][]byte
	iter := k.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, []byte(iter.Val()))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis: list: %w", err)
	}
	return keys, nil
}

// escapeGlob escapes SCAN glob metacharacters in a literal prefix.
func escapeGlob(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
