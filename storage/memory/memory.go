// Package memory provides an in-memory implementation of the storage
// contract, intended for tests and ephemeral sessions.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/meszmate/omemo-go/storage"
)

// KV is an in-memory implementation of storage.KV.
type KV struct {
	mu   sync.RWMutex
	data map[string][]byte

	// FailWrites makes every Store/Delete fail with the given error.
	// Tests use it to exercise commit-failure paths.
	FailWrites error
}

// New creates an empty in-memory KV.
func New() *KV {
	return &KV{data: make(map[string][]byte)}
}

func (k *KV) Load(_ context.Context, key []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.data[string(key)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (k *KV) Store(_ context.Context, key, value []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.FailWrites != nil {
		return k.FailWrites
	}
	v := make([]byte, len(value))
	copy(v, value)
	k.data[string(key)] = v
	return nil
}

func (k *KV) Delete(_ context.Context, key []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.FailWrites != nil {
		return k.FailWrites
	}
	delete(k.data, string(key))
	return nil
}

func (k *KV) ListPrefix(_ context.Context, prefix []byte) ([][]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var keys [][]byte
	for key := range k.data {
		if bytes.HasPrefix([]byte(key), prefix) {
			keys = append(keys, []byte(key))
		}
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	return keys, nil
}

// Len returns the number of stored keys.
func (k *KV) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.data)
}
