// Package storage provides the durable key-value store backing the chat
// widget: serialized session history and simple preference flags, written
// through a trailing-edge debouncer so bursts of mutations (one write per
// streamed chunk) collapse into a single persisted snapshot.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound reports an absent key. Callers treat a missing key and a
// deleted key identically.
var ErrNotFound = errors.New("storage: key not found")

// KV is the narrow contract the session store persists through. Implemented
// by SQLiteKV for real runs and MemoryKV in tests.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
