// Package repository provides the durable key/value stores that back the
// execution registry and the completion tracker.
package repository

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("key not found")

// KeyValueStore abstracts persistence so callers don't need to know whether
// values live in memory, on disk, in SQLite, PostgreSQL or Redis.
// Implementations must be safe for concurrent use. Any call may fail
// transiently; callers decide whether to degrade or retry.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Update(ctx context.Context, key string, value []byte) error
	Close() error
}

// GetOrDefault returns the stored value for key, or def when the key is
// missing. Other errors are returned with def.
func GetOrDefault(ctx context.Context, s KeyValueStore, key string, def []byte) ([]byte, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	return v, nil
}
