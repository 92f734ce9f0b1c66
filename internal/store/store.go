// Package store provides the Redis key-value adapter used by all identity
// and access services.
package store

import (
	"context"
	"errors"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates that a key or hash field was not found.
	ErrNotFound = errors.New("key not found")

	// ErrClosed indicates that the store has been closed.
	ErrClosed = errors.New("store is closed")
)

// Pipe queues operations for atomic execution. All queued operations are
// applied as a single MULTI/EXEC unit by KV.Batch.
type Pipe interface {
	// HSetAll queues setting all fields of a hash.
	HSetAll(key string, fields map[string]string)

	// HDel queues deleting fields from a hash.
	HDel(key string, fields ...string)

	// SAdd queues adding members to a set.
	SAdd(key string, members ...string)

	// SRem queues removing members from a set.
	SRem(key string, members ...string)

	// Del queues deleting keys.
	Del(keys ...string)
}

// KV is the key-value store interface backing credentials, tokens,
// consumers, and authorization codes.
//
// Individual operations are atomic; multi-key sequences are not unless
// batched through Batch. Callers that need cross-entity consistency must
// either batch or tolerate partial application (see package credential).
type KV interface {
	// HSetAll sets all fields of a hash.
	HSetAll(ctx context.Context, key string, fields map[string]string) error

	// HGetAll returns all fields of a hash. A missing key yields an empty map.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HGet returns a single hash field. Returns ErrNotFound when the key or
	// field is absent.
	HGet(ctx context.Context, key, field string) (string, error)

	// HSet sets a single hash field.
	HSet(ctx context.Context, key, field, value string) error

	// HDel deletes fields from a hash.
	HDel(ctx context.Context, key string, fields ...string) error

	// Del deletes keys.
	Del(ctx context.Context, keys ...string) error

	// DelIfExists atomically deletes a key and reports whether it existed.
	// This is the conditional-delete primitive backing one-time-use
	// authorization codes: of two concurrent consumers, exactly one
	// observes true.
	DelIfExists(ctx context.Context, key string) (bool, error)

	// Exists reports whether a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// SAdd adds members to a set.
	SAdd(ctx context.Context, key string, members ...string) error

	// SRem removes members from a set.
	SRem(ctx context.Context, key string, members ...string) error

	// SMembers returns all members of a set.
	SMembers(ctx context.Context, key string) ([]string, error)

	// SIsMember reports whether a value is a member of a set.
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// Scan returns all keys matching a glob pattern. Keys are returned
	// without the store's key prefix.
	Scan(ctx context.Context, pattern string) ([]string, error)

	// Batch executes all operations queued by fn as one atomic unit.
	Batch(ctx context.Context, fn func(Pipe)) error

	// Close releases the underlying connection.
	Close() error
}
