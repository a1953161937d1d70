// Package cache provides durable storage for fetched block and entity payloads.
// Supports a local file backend and a Redis backend for sharing one cache
// between hosts.
package cache

import (
	"context"
	"errors"
	"time"

	"guidefetch/internal/core"
)

// ErrCorrupt is returned when a stored entry cannot be decoded or fails its
// checksum. Callers treat it like a miss.
var ErrCorrupt = errors.New("cache entry corrupt")

// Entry is a cached payload.
type Entry struct {
	Key       core.Key
	Payload   []byte
	FetchedAt time.Time
}

// Meta describes a stored entry without its payload.
type Meta struct {
	Key       core.Key
	FetchedAt time.Time
	// Size is the stored (compressed) size in bytes.
	Size int64
	// Corrupt is set when the entry header could not be decoded.
	Corrupt bool
}

// Age returns how old the entry is at now.
func (m Meta) Age(now time.Time) time.Duration {
	return now.Sub(m.FetchedAt)
}

// Store defines the interface for payload storage.
// Implementations must be safe for concurrent use. Writes to a single key are
// serialized and atomic: readers observe either the previous or the new entry.
type Store interface {
	// Get retrieves an entry.
	// Returns nil, nil if the key is not cached.
	Get(ctx context.Context, key core.Key) (*Entry, error)

	// Stat returns entry metadata without decoding the payload.
	// Returns nil, nil if the key is not cached.
	Stat(ctx context.Context, key core.Key) (*Meta, error)

	// Put stores an entry, replacing any previous one.
	Put(ctx context.Context, entry *Entry) error

	// Delete removes an entry. Deleting a missing key is not an error.
	Delete(ctx context.Context, key core.Key) error

	// List returns metadata for every entry of a category.
	List(ctx context.Context, category core.Category) ([]Meta, error)

	// Close releases any resources held by the store.
	Close() error
}
