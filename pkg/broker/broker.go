// Package broker declares the narrow capability surface the bus needs from
// a stream store. Any implementation providing these operations can host the
// bus; the canonical one lives in pkg/redis.
package broker

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by implementations after Close has been called.
var ErrClosed = errors.New("broker client is closed")

// Entry is one stream record: a broker-assigned id plus the field map the
// producer wrote.
type Entry struct {
	ID     string
	Fields map[string]interface{}
}

// Client is the operation set the bus is built on. Blocking reads respect
// both the passed context and the block duration, whichever ends first.
type Client interface {
	// EnsureGroup creates the stream and consumer group if either is
	// missing. Calling it for an existing group is not an error.
	EnsureGroup(ctx context.Context, stream, group string) error

	// Append writes one entry and trims the stream to roughly maxLen
	// entries. It returns the broker-assigned entry id.
	Append(ctx context.Context, stream string, fields map[string]interface{}, maxLen int64) (string, error)

	// Exists reports whether the stream key is present.
	Exists(ctx context.Context, stream string) (bool, error)

	// ReadGroup returns never-before-delivered entries for the group,
	// blocking up to block before returning empty. The cursor is usually
	// ">" for new entries.
	ReadGroup(ctx context.Context, group, consumer, stream, cursor string, count int64, block time.Duration) ([]Entry, error)

	// Read tails the stream without a group, starting after fromID.
	Read(ctx context.Context, stream, fromID string, count int64, block time.Duration) ([]Entry, error)

	// LastID returns the id of the newest entry on the stream, or "0-0"
	// when the stream is empty or missing. Tail loops pin their starting
	// cursor with it so entries arriving between reads are never skipped.
	LastID(ctx context.Context, stream string) (string, error)

	// Range returns entries between from and to in insertion order.
	Range(ctx context.Context, stream, from, to string, count int64) ([]Entry, error)

	// Ack acknowledges delivered entries for the group.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// ScanKeys returns every key matching the glob pattern.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)

	// SetAdd adds member to a set, reporting whether it was newly added.
	SetAdd(ctx context.Context, key, member string) (bool, error)

	// SetRemove removes member from a set.
	SetRemove(ctx context.Context, key, member string) error

	// SetContains reports whether member is in the set.
	SetContains(ctx context.Context, key, member string) (bool, error)

	// SetMembers returns all members of the set.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// MapSet writes fields into the hash at key.
	MapSet(ctx context.Context, key string, fields map[string]string) error

	// MapGet returns all fields of the hash at key.
	MapGet(ctx context.Context, key string) (map[string]string, error)

	// MapDelete removes the hash at key.
	MapDelete(ctx context.Context, key string) error

	// Close releases the underlying connections. Further calls on the
	// client return ErrClosed.
	Close() error
}
