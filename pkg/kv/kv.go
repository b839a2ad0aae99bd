// Package kv defines the ordered key-value backend the solar core is written against.
//
// The contract mirrors what a Redis-class store offers natively: hashes, sets, sorted sets,
// geo sets, append-only streams, atomic pipelines and optimistic transactions over watched keys.
// Implementations live in the memstore and redisstore subpackages.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTxConflict is returned by Tx.Exec when a watched key changed after it was read.
	ErrTxConflict = errors.New("kv: transaction conflict on watched key")

	// ErrUnavailable wraps transport or connection failures talking to the backend.
	ErrUnavailable = errors.New("kv: backend unavailable")
)

// ScoredMember is a sorted set member and its score.
type ScoredMember struct {
	Member string
	Score  float64
}

// StreamEntry is a single record of an append-only stream.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// StreamStart is the position before the first entry of any stream.
const StreamStart = "0-0"

// Reader holds the read operations shared by the store and by open transactions.
type Reader interface {
	// HGetAll returns all fields of a hash. A missing key yields an empty map.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// SMembers returns the members of a set in no particular order.
	SMembers(ctx context.Context, key string) ([]string, error)

	// ZRangeByRank returns members between rank start and stop inclusive.
	// Negative ranks count from the end. With reverse set, rank 0 is the highest score.
	ZRangeByRank(ctx context.Context, key string, start, stop int64, reverse bool) ([]ScoredMember, error)

	// ZRangeByScore returns members with min <= score <= max in ascending order.
	// A negative count returns every match after offset.
	ZRangeByScore(ctx context.Context, key string, min, max float64, offset, count int64) ([]ScoredMember, error)

	// ZScore returns the score of member and whether it exists.
	ZScore(ctx context.Context, key, member string) (float64, bool, error)

	// ZCard returns the number of members of a sorted set.
	ZCard(ctx context.Context, key string) (int64, error)

	// GeoRadius returns members within radius meters of (lng, lat), nearest first.
	GeoRadius(ctx context.Context, key string, lng, lat, radius float64) ([]string, error)

	// XRange returns up to count entries strictly after the given id, oldest first.
	XRange(ctx context.Context, key, after string, count int64) ([]StreamEntry, error)

	// XRevRange returns up to count entries, newest first.
	XRevRange(ctx context.Context, key string, count int64) ([]StreamEntry, error)
}

// Pipe queues writes. Queued commands are applied together when the enclosing
// Pipelined or Exec call returns; errors surface there.
type Pipe interface {
	HSet(key string, fields map[string]string)
	Del(keys ...string)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	ZAdd(key string, members ...ScoredMember)
	ZRem(key string, members ...string)
	GeoAdd(key, member string, lng, lat float64)
	GeoRem(key string, members ...string)
	Expire(key string, ttl time.Duration)
}

// Tx is an optimistic transaction opened by Store.Watch.
type Tx interface {
	Reader

	// Exec applies the queued writes atomically, or returns ErrTxConflict
	// without applying anything when a watched key changed since Watch began.
	Exec(ctx context.Context, fn func(Pipe)) error
}

// Store is a handle to the backend. It is safe for concurrent use.
type Store interface {
	Reader

	// Pipelined applies the writes queued by fn as one atomic unit.
	Pipelined(ctx context.Context, fn func(Pipe)) error

	// Watch runs fn with the given keys watched. fn's error is returned verbatim.
	Watch(ctx context.Context, fn func(Tx) error, keys ...string) error

	// XAdd appends an entry and returns its id. A positive maxLen caps the stream approximately.
	XAdd(ctx context.Context, key string, fields map[string]string, maxLen int64) (string, error)

	// XRead waits up to block for entries after the given id. It returns an empty
	// slice when block elapses without new entries. A zero block does not wait.
	XRead(ctx context.Context, key, after string, count int64, block time.Duration) ([]StreamEntry, error)

	Ping(ctx context.Context) error
	Close() error
}
