// Package broker defines the Event Bus Client: the pub/sub and key/value
// primitives the task engine, notifier, agent bridge, and discovery
// publisher use to talk to workers and out-of-band agents. Two backends
// satisfy the same interface: a Redis-backed one for production and an
// in-process one for tests.
package broker

import (
	"context"
	"time"
)

// KV is one blocking-pop result: the key it came off of and its value.
type KV struct {
	Key   string
	Value string
}

// Broker is the namespaced command surface described by the broker key
// namespace table: pub/sub, blocking lists, hashes, and sets.
type Broker interface {
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)

	RPush(ctx context.Context, key string, value string) error
	// BLPop blocks up to timeout for a value on key. Returns (nil, nil) on
	// timeout, never an error for the timeout case itself.
	BLPop(ctx context.Context, key string, timeout time.Duration) (*KV, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	Delete(ctx context.Context, key string) error

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HDel(ctx context.Context, key, field string) error
	HKeys(ctx context.Context, key string) ([]string, error)

	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	Close() error
}
