package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroker implements Broker against a live Redis (or Redis-compatible)
// server, the production transport for every key in the broker namespace.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker parses url (redis://host:port/db) and opens a client.
func NewRedisBroker(ctx context.Context, url string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisBroker{client: client}, nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

func (b *RedisBroker) Publish(ctx context.Context, channel, message string) error {
	return b.client.Publish(ctx, channel, message).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	sub := b.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			out <- msg.Payload
		}
	}()

	return out, func() { _ = sub.Close() }, nil
}

func (b *RedisBroker) RPush(ctx context.Context, key string, value string) error {
	return b.client.RPush(ctx, key, value).Err()
}

// BLPop blocks up to timeout. redis.Nil means the timeout elapsed with no
// value, which is not an error condition here.
func (b *RedisBroker) BLPop(ctx context.Context, key string, timeout time.Duration) (*KV, error) {
	popCtx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()

	result, err := b.client.BLPop(popCtx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	return &KV{Key: result[0], Value: result[1]}, nil
}

func (b *RedisBroker) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return b.client.LRange(ctx, key, start, stop).Result()
}

func (b *RedisBroker) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

func (b *RedisBroker) HSet(ctx context.Context, key, field, value string) error {
	return b.client.HSet(ctx, key, field, value).Err()
}

func (b *RedisBroker) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := b.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (b *RedisBroker) HDel(ctx context.Context, key, field string) error {
	return b.client.HDel(ctx, key, field).Err()
}

func (b *RedisBroker) HKeys(ctx context.Context, key string) ([]string, error) {
	return b.client.HKeys(ctx, key).Result()
}

func (b *RedisBroker) SAdd(ctx context.Context, key, member string) error {
	return b.client.SAdd(ctx, key, member).Err()
}

func (b *RedisBroker) SRem(ctx context.Context, key, member string) error {
	return b.client.SRem(ctx, key, member).Err()
}

func (b *RedisBroker) SMembers(ctx context.Context, key string) ([]string, error) {
	return b.client.SMembers(ctx, key).Result()
}
