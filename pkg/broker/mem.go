package broker

import (
	"context"
	"sync"
	"time"
)

// MemBroker is an in-process Broker, used by tests that exercise the task
// engine, agent bridge, and notifier without a live Redis. The pub/sub
// fan-out shape (per-subscriber buffered channel, closed on unsubscribe) is
// the same one the control plane's old in-memory cluster-event broker used.
type MemBroker struct {
	mu sync.Mutex

	subscribers map[string]map[chan string]bool
	lists       map[string][]string
	hashes      map[string]map[string]string
	sets        map[string]map[string]bool

	popSignal map[string]chan struct{}
}

// NewMemBroker returns an empty in-process broker.
func NewMemBroker() *MemBroker {
	return &MemBroker{
		subscribers: make(map[string]map[chan string]bool),
		lists:       make(map[string][]string),
		hashes:      make(map[string]map[string]string),
		sets:        make(map[string]map[string]bool),
		popSignal:   make(map[string]chan struct{}),
	}
}

func (b *MemBroker) Close() error { return nil }

func (b *MemBroker) Publish(ctx context.Context, channel, message string) error {
	b.mu.Lock()
	subs := b.subscribers[channel]
	chans := make([]chan string, 0, len(subs))
	for ch := range subs {
		chans = append(chans, ch)
	}
	b.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- message:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemBroker) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	ch := make(chan string, 50)

	b.mu.Lock()
	if b.subscribers[channel] == nil {
		b.subscribers[channel] = make(map[chan string]bool)
	}
	b.subscribers[channel][ch] = true
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subscribers[channel], ch)
		b.mu.Unlock()
		close(ch)
	}
	return ch, cancel, nil
}

func (b *MemBroker) RPush(ctx context.Context, key string, value string) error {
	b.mu.Lock()
	b.lists[key] = append(b.lists[key], value)
	signal := b.popSignal[key]
	b.mu.Unlock()

	if signal != nil {
		select {
		case signal <- struct{}{}:
		default:
		}
	}
	return nil
}

// BLPop polls the list under lock until a value appears or timeout elapses,
// matching the "must not block longer than timeout" boundary behavior.
func (b *MemBroker) BLPop(ctx context.Context, key string, timeout time.Duration) (*KV, error) {
	deadline := time.Now().Add(timeout)
	for {
		b.mu.Lock()
		if len(b.lists[key]) > 0 {
			v := b.lists[key][0]
			b.lists[key] = b.lists[key][1:]
			b.mu.Unlock()
			return &KV{Key: key, Value: v}, nil
		}
		b.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := remaining
		if wait > 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (b *MemBroker) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.lists[key]
	n := int64(len(list))
	if n == 0 {
		return nil, nil
	}
	if stop < 0 || stop >= n {
		stop = n - 1
	}
	if start < 0 {
		start = 0
	}
	if start > stop {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (b *MemBroker) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.lists, key)
	delete(b.hashes, key)
	delete(b.sets, key)
	return nil
}

func (b *MemBroker) HSet(ctx context.Context, key, field, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hashes[key] == nil {
		b.hashes[key] = make(map[string]string)
	}
	b.hashes[key][field] = value
	return nil
}

func (b *MemBroker) HGet(ctx context.Context, key, field string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.hashes[key][field]
	return v, ok, nil
}

func (b *MemBroker) HDel(ctx context.Context, key, field string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.hashes[key], field)
	return nil
}

func (b *MemBroker) HKeys(ctx context.Context, key string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.hashes[key]))
	for k := range b.hashes[key] {
		out = append(out, k)
	}
	return out, nil
}

func (b *MemBroker) SAdd(ctx context.Context, key, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sets[key] == nil {
		b.sets[key] = make(map[string]bool)
	}
	b.sets[key][member] = true
	return nil
}

func (b *MemBroker) SRem(ctx context.Context, key, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sets[key], member)
	return nil
}

func (b *MemBroker) SMembers(ctx context.Context, key string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.sets[key]))
	for m := range b.sets[key] {
		out = append(out, m)
	}
	return out, nil
}
