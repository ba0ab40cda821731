package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBLPopReturnsValueWhenPushed(t *testing.T) {
	b := NewMemBroker()
	require.NoError(t, b.RPush(context.Background(), "k1", "v1"))

	kv, err := b.BLPop(context.Background(), "k1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, kv)
	require.Equal(t, "v1", kv.Value)
}

func TestBLPopTimesOutWithoutBlockingLonger(t *testing.T) {
	b := NewMemBroker()
	start := time.Now()
	kv, err := b.BLPop(context.Background(), "nokey", 50*time.Millisecond)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Nil(t, kv)
	require.Less(t, elapsed, 200*time.Millisecond)
}

func TestPublishSubscribe(t *testing.T) {
	b := NewMemBroker()
	ch, cancel, err := b.Subscribe(context.Background(), "chan1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, b.Publish(context.Background(), "chan1", "hello"))

	select {
	case msg := <-ch:
		require.Equal(t, "hello", msg)
	case <-time.After(time.Second):
		t.Fatal("did not receive published message")
	}
}

func TestHashAndSetOps(t *testing.T) {
	b := NewMemBroker()
	ctx := context.Background()

	require.NoError(t, b.HSet(ctx, "h1", "f1", "v1"))
	v, ok, err := b.HGet(ctx, "h1", "f1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", v)

	require.NoError(t, b.HDel(ctx, "h1", "f1"))
	_, ok, err = b.HGet(ctx, "h1", "f1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, b.SAdd(ctx, "s1", "m1"))
	members, err := b.SMembers(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, []string{"m1"}, members)

	require.NoError(t, b.SRem(ctx, "s1", "m1"))
	members, err = b.SMembers(ctx, "s1")
	require.NoError(t, err)
	require.Empty(t, members)
}
