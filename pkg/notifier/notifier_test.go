package notifier

import (
	"context"
	"testing"

	"github.com/cuemby/moorage/pkg/broker"
	"github.com/stretchr/testify/require"
)

func TestStoreAndBroadcastReturnsLastLine(t *testing.T) {
	mem := broker.NewMemBroker()
	n := New(mem, "task1")

	lines := make(chan string, 3)
	lines <- "pulling base image"
	lines <- "abc Digest: sha256:deadbeef"
	close(lines)

	last, err := n.StoreAndBroadcast(context.Background(), lines)
	require.NoError(t, err)
	require.Equal(t, "abc Digest: sha256:deadbeef", last)

	stored, err := n.StoredLogs(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"pulling base image", "abc Digest: sha256:deadbeef"}, stored)
}

func TestStoreAndBroadcastEmptyReturnsEmptyString(t *testing.T) {
	mem := broker.NewMemBroker()
	n := New(mem, "task2")

	lines := make(chan string)
	close(lines)

	last, err := n.StoreAndBroadcast(context.Background(), lines)
	require.NoError(t, err)
	require.Equal(t, "", last)
}

func TestPubBuildFinishIsUnconditional(t *testing.T) {
	mem := broker.NewMemBroker()
	n := New(mem, "task3")

	ch, cancel, err := mem.Subscribe(context.Background(), "eru:task:task3:pub")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, n.PubBuildFinish(context.Background()))
	require.Equal(t, buildFinishMarker, <-ch)
}
