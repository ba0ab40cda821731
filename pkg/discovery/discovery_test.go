package discovery

import (
	"context"
	"testing"

	"github.com/cuemby/moorage/pkg/broker"
	"github.com/stretchr/testify/require"
)

func TestRegisterThenDeregisterRoundTripsEmptySet(t *testing.T) {
	mem := broker.NewMemBroker()
	p := New(mem)
	ctx := context.Background()

	require.NoError(t, p.Register(ctx, "demo", "web", []string{"10.0.0.1:8080"}))
	backends, err := p.Backends(ctx, "demo", "web")
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1:8080"}, backends)

	require.NoError(t, p.Deregister(ctx, "demo", "web", []string{"10.0.0.1:8080"}))
	backends, err = p.Backends(ctx, "demo", "web")
	require.NoError(t, err)
	require.Empty(t, backends)

	// The app->entrypoint mapping itself must survive deregistration.
	v, ok, err := mem.HGet(ctx, appKey("demo"), "web")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, entrypointKey("demo", "web"), v)
}

func TestPublishChangedDedupesAppNames(t *testing.T) {
	mem := broker.NewMemBroker()
	p := New(mem)
	ctx := context.Background()

	ch, cancel, err := mem.Subscribe(ctx, publishedChannel)
	require.NoError(t, err)
	defer cancel()

	go func() {
		_ = p.PublishChanged(ctx, []string{"demo", "demo", "other"})
	}()

	first := <-ch
	second := <-ch
	require.ElementsMatch(t, []string{"demo", "other"}, []string{first, second})
}
