package ippool

import (
	"testing"

	"github.com/cuemby/moorage/pkg/storage"
	"github.com/cuemby/moorage/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedIPs(t *testing.T, store storage.Store, networkID string, addrs ...string) {
	t.Helper()
	ips := make([]types.IP, len(addrs))
	for i, a := range addrs {
		ips[i] = types.IP{ID: networkID + "-" + a, NetworkID: networkID, Address: a}
	}
	require.NoError(t, store.CreateIPs(ips))
}

func TestAcquireIPReturnsNilWhenExhausted(t *testing.T) {
	store := newTestStore(t)
	pool := New(store)
	seedIPs(t, store, "net1", "10.0.0.1")

	ip, err := pool.AcquireIP("net1", "container1")
	require.NoError(t, err)
	require.NotNil(t, ip)

	ip2, err := pool.AcquireIP("net1", "container2")
	require.NoError(t, err)
	require.Nil(t, ip2)
}

func TestAcquireSpecificIPIdempotentOnTaken(t *testing.T) {
	store := newTestStore(t)
	pool := New(store)
	seedIPs(t, store, "net1", "10.0.0.5")

	ip, err := pool.AcquireSpecificIP("net1", "10.0.0.5", "container1")
	require.NoError(t, err)
	require.NotNil(t, ip)

	ip2, err := pool.AcquireSpecificIP("net1", "10.0.0.5", "container2")
	require.NoError(t, err)
	require.Nil(t, ip2)
}

func TestReleaseIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	pool := New(store)
	seedIPs(t, store, "net1", "10.0.0.9")

	ip, err := pool.AcquireIP("net1", "container1")
	require.NoError(t, err)

	require.NoError(t, pool.Release(*ip))
	require.NoError(t, pool.Release(*ip))

	reacquired, err := pool.AcquireIP("net1", "container2")
	require.NoError(t, err)
	require.NotNil(t, reacquired)
}

func TestAssignToContainerSetsVeth(t *testing.T) {
	store := newTestStore(t)
	pool := New(store)
	seedIPs(t, store, "net1", "10.0.0.7")

	ip, err := pool.AcquireIP("net1", "container1")
	require.NoError(t, err)

	require.NoError(t, pool.AssignToContainer(*ip, "veth123"))

	got, err := store.GetIP(ip.ID)
	require.NoError(t, err)
	require.Equal(t, "veth123", got.Vethname)
}
