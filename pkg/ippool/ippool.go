// Package ippool implements the IP Pool Manager: acquisition, release, and
// final ownership assignment of MACVLAN addresses. Allocation is serialized
// per network with an in-process mutex on top of the Store's own atomic
// acquire, matching the "row-level lock or equivalent" requirement for a
// single control-plane instance.
package ippool

import (
	"sync"

	"github.com/cuemby/moorage/pkg/errs"
	"github.com/cuemby/moorage/pkg/metrics"
	"github.com/cuemby/moorage/pkg/storage"
	"github.com/cuemby/moorage/pkg/types"
)

// Pool manages IP acquisition and release for one Store.
type Pool struct {
	store storage.Store

	mu   sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a Pool backed by store.
func New(store storage.Store) *Pool {
	return &Pool{store: store, locks: make(map[string]*sync.Mutex)}
}

func (p *Pool) networkLock(networkID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[networkID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[networkID] = l
	}
	return l
}

// AcquireIP returns any unassigned IP on networkID, or nil if the network is
// exhausted. The returned IP is already marked owned by containerID.
func (p *Pool) AcquireIP(networkID, containerID string) (*types.IP, error) {
	lock := p.networkLock(networkID)
	lock.Lock()
	defer lock.Unlock()

	free, err := p.store.ListFreeIPs(networkID)
	if err != nil {
		return nil, &errs.PersistenceError{Op: "list_free_ips", Err: err}
	}
	for _, ip := range free {
		ok, err := p.store.AcquireIP(ip.ID, containerID)
		if err != nil {
			return nil, &errs.PersistenceError{Op: "acquire_ip", Err: err}
		}
		if ok {
			metrics.IPsAssigned.WithLabelValues(networkID).Inc()
			ip.ContainerID = containerID
			return &ip, nil
		}
		// Lost the race to another allocator between list and acquire; try
		// the next free address.
	}
	metrics.IPAllocationFailures.Inc()
	return nil, nil
}

// AcquireSpecificIP acquires networkID's address for containerID. Returns
// (nil, nil) if the address is already taken, matching the original's
// "null if already taken" contract rather than erroring. An address that
// is not in the network is reported by the store as an error and returned
// as a PersistenceError.
func (p *Pool) AcquireSpecificIP(networkID, address, containerID string) (*types.IP, error) {
	lock := p.networkLock(networkID)
	lock.Lock()
	defer lock.Unlock()

	ip, ok, err := p.store.AcquireSpecificIP(networkID, address, containerID)
	if err != nil {
		return nil, &errs.PersistenceError{Op: "acquire_specific_ip", Err: err}
	}
	if !ok {
		metrics.IPAllocationFailures.Inc()
		return nil, nil
	}
	metrics.IPsAssigned.WithLabelValues(networkID).Inc()
	return ip, nil
}

// Release clears ip's container assignment and vethname. Idempotent: an
// already-free IP releases without error.
func (p *Pool) Release(ip types.IP) error {
	if err := p.store.ReleaseIP(ip.ID); err != nil {
		return &errs.PersistenceError{Op: "release_ip", Err: err}
	}
	if ip.ContainerID != "" {
		metrics.IPsAssigned.WithLabelValues(ip.NetworkID).Dec()
	}
	return nil
}

// AssignToContainer finalizes ownership by recording the vethname the agent
// reported after a successful attach.
func (p *Pool) AssignToContainer(ip types.IP, vethname string) error {
	if err := p.store.SetIPVeth(ip.ID, vethname); err != nil {
		return &errs.PersistenceError{Op: "assign_to_container", Err: err}
	}
	return nil
}
