// Package ledger implements the Resource Ledger: core and port reservation
// and release against a Store backend. Every mutation is transactional on
// whichever Store is wired in (bbolt serializes per-process, Postgres locks
// per-row); release is always idempotent on already-free resources.
package ledger

import (
	"github.com/cuemby/moorage/pkg/errs"
	"github.com/cuemby/moorage/pkg/log"
	"github.com/cuemby/moorage/pkg/metrics"
	"github.com/cuemby/moorage/pkg/storage"
	"github.com/cuemby/moorage/pkg/types"
)

// Ledger reserves and releases a host's cores and ports.
type Ledger struct {
	store storage.Store
}

// New returns a Ledger backed by store.
func New(store storage.Store) *Ledger {
	return &Ledger{store: store}
}

// OccupyCores marks cores as used by containerID. Callers must have already
// selected which cores to take (the ledger does not choose placement).
func (l *Ledger) OccupyCores(cores []types.Core, containerID string) error {
	if len(cores) == 0 {
		return nil
	}
	ids := make([]string, len(cores))
	for i, c := range cores {
		ids[i] = c.ID
	}
	if err := l.store.OccupyCores(ids, containerID); err != nil {
		return &errs.ResourceContention{Resource: "core", Err: err}
	}
	if len(cores) > 0 {
		metrics.CoresReserved.WithLabelValues(cores[0].HostID).Add(float64(len(cores)))
	}
	return nil
}

// ReleaseCores frees cores. nshare is the partial-share count from the
// owning container's props; it has no effect on bbolt/Postgres bookkeeping
// today beyond being logged, but is accepted to mirror the original
// occupy/release pairing and leave room for per-share accounting later.
func (l *Ledger) ReleaseCores(cores []types.Core, nshare int) error {
	if len(cores) == 0 {
		return nil
	}
	ids := make([]string, len(cores))
	for i, c := range cores {
		ids[i] = c.ID
	}
	if err := l.store.ReleaseCores(ids); err != nil {
		return &errs.PersistenceError{Op: "release_cores", Err: err}
	}
	log.Logger.Debug().Int("count", len(cores)).Int("nshare", nshare).Msg("released cores")
	if len(cores) > 0 {
		metrics.CoresReserved.WithLabelValues(cores[0].HostID).Sub(float64(len(cores)))
	}
	return nil
}

// OccupyPorts marks ports as used by containerID.
func (l *Ledger) OccupyPorts(ports []types.Port, containerID string) error {
	if len(ports) == 0 {
		return nil
	}
	ids := make([]string, len(ports))
	for i, p := range ports {
		ids[i] = p.ID
	}
	if err := l.store.OccupyPorts(ids, containerID); err != nil {
		return &errs.ResourceContention{Resource: "port", Err: err}
	}
	if len(ports) > 0 {
		metrics.PortsReserved.WithLabelValues(ports[0].HostID).Add(float64(len(ports)))
	}
	return nil
}

// ReleasePorts frees ports. Idempotent: releasing an already-free port is a
// no-op, not an error.
func (l *Ledger) ReleasePorts(ports []types.Port) error {
	if len(ports) == 0 {
		return nil
	}
	ids := make([]string, len(ports))
	for i, p := range ports {
		ids[i] = p.ID
	}
	if err := l.store.ReleasePorts(ids); err != nil {
		return &errs.PersistenceError{Op: "release_ports", Err: err}
	}
	if len(ports) > 0 {
		metrics.PortsReserved.WithLabelValues(ports[0].HostID).Sub(float64(len(ports)))
	}
	return nil
}

// FreeCores returns every unused core on hostID.
func (l *Ledger) FreeCores(hostID string) ([]types.Core, error) {
	cores, err := l.store.ListFreeCores(hostID)
	if err != nil {
		return nil, &errs.PersistenceError{Op: "free_cores", Err: err}
	}
	return cores, nil
}

// FreePorts returns up to limit unused ports on hostID. limit <= 0 means no
// cap.
func (l *Ledger) FreePorts(hostID string, limit int) ([]types.Port, error) {
	ports, err := l.store.ListFreePorts(hostID, limit)
	if err != nil {
		return nil, &errs.PersistenceError{Op: "free_ports", Err: err}
	}
	return ports, nil
}
