// Package storage defines the persistence interface the Resource Ledger, IP
// Pool Manager, and Task Record Store build on, with two interchangeable
// backends: a bbolt-backed dev/single-node store and a Postgres/gorm-backed
// relational store.
package storage

import (
	"github.com/cuemby/moorage/pkg/types"
)

// Store is the relational-store object layer the engine mutates. Every
// method that reserves or releases a shared resource (cores, ports, IPs) is
// transactional on its own: bbolt serializes writers per-process, Postgres
// does so per-row with SELECT ... FOR UPDATE.
type Store interface {
	// App
	CreateApp(app *types.App) error
	GetApp(id string) (*types.App, error)
	GetAppByName(name string) (*types.App, error)

	// Version
	CreateVersion(v *types.Version) error
	GetVersion(id string) (*types.Version, error)
	GetVersionByAppSHA(appID, sha string) (*types.Version, error)
	CountContainersByVersion(versionID string) (int, error)

	// Image
	CreateImage(img *types.Image) error
	GetImageByVersion(versionID string) (*types.Image, error)

	// Host
	CreateHost(h *types.Host) error
	GetHost(id string) (*types.Host, error)
	UpdateHost(h *types.Host) error
	IncrementHostCount(hostID string, delta int) error

	// Core
	CreateCores(cores []types.Core) error
	GetCore(id string) (*types.Core, error)
	ListFreeCores(hostID string) ([]types.Core, error)
	OccupyCores(ids []string, containerID string) error
	ReleaseCores(ids []string) error

	// Port
	CreatePorts(ports []types.Port) error
	ListFreePorts(hostID string, limit int) ([]types.Port, error)
	OccupyPorts(ids []string, containerID string) error
	ReleasePorts(ids []string) error

	// Network
	CreateNetwork(n *types.Network) error
	GetNetwork(id string) (*types.Network, error)

	// IP
	CreateIPs(ips []types.IP) error
	GetIP(id string) (*types.IP, error)
	GetIPByAddress(networkID, address string) (*types.IP, error)
	ListFreeIPs(networkID string) ([]types.IP, error)
	// AcquireIP assigns the IP to containerID only if currently free.
	AcquireIP(id, containerID string) (bool, error)
	// AcquireSpecificIP assigns address on networkID to containerID if
	// free, creating no new row. ok is false if already taken.
	AcquireSpecificIP(networkID, address, containerID string) (ip *types.IP, ok bool, err error)
	ReleaseIP(id string) error
	SetIPVeth(id, vethname string) error

	// Container
	CreateContainer(c *types.Container) error
	GetContainer(id string) (*types.Container, error)
	DeleteContainer(id string) error
	ListContainersByHost(hostID string) ([]types.Container, error)
	CountContainersByHost(hostID string) (int, error)

	// Task
	CreateTask(t *types.Task) error
	GetTask(id string) (*types.Task, error)
	UpdateTask(t *types.Task) error

	Close() error
}
